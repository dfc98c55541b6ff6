//go:build linux

package sandbox

import (
	"strings"
	"testing"
)

func TestValidName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"/", true},
		{"work", true},
		{"feature-1", true},
		{"", false},
		{".hidden", false},
		{"has space", false},
		{"nested/name", false},
		{"/etc", false},
		{strings.Repeat("a", NameMax), true},
		{strings.Repeat("a", NameMax+1), false},
	}

	for _, c := range cases {
		if got := ValidName(c.name); got != c.want {
			t.Errorf("ValidName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestStorePaths(t *testing.T) {
	s := Store{Root: "/var/sandboxes"}

	if got, want := s.RootPath(BaseName), "/"; got != want {
		t.Errorf("RootPath(base) = %q, want %q", got, want)
	}

	if got, want := s.RootPath("work"), "/var/sandboxes/work"; got != want {
		t.Errorf("RootPath(work) = %q, want %q", got, want)
	}

	if got, want := s.ShadowPath("work"), "/var/sandboxes/.work"; got != want {
		t.Errorf("ShadowPath(work) = %q, want %q", got, want)
	}

	if got, want := s.ShadowEtcPath(BaseName), "/etc"; got != want {
		t.Errorf("ShadowEtcPath(base) = %q, want %q", got, want)
	}

	if got, want := s.ShadowEtcPath("work"), "/var/sandboxes/.work/etc"; got != want {
		t.Errorf("ShadowEtcPath(work) = %q, want %q", got, want)
	}
}
