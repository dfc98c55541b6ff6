// Package pathwalk provides the path-joining and recursive traversal
// primitives the rest of the sandbox engine is built on.
package pathwalk

import "strings"

// Join concatenates dir and base with exactly one slash between them.
//
// Leading slashes on base are treated as relative (Join("/a", "/b") ==
// "/a/b"), and any run of slashes produced by the concatenation is
// collapsed to one.
func Join(dir, base string) string {
	for strings.HasSuffix(dir, "/") && dir != "/" {
		dir = dir[:len(dir)-1]
	}

	for strings.HasPrefix(base, "/") {
		base = base[1:]
	}

	if dir == "" {
		dir = "/"
	}

	if dir == "/" {
		return "/" + base
	}

	return dir + "/" + base
}
