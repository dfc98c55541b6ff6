// Package config loads operator-level defaults for the sandbox engine from
// a JSON/JSONC file, following the same hujson-standardize-then-decode
// approach used throughout this codebase's CLI configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// DefaultPath is where the operator config is read from when no override is
// given.
const DefaultPath = "/etc/sandboxctl.json"

// Config holds operator-adjustable defaults. Every field has a sensible
// zero value, so a missing config file is not an error.
type Config struct {
	// StoreRoot overrides the default /var/sandboxes.
	StoreRoot string `json:"storeRoot,omitempty"`
	// DefaultShell is used for an interactive session when $SHELL is
	// unset.
	DefaultShell string `json:"defaultShell,omitempty"`
	// MarkerGID overrides the reserved group ID used by mark.
	MarkerGID int `json:"markerGid,omitempty"`
	// Forks overrides the subtree-replication fan-out.
	Forks int `json:"forks,omitempty"`
	// FUSEAllowOther controls whether sandboxfsd is mounted with
	// allow_other.
	FUSEAllowOther *bool `json:"fuseAllowOther,omitempty"`
}

// Defaults returns the built-in configuration used when no file is present.
func Defaults() Config {
	allowOther := true

	return Config{
		StoreRoot:      "/var/sandboxes",
		DefaultShell:   "/bin/sh",
		MarkerGID:      48879,
		Forks:          3,
		FUSEAllowOther: &allowOther,
	}
}

// Load reads path, overlaying its fields onto Defaults(). A missing file is
// not an error; any other read or parse failure is.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	var overlay Config

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&overlay); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.apply(overlay)

	return cfg, nil
}

func (c *Config) apply(overlay Config) {
	if overlay.StoreRoot != "" {
		c.StoreRoot = overlay.StoreRoot
	}

	if overlay.DefaultShell != "" {
		c.DefaultShell = overlay.DefaultShell
	}

	if overlay.MarkerGID != 0 {
		c.MarkerGID = overlay.MarkerGID
	}

	if overlay.Forks != 0 {
		c.Forks = overlay.Forks
	}

	if overlay.FUSEAllowOther != nil {
		c.FUSEAllowOther = overlay.FUSEAllowOther
	}
}
