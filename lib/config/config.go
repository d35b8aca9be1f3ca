// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads master and minion configuration.
//
// Configuration comes from a single YAML file (/etc/salt/master or
// /etc/salt/minion by default, overridable with --config-dir) plus a
// drop-in directory (master.d/*.conf, minion.d/*.conf) whose files
// are merged over the base file in lexical order. There is no other
// discovery and no environment fallback; what the files say is what
// runs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir is where master and minion config files live.
const DefaultConfigDir = "/etc/salt"

// Duration wraps time.Duration with YAML support for both bare
// seconds (the documented config convention: acceptance_wait_time: 10)
// and Go duration strings ("10s", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds float64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as seconds when whole, otherwise
// as a duration string.
func (d Duration) MarshalYAML() (any, error) {
	dur := time.Duration(d)
	if dur%time.Second == 0 {
		return int(dur / time.Second), nil
	}
	return dur.String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// load reads path (if it exists), merges drop-ins from includeDir
// (lexical order), and decodes the merged document into target.
// A missing base file is not an error; daemons run on defaults.
func load(path, includeDir string, target any) error {
	merged := map[string]any{}

	paths := []string{}
	if _, err := os.Stat(path); err == nil {
		paths = append(paths, path)
	}
	entries, err := filepath.Glob(filepath.Join(includeDir, "*.conf"))
	if err == nil {
		sort.Strings(entries)
		paths = append(paths, entries...)
	}

	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("config: reading %s: %w", p, err)
		}
		doc := map[string]any{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("config: parsing %s: %w", p, err)
		}
		for key, value := range doc {
			merged[key] = value
		}
	}

	// Round-trip through YAML to decode the merged map into the
	// typed struct. Avoids hand-writing a map-to-struct mapper and
	// keeps the yaml tags authoritative.
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("config: re-encoding merged config: %w", err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("config: decoding merged config: %w", err)
	}
	return nil
}

// ParseLogLevel maps a log_level config value to a slog level.
func ParseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug", "trace", "garbage", "all":
		return slog.LevelDebug, nil
	case "info", "profile":
		return slog.LevelInfo, nil
	case "warn", "warning", "":
		return slog.LevelWarn, nil
	case "error", "critical", "quiet":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log_level %q", name)
	}
}

// validateID rejects minion and master IDs that would break file
// paths or event tags.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("config: id must not be empty")
	}
	if strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return fmt.Errorf("config: id %q contains path characters", id)
	}
	return nil
}
