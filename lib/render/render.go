// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package render turns SLS source into data. An SLS file is a Go
// text/template producing YAML; the template sees the minion's grains
// and pillar plus a few lookup helpers, so state and pillar trees can
// branch on facts without a second template language.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Context is the data visible to SLS templates.
type Context struct {
	// Grains is the minion's grain map, reachable as .Grains and via
	// the grain helper.
	Grains map[string]any

	// Pillar is the compiled pillar (empty while compiling pillar
	// itself, where earlier-merged values are exposed instead).
	Pillar map[string]any

	// Env is the fileserver environment being rendered.
	Env string

	// Opts carries selected daemon options (id, test mode).
	Opts map[string]any
}

// lookup walks a colon-separated key through nested maps, mirroring
// grains.get traversal.
func lookup(data map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ":")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (c Context) funcs() template.FuncMap {
	return template.FuncMap{
		"grain": func(key string, fallback ...any) any {
			if value, ok := lookup(c.Grains, key); ok {
				return value
			}
			if len(fallback) > 0 {
				return fallback[0]
			}
			return ""
		},
		"pillar": func(key string, fallback ...any) any {
			if value, ok := lookup(c.Pillar, key); ok {
				return value
			}
			if len(fallback) > 0 {
				return fallback[0]
			}
			return ""
		},
		"opt": func(key string) any {
			return c.Opts[key]
		},
	}
}

// Template renders src as a template and returns the produced text.
// name appears in error messages and should be the SLS path.
func Template(name string, src []byte, ctx Context) ([]byte, error) {
	tpl, err := template.New(name).Option("missingkey=zero").Funcs(ctx.funcs()).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("render: parsing %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("render: executing %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// SLS renders src and decodes the resulting YAML document into a map.
// An empty or comment-only document decodes to an empty map.
func SLS(name string, src []byte, ctx Context) (map[string]any, error) {
	rendered, err := Template(name, src, ctx)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := yaml.Unmarshal(rendered, &data); err != nil {
		return nil, fmt.Errorf("render: decoding %s: %w", name, err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}
