// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package output renders CLI results. The default nested outputter
// mirrors the indented key/value layout operators know, with lipgloss
// coloring; json, yaml and raw are for scripting.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// Formats accepted by --out.
const (
	FormatNested = "nested"
	FormatJSON   = "json"
	FormatYAML   = "yaml"
	FormatRaw    = "raw"
)

const indentStep = 4

// Format renders v in the named format. color applies only to nested
// output.
func Format(format string, v any, color bool) (string, error) {
	switch format {
	case FormatNested, "":
		var b strings.Builder
		nested(&b, v, 0, newPalette(color))
		return strings.TrimRight(b.String(), "\n"), nil
	case FormatJSON:
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("output: encoding json: %w", err)
		}
		return string(encoded), nil
	case FormatYAML:
		encoded, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("output: encoding yaml: %w", err)
		}
		return strings.TrimRight(string(encoded), "\n"), nil
	case FormatRaw:
		return fmt.Sprintf("%v", v), nil
	default:
		return "", fmt.Errorf("output: unknown format %q", format)
	}
}

// palette holds the nested outputter's styles; the zero value renders
// plain text.
type palette struct {
	key    lipgloss.Style
	str    lipgloss.Style
	number lipgloss.Style
	good   lipgloss.Style
	bad    lipgloss.Style
	dim    lipgloss.Style
	color  bool
}

func newPalette(color bool) palette {
	if !color {
		return palette{}
	}
	return palette{
		key:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		str:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		number: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		good:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		color:  true,
	}
}

func (p palette) render(style lipgloss.Style, s string) string {
	if !p.color {
		return s
	}
	return style.Render(s)
}

// nested writes v indented by depth steps.
func nested(b *strings.Builder, v any, depth int, p palette) {
	pad := strings.Repeat(" ", depth*indentStep)
	switch value := v.(type) {
	case map[string]any:
		if len(value) == 0 {
			fmt.Fprintf(b, "%s%s\n", pad, p.render(p.dim, "{}"))
			return
		}
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		if depth > 0 {
			fmt.Fprintf(b, "%s%s\n", pad, p.render(p.dim, "----------"))
		}
		for _, key := range keys {
			fmt.Fprintf(b, "%s%s\n", pad, p.render(p.key, key+":"))
			nested(b, value[key], depth+1, p)
		}
	case []any:
		if len(value) == 0 {
			fmt.Fprintf(b, "%s\n", pad)
			return
		}
		for _, item := range value {
			if isScalar(item) {
				fmt.Fprintf(b, "%s- %s\n", pad, scalar(item, p))
			} else {
				fmt.Fprintf(b, "%s-\n", pad)
				nested(b, item, depth+1, p)
			}
		}
	case []string:
		for _, item := range value {
			fmt.Fprintf(b, "%s- %s\n", pad, p.render(p.str, item))
		}
	case nil:
		fmt.Fprintf(b, "%s%s\n", pad, p.render(p.dim, "None"))
	default:
		fmt.Fprintf(b, "%s%s\n", pad, scalar(value, p))
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any, []string:
		return false
	}
	return true
}

func scalar(v any, p palette) string {
	switch value := v.(type) {
	case string:
		return p.render(p.str, value)
	case bool:
		if value {
			return p.render(p.good, "True")
		}
		return p.render(p.bad, "False")
	case nil:
		return p.render(p.dim, "None")
	case int, int64, uint64, float64:
		return p.render(p.number, fmt.Sprintf("%v", value))
	default:
		return fmt.Sprintf("%v", value)
	}
}
