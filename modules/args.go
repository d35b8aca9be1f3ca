// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"regexp"

	"gopkg.in/yaml.v3"
)

var kwargPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*=`)

// ParseArgs splits CLI arguments into positional args and key=value
// kwargs, decoding each value as a YAML scalar so numbers, booleans
// and quoted strings arrive typed. This is the calling convention all
// Salt CLIs share.
func ParseArgs(raw []string) ([]any, map[string]any) {
	var args []any
	var kwargs map[string]any
	for _, item := range raw {
		if loc := kwargPattern.FindStringIndex(item); loc != nil {
			if kwargs == nil {
				kwargs = map[string]any{}
			}
			kwargs[item[:loc[1]-1]] = parseValue(item[loc[1]:])
			continue
		}
		args = append(args, parseValue(item))
	}
	return args, kwargs
}

// PackKwargs appends kwargs to positional args as a trailing marker
// map, the form published jobs carry on the wire.
func PackKwargs(args []any, kwargs map[string]any) []any {
	if len(kwargs) == 0 {
		return args
	}
	packed := map[string]any{"__kwarg__": true}
	for key, value := range kwargs {
		packed[key] = value
	}
	return append(args, packed)
}

// SplitKwargs undoes PackKwargs: a trailing map with __kwarg__ set
// becomes the kwargs, everything before it stays positional.
func SplitKwargs(args []any) ([]any, map[string]any) {
	if len(args) == 0 {
		return args, nil
	}
	last, ok := args[len(args)-1].(map[string]any)
	if !ok {
		return args, nil
	}
	if marker, _ := last["__kwarg__"].(bool); !marker {
		return args, nil
	}
	kwargs := make(map[string]any, len(last)-1)
	for key, value := range last {
		if key != "__kwarg__" {
			kwargs[key] = value
		}
	}
	return args[:len(args)-1], kwargs
}

// parseValue decodes a YAML scalar, falling back to the raw string
// for anything YAML rejects.
func parseValue(raw string) any {
	switch raw {
	case "", "null", "~", "None":
		if raw == "" {
			return ""
		}
		return nil
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	// YAML decodes unquoted words to nil in edge cases; keep the text.
	if value == nil {
		return raw
	}
	return value
}
