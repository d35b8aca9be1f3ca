// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"strings"
	"testing"
)

func TestNestedLayout(t *testing.T) {
	result := map[string]any{
		"web1": map[string]any{
			"ok":      true,
			"count":   int64(3),
			"comment": "all good",
		},
	}
	got, err := Format(FormatNested, result, false)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"web1:",
		"    ----------",
		"    comment:",
		"        all good",
		"    count:",
		"        3",
		"    ok:",
		"        True",
	}, "\n")
	if got != want {
		t.Errorf("nested output:\n%s\nwant:\n%s", got, want)
	}
}

func TestNestedLists(t *testing.T) {
	got, err := Format(FormatNested, map[string]any{"minions": []any{"db1", "web1"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	want := "minions:\n    - db1\n    - web1"
	if got != want {
		t.Errorf("got:\n%s", got)
	}
}

func TestJSONAndYAML(t *testing.T) {
	v := map[string]any{"a": 1}
	jsonOut, err := Format(FormatJSON, v, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(jsonOut, `"a": 1`) {
		t.Errorf("json = %s", jsonOut)
	}
	yamlOut, err := Format(FormatYAML, v, false)
	if err != nil {
		t.Fatal(err)
	}
	if yamlOut != "a: 1" {
		t.Errorf("yaml = %q", yamlOut)
	}
}

func TestRawAndUnknown(t *testing.T) {
	raw, err := Format(FormatRaw, map[string]any{"x": true}, false)
	if err != nil {
		t.Fatal(err)
	}
	if raw != "map[x:true]" {
		t.Errorf("raw = %q", raw)
	}
	if _, err := Format("toml", nil, false); err == nil {
		t.Error("unknown format accepted")
	}
}
