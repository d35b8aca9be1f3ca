// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package render

import (
	"reflect"
	"testing"
)

func TestSLSRendersTemplateAndYAML(t *testing.T) {
	src := []byte(`
{{ if eq (grain "os_family") "Debian" }}
pkg: apt
{{ else }}
pkg: yum
{{ end }}
workers: {{ pillar "nginx:workers" 2 }}
host: {{ opt "id" }}
`)
	ctx := Context{
		Grains: map[string]any{"os_family": "Debian"},
		Pillar: map[string]any{"nginx": map[string]any{"workers": 8}},
		Opts:   map[string]any{"id": "web1"},
	}
	data, err := SLS("test.sls", src, ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"pkg": "apt", "workers": 8, "host": "web1"}
	if !reflect.DeepEqual(data, want) {
		t.Errorf("data = %v, want %v", data, want)
	}
}

func TestSLSLookupFallback(t *testing.T) {
	data, err := SLS("test.sls", []byte(`value: {{ grain "missing:key" "fallback" }}`), Context{})
	if err != nil {
		t.Fatal(err)
	}
	if data["value"] != "fallback" {
		t.Errorf("value = %v", data["value"])
	}
}

func TestSLSEmptyDocument(t *testing.T) {
	data, err := SLS("empty.sls", []byte("# nothing here\n"), Context{})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("data = %v", data)
	}
}

func TestSLSBadYAMLIsAnError(t *testing.T) {
	if _, err := SLS("bad.sls", []byte("a: [unclosed"), Context{}); err == nil {
		t.Fatal("invalid YAML must fail")
	}
}
