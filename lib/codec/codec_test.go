// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	in := map[string]any{
		"fun":  "test.ping",
		"jid":  "20260823120000123456",
		"arg":  []any{"one", int64(2)},
		"tgt":  "*",
		"meta": map[string]any{"user": "root"},
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["fun"] != "test.ping" {
		t.Errorf("fun = %v, want test.ping", out["fun"])
	}
	if out["jid"] != "20260823120000123456" {
		t.Errorf("jid = %v", out["jid"])
	}
}

func TestDeterministic(t *testing.T) {
	// Map iteration order must not leak into the encoding: the
	// transport signs encoded bytes, so equal payloads must encode
	// identically every time.
	payload := map[string]any{"z": 1, "a": 2, "m": 3, "b": 4}

	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 50; i++ {
		next, err := Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %d: %v", i, err)
		}
		if !bytes.Equal(first, next) {
			t.Fatalf("encoding %d differs from first", i)
		}
	}
}

func TestAnyDecodesToStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": true}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	top, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded to %T, want map[string]any", out)
	}
	if _, ok := top["outer"].(map[string]any); !ok {
		t.Fatalf("nested decoded to %T, want map[string]any", top["outer"])
	}
}
