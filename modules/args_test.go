// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"reflect"
	"testing"
)

func TestParseArgs(t *testing.T) {
	args, kwargs := ParseArgs([]string{"nginx", "42", "true", "timeout=30", "name=web server"})
	wantArgs := []any{"nginx", 42, true}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %#v, want %#v", args, wantArgs)
	}
	wantKwargs := map[string]any{"timeout": 30, "name": "web server"}
	if !reflect.DeepEqual(kwargs, wantKwargs) {
		t.Errorf("kwargs = %#v, want %#v", kwargs, wantKwargs)
	}
}

func TestParseArgsNoKwargs(t *testing.T) {
	args, kwargs := ParseArgs([]string{"hello"})
	if kwargs != nil {
		t.Errorf("kwargs = %v", kwargs)
	}
	if len(args) != 1 || args[0] != "hello" {
		t.Errorf("args = %#v", args)
	}
}

func TestPackAndSplitKwargs(t *testing.T) {
	packed := PackKwargs([]any{"nginx"}, map[string]any{"timeout": 30})
	if len(packed) != 2 {
		t.Fatalf("packed = %#v", packed)
	}
	args, kwargs := SplitKwargs(packed)
	if !reflect.DeepEqual(args, []any{"nginx"}) {
		t.Errorf("args = %#v", args)
	}
	if !reflect.DeepEqual(kwargs, map[string]any{"timeout": 30}) {
		t.Errorf("kwargs = %#v", kwargs)
	}

	// A plain trailing map without the marker stays positional.
	plain := []any{map[string]any{"a": 1}}
	args, kwargs = SplitKwargs(plain)
	if len(args) != 1 || kwargs != nil {
		t.Errorf("args = %#v kwargs = %#v", args, kwargs)
	}
}

func TestParseArgsValueEdgeCases(t *testing.T) {
	args, kwargs := ParseArgs([]string{"", "null", "x=3.5", "2=notakwarg"})
	if len(args) != 3 || args[0] != "" || args[1] != nil || args[2] != "2=notakwarg" {
		t.Errorf("args = %#v", args)
	}
	if kwargs["x"] != 3.5 {
		t.Errorf("kwargs = %#v", kwargs)
	}
}
