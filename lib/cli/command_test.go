// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestDispatchSubcommand(t *testing.T) {
	ran := false
	root := &Command{
		Name: "salt-key",
		Subcommands: []*Command{
			{Name: "accept", Summary: "accept a pending key", Run: func(args []string) error {
				ran = true
				if len(args) != 1 || args[0] != "web1" {
					t.Errorf("args = %v", args)
				}
				return nil
			}},
		},
	}
	if err := root.Execute([]string{"accept", "web1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran {
		t.Fatal("subcommand did not run")
	}
}

func TestUnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name: "salt-key",
		Subcommands: []*Command{
			{Name: "accept", Run: func([]string) error { return nil }},
			{Name: "reject", Run: func([]string) error { return nil }},
		},
	}
	err := root.Execute([]string{"acept"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "accept"`) {
		t.Fatalf("error lacks suggestion: %v", err)
	}
}

func TestFlagParsing(t *testing.T) {
	var timeout int
	cmd := &Command{
		Name: "salt",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("salt", pflag.ContinueOnError)
			fs.IntVarP(&timeout, "timeout", "t", 5, "seconds to wait")
			return fs
		},
		Run: func(args []string) error { return nil },
	}
	if err := cmd.Execute([]string{"--timeout", "30", "*", "test.ping"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if timeout != 30 {
		t.Fatalf("timeout = %d, want 30", timeout)
	}
}

func TestUnknownFlagSuggests(t *testing.T) {
	cmd := &Command{
		Name: "salt",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("salt", pflag.ContinueOnError)
			fs.Int("timeout", 5, "")
			return fs
		},
		Run: func([]string) error { return nil },
	}
	err := cmd.Execute([]string{"--timeuot=3"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "--timeout") {
		t.Fatalf("error lacks flag suggestion: %v", err)
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"accept", "accept", 0},
		{"acept", "accept", 1},
		{"list", "last", 2},
		{"ping", "pong", 1},
	}
	for _, tc := range cases {
		if got := editDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
