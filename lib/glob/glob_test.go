// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package glob

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		// Literals and wildcards.
		{"web1", "web1", true},
		{"web1", "web2", false},
		{"*", "anything", true},
		{"*", "", true},
		{"web*", "web1", true},
		{"web*", "db1", false},
		{"*.example.com", "web1.example.com", true},
		{"w?b1", "web1", true},
		{"w?b1", "wb1", false},
		{"salt/job/*/ret/*", "salt/job/20260823/ret/web1", true},
		{"salt/job/*", "salt/job/20260823/new", true},

		// Character classes.
		{"web[1-3]", "web1", true},
		{"web[1-3]", "web2", true},
		{"web[1-3]", "web4", false},
		{"web[13]", "web1", true},
		{"web[13]", "web2", false},
		{"web[!1-3]", "web4", true},
		{"web[!1-3]", "web2", false},
		{"web[a-cx]", "webx", true},
		{"web[a-cx]", "webd", false},
		{"[a-]", "a", true},
		{"[a-]", "-", true},
		{"[]]", "]", true},
		{"[!]]", "x", true},
		{"[!]]", "]", false},
		{"web[1-3]*", "web2.example.com", true},

		// An unterminated class is a literal '['.
		{"web[1-3", "web[1-3", true},
		{"web[1-3", "web1", false},
		{"[", "[", true},
	}
	for _, test := range tests {
		if got := Match(test.pattern, test.s); got != test.want {
			t.Errorf("Match(%q, %q) = %v, want %v", test.pattern, test.s, got, test.want)
		}
	}
}

func TestHasMeta(t *testing.T) {
	tests := []struct {
		pattern string
		want    bool
	}{
		{"web1", false},
		{"web*", true},
		{"w?b", true},
		{"web[1-3]", true},
	}
	for _, test := range tests {
		if got := HasMeta(test.pattern); got != test.want {
			t.Errorf("HasMeta(%q) = %v, want %v", test.pattern, got, test.want)
		}
	}
}
