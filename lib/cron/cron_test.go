// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) Expression {
	t.Helper()
	e, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	return e
}

func TestNext(t *testing.T) {
	from := time.Date(2026, 8, 23, 14, 30, 45, 0, time.UTC) // Sunday

	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 8, 23, 14, 31, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 8, 23, 14, 45, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)},
		{"0 9 * * 1", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)}, // next Monday
		{"30 6 1 * *", time.Date(2026, 9, 1, 6, 30, 0, 0, time.UTC)},
		{"0 12 25 12 *", time.Date(2026, 12, 25, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := mustParse(t, tc.expr).Next(from)
		if err != nil {
			t.Errorf("Next(%q): %v", tc.expr, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("Next(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestSundayAliases(t *testing.T) {
	from := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC) // Friday
	sunday := time.Date(2026, 8, 23, 8, 0, 0, 0, time.UTC)

	for _, expr := range []string{"0 8 * * 0", "0 8 * * 7"} {
		got, err := mustParse(t, expr).Next(from)
		if err != nil {
			t.Fatalf("Next(%q): %v", expr, err)
		}
		if !got.Equal(sunday) {
			t.Errorf("Next(%q) = %v, want %v", expr, got, sunday)
		}
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-2 * * * *",
		"x * * * *",
	}
	for _, expr := range bad {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

func TestImpossibleSchedule(t *testing.T) {
	e := mustParse(t, "0 0 31 2 *")
	if _, err := e.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Fatal("expected error for Feb 31")
	}
}
