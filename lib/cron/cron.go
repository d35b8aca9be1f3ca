// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions for the scheduler.
// Supported syntax per field: "*", single values, ranges (1-5),
// steps (*/10, 2-30/4), and comma-joined terms. Day-of-week accepts
// 0-7 with 7 normalized to Sunday. All evaluation is in UTC.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expression is a parsed cron expression. Zero value matches nothing;
// build with Parse.
type Expression struct {
	minute, hour, dayOfMonth, month, dayOfWeek fieldSet
}

// fieldSet is a set of small integers backed by a uint64 bitmap.
type fieldSet uint64

func (s fieldSet) has(v int) bool { return s&(1<<uint(v)) != 0 }
func (s *fieldSet) add(v int)     { *s |= 1 << uint(v) }

// Parse parses expression and reports malformed fields with the field
// name in the error.
func Parse(expression string) (Expression, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Expression{}, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expression)
	}

	specs := []struct {
		name     string
		min, max int
		out      *fieldSet
	}{
		{"minute", 0, 59, nil},
		{"hour", 0, 23, nil},
		{"day-of-month", 1, 31, nil},
		{"month", 1, 12, nil},
		{"day-of-week", 0, 7, nil},
	}

	var parsed Expression
	specs[0].out = &parsed.minute
	specs[1].out = &parsed.hour
	specs[2].out = &parsed.dayOfMonth
	specs[3].out = &parsed.month
	specs[4].out = &parsed.dayOfWeek

	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return Expression{}, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		*spec.out = set
	}

	// Normalize 7 to Sunday so Next only tests 0-6.
	if parsed.dayOfWeek.has(7) {
		parsed.dayOfWeek.add(0)
		parsed.dayOfWeek &^= 1 << 7
	}
	return parsed, nil
}

// Next returns the earliest time strictly after t matching the
// expression. Errors if nothing matches within 4 years (impossible
// schedules like Feb 31).
func (e Expression) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !e.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		// Both day fields are checked with AND. A wildcard field has
		// every bit set, so it never constrains. (Vixie cron's
		// restricted-OR rule is not implemented; the scheduler docs
		// specify plain AND.)
		if !e.dayOfMonth.has(t.Day()) || !e.dayOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !e.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !e.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

func parseField(field string, minimum, maximum int) (fieldSet, error) {
	var result fieldSet
	for _, term := range strings.Split(field, ",") {
		set, err := parseTerm(term, minimum, maximum)
		if err != nil {
			return 0, err
		}
		result |= set
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces an empty set", field)
	}
	return result, nil
}

// parseTerm handles *, */N, V, V-V, and V-V/N.
func parseTerm(term string, minimum, maximum int) (fieldSet, error) {
	base, stepText, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(stepText)
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("invalid step %q", stepText)
		}
		step = parsed
	}

	start, end := minimum, maximum
	if base != "*" {
		startText, endText, isRange := strings.Cut(base, "-")
		value, err := strconv.Atoi(startText)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", startText)
		}
		start = value
		end = value
		if isRange {
			value, err := strconv.Atoi(endText)
			if err != nil {
				return 0, fmt.Errorf("invalid range end %q", endText)
			}
			end = value
		}
	}

	if start > end {
		return 0, fmt.Errorf("range start %d exceeds end %d", start, end)
	}
	if start < minimum || end > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: %d-%d", minimum, maximum, start, end)
	}

	var result fieldSet
	for v := start; v <= end; v += step {
		result.add(v)
	}
	return result, nil
}
