// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package jid generates and validates job IDs. A jid is the UTC
// timestamp of job creation as a 20-digit string,
// YYYYMMDDhhmmssffffff (microsecond precision). Jids sort
// lexicographically in creation order, which the job cache relies on
// for listing and pruning.
package jid

import (
	"fmt"
	"sync"
	"time"
)

var (
	mu   sync.Mutex
	last string
)

// New returns a fresh jid for the current time. Two calls never
// return the same jid: if the clock has not advanced past the
// previous jid's microsecond, the timestamp is bumped by one
// microsecond. This mirrors the uniqueness guarantee jobs depend on
// when used as a cache key.
func New(now time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	candidate := Format(now)
	if candidate <= last {
		bumped, err := Time(last)
		if err != nil {
			// last is always a jid we formatted ourselves.
			panic("jid: invalid previous jid " + last)
		}
		candidate = Format(bumped.Add(time.Microsecond))
	}
	last = candidate
	return candidate
}

// Format renders t as a jid string.
func Format(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d%02d%02d%02d%02d%02d%06d",
		t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond()/1000)
}

// Time parses a jid back into the UTC time it encodes.
func Time(jid string) (time.Time, error) {
	if !Valid(jid) {
		return time.Time{}, fmt.Errorf("jid: invalid jid %q", jid)
	}
	t, err := time.Parse("20060102150405", jid[:14])
	if err != nil {
		return time.Time{}, fmt.Errorf("jid: invalid jid %q: %w", jid, err)
	}
	var micros int
	if _, err := fmt.Sscanf(jid[14:], "%06d", &micros); err != nil {
		return time.Time{}, fmt.Errorf("jid: invalid jid %q: %w", jid, err)
	}
	return t.Add(time.Duration(micros) * time.Microsecond), nil
}

// Valid reports whether s has the shape of a jid: exactly 20 ASCII
// digits. It does not check calendar validity beyond what Time does.
func Valid(s string) bool {
	if len(s) != 20 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
