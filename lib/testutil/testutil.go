// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by package tests:
// channel operations with timeout safety valves and a declarative
// temp-directory tree builder for fileserver, pillar, and state
// tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test. Encapsulates the timeout safety valve so individual tests do
// not need their own time.After plumbing.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}

// RequireNoReceive asserts that nothing arrives on ch within wait.
// Use sparingly; it costs real wall time.
func RequireNoReceive[T any](t TB, ch <-chan T, wait time.Duration, msg string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, msg)
	case <-time.After(wait):
	}
}

// RequireClosed waits for ch to close (or yield) within timeout.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, msg)
	}
}

// WriteTree materializes files under root. Keys are slash-separated
// relative paths, values are file contents. Parent directories are
// created as needed. Returns root for chaining with t.TempDir().
//
//	root := testutil.WriteTree(t, t.TempDir(), map[string]string{
//	    "base/top.sls":  "...",
//	    "base/core.sls": "...",
//	})
func WriteTree(t *testing.T, root string, files map[string]string) string {
	t.Helper()
	for rel, content := range files {
		if strings.Contains(rel, "..") {
			t.Fatalf("tree path %q escapes root", rel)
		}
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

// UniqueID returns a test-scoped identifier usable as a minion ID.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
