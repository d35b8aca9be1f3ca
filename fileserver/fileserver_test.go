// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package fileserver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/testutil"
)

func newRootsFixture(t *testing.T) (*Roots, string) {
	t.Helper()
	base := t.TempDir()
	testutil.WriteTree(t, base, map[string]string{
		"top.sls":          "base:\n  '*':\n    - core\n",
		"core.sls":         "vim:\n  pkg.installed\n",
		"files/motd":       "welcome\n",
		"files/nginx.conf": "worker_processes 2;\n",
	})
	dev := t.TempDir()
	testutil.WriteTree(t, dev, map[string]string{
		"core.sls": "vim:\n  pkg.installed:\n    - version: latest\n",
	})
	roots := NewRoots(map[string][]string{
		"base": {base},
		"dev":  {dev},
	})
	return roots, base
}

func TestRootsEnvsAndFileList(t *testing.T) {
	roots, _ := newRootsFixture(t)
	ctx := context.Background()

	envs, err := roots.Envs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(envs, []string{"base", "dev"}) {
		t.Errorf("envs = %v", envs)
	}

	files, err := roots.FileList(ctx, "base")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"core.sls", "files/motd", "files/nginx.conf", "top.sls"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestRootsReadAndFind(t *testing.T) {
	roots, _ := newRootsFixture(t)
	ctx := context.Background()

	data, err := roots.ReadFile(ctx, "base", "files/motd")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "welcome\n" {
		t.Errorf("data = %q", data)
	}

	found, err := roots.Find(ctx, "dev", "files/motd")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("files/motd found in dev, belongs to base only")
	}

	if _, err := roots.ReadFile(ctx, "base", "missing.sls"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("err = %v, want ErrFileNotFound", err)
	}
}

func TestRootsRejectsTraversal(t *testing.T) {
	roots, _ := newRootsFixture(t)
	ctx := context.Background()
	for _, relpath := range []string{"../secret", "/etc/passwd", "a/../../b", ".."} {
		if _, err := roots.ReadFile(ctx, "base", relpath); err == nil {
			t.Errorf("path %q not rejected", relpath)
		}
	}
}

func TestRootsHashCacheInvalidation(t *testing.T) {
	roots, dir := newRootsFixture(t)
	ctx := context.Background()

	if _, err := roots.Update(ctx); err != nil {
		t.Fatal(err)
	}
	before, err := roots.FileHash(ctx, "base", "files/motd")
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite the file with a bumped mtime so the fingerprint moves.
	path := filepath.Join(dir, "files/motd")
	if err := os.WriteFile(path, []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	changed, err := roots.Update(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("update did not notice the rewrite")
	}
	after, err := roots.FileHash(ctx, "base", "files/motd")
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Error("hash cache served a stale digest after update")
	}
}

func TestMultiplexerShadowing(t *testing.T) {
	first := t.TempDir()
	testutil.WriteTree(t, first, map[string]string{"core.sls": "from first\n"})
	second := t.TempDir()
	testutil.WriteTree(t, second, map[string]string{
		"core.sls":  "from second\n",
		"extra.sls": "only here\n",
	})

	fs := &Fileserver{backends: []namedBackend{
		{"roots", NewRoots(map[string][]string{"base": {first}})},
		{"roots", NewRoots(map[string][]string{"base": {second}})},
	}}
	ctx := context.Background()

	data, err := fs.ReadFile(ctx, "base", "core.sls")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from first\n" {
		t.Errorf("core.sls = %q, earlier backend must win", data)
	}

	files, err := fs.FileList(ctx, "base")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(files, []string{"core.sls", "extra.sls"}) {
		t.Errorf("files = %v", files)
	}
}

func TestUpdatePublishesEvent(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"top.sls": "base: {}\n"})
	bus := event.NewBus(nil)
	defer bus.Close()
	sub := bus.Subscribe("salt/fileserver/*")
	defer sub.Close()

	fs := &Fileserver{
		backends: []namedBackend{{"roots", NewRoots(map[string][]string{"base": {dir}})}},
		bus:      bus,
		logger:   slog.New(slog.DiscardHandler),
	}
	fs.Update(context.Background(), time.Now())

	ev := testutil.RequireReceive(t, sub.C, time.Second, "fileserver update event")
	if ev.Tag != "salt/fileserver/roots/update" {
		t.Errorf("tag = %q", ev.Tag)
	}
	if ev.Data["backend"] != "roots" {
		t.Errorf("data = %v", ev.Data)
	}
}

func TestGitfsEnvMapping(t *testing.T) {
	g := &Gitfs{base: "main"}
	if got := g.refEnv("main"); got != "base" {
		t.Errorf("refEnv(main) = %q", got)
	}
	if got := g.refEnv("staging"); got != "staging" {
		t.Errorf("refEnv(staging) = %q", got)
	}
	if got := g.envRef("base"); got != "main" {
		t.Errorf("envRef(base) = %q", got)
	}
	if got := g.envRef("v1.2.0"); got != "v1.2.0" {
		t.Errorf("envRef(v1.2.0) = %q", got)
	}
}
