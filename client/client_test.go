// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/master"
	"github.com/saltstack/salt/minion"
	"github.com/saltstack/salt/tgt"
)

func startStack(t *testing.T) (*master.Master, *config.Master) {
	t.Helper()
	base := t.TempDir()
	fileRoot := filepath.Join(base, "srv", "salt")
	if err := os.MkdirAll(fileRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Master{
		Interface:         "127.0.0.1",
		PKIDir:            filepath.Join(base, "pki"),
		CacheDir:          filepath.Join(base, "cache"),
		SockDir:           filepath.Join(base, "sock"),
		WorkerThreads:     2,
		FileserverBackend: []string{"roots"},
		FileRoots:         map[string][]string{"base": {fileRoot}},
		PillarRoots:       map[string][]string{"base": {filepath.Join(base, "srv", "pillar")}},
		KeepJobs:          config.Duration(24 * time.Hour),
		AutoAccept:        true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	mst, err := master.New(ctx, cfg, nil, nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	masterDone := make(chan struct{})
	go func() {
		defer close(masterDone)
		mst.Run(ctx)
	}()

	port := func(address string) int {
		_, raw, err := net.SplitHostPort(address)
		if err != nil {
			t.Fatal(err)
		}
		p, _ := strconv.Atoi(raw)
		return p
	}
	verify := true
	minionBase := t.TempDir()
	mcfg := &config.Minion{
		ID:                 "web1",
		Masters:            config.MasterList{"127.0.0.1"},
		MasterType:         config.MasterTypeStr,
		MasterPort:         port(mst.RetAddress()),
		PublishPort:        port(mst.PubAddress()),
		AcceptanceWaitTime: config.Duration(50 * time.Millisecond),
		AuthTries:          3,
		VerifyMasterSig:    &verify,
		PKIDir:             filepath.Join(minionBase, "pki"),
		CacheDir:           filepath.Join(minionBase, "cache"),
		FileRoots:          map[string][]string{"base": {filepath.Join(minionBase, "srv")}},
		PillarRoots:        map[string][]string{"base": {filepath.Join(minionBase, "pillar")}},
	}
	mnn, err := minion.New(mcfg, "", nil, nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	minionDone := make(chan struct{})
	go func() {
		defer close(minionDone)
		mnn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-minionDone
		<-masterDone
	})

	// Wait for the minion to attach to the publish port.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		up, err := mst.Runners().Call(context.Background(), "manage.up", nil, nil)
		if err == nil && len(up.([]string)) == 1 {
			return mst, cfg
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("minion never subscribed")
	return nil, nil
}

func newClient(t *testing.T, mst *master.Master, cfg *config.Master) *LocalClient {
	t.Helper()
	token, err := master.ReadRootKey(cfg.RootKeyPath())
	if err != nil {
		t.Fatal(err)
	}
	c := &LocalClient{
		Address: mst.RetAddress(),
		SockDir: cfg.SockDir,
		Token:   token,
		Timeout: 5 * time.Second,
	}
	t.Cleanup(c.Close)
	return c
}

func TestRunCollectsReturns(t *testing.T) {
	mst, cfg := startStack(t)
	c := newClient(t, mst, cfg)

	returns, missing, err := c.Run(context.Background(), "test.ping", nil, "*", tgt.Glob)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing = %v", missing)
	}
	ret, ok := returns["web1"]
	if !ok || ret.Value != true || !ret.Success {
		t.Errorf("returns = %+v", returns)
	}
}

func TestRunErrorsWhenNothingMatches(t *testing.T) {
	mst, cfg := startStack(t)
	c := newClient(t, mst, cfg)

	if _, _, err := c.Run(context.Background(), "test.ping", nil, "db*", tgt.Glob); err == nil {
		t.Error("expected an error for an empty target")
	}
}

func TestMinionsPrediction(t *testing.T) {
	mst, cfg := startStack(t)
	c := newClient(t, mst, cfg)

	minions, err := c.Minions(context.Background(), "web*", tgt.Glob)
	if err != nil {
		t.Fatal(err)
	}
	if len(minions) != 1 || minions[0] != "web1" {
		t.Errorf("minions = %v", minions)
	}
}

func TestRunnerAndLookup(t *testing.T) {
	mst, cfg := startStack(t)
	c := newClient(t, mst, cfg)
	ctx := context.Background()

	up, err := c.Runner(ctx, "manage.up", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ids, ok := up.([]any)
	if !ok || len(ids) != 1 || ids[0] != "web1" {
		t.Errorf("manage.up = %v", up)
	}

	returns, _, err := c.Run(ctx, "test.echo", []any{"hello"}, "*", tgt.Glob)
	if err != nil {
		t.Fatal(err)
	}
	if returns["web1"].Value != "hello" {
		t.Errorf("echo = %+v", returns["web1"])
	}

	jobs, err := c.Runner(ctx, "jobs.list_jobs", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs.(map[string]any)) == 0 {
		t.Error("no jobs listed")
	}

	result, err := c.Lookup(ctx, firstJID(t, jobs))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Found {
		t.Error("published job not found in the cache")
	}
}

func firstJID(t *testing.T, jobs any) string {
	t.Helper()
	for jid := range jobs.(map[string]any) {
		return jid
	}
	t.Fatal("no jobs")
	return ""
}
