// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/testutil"
)

func TestIntervalEntryFires(t *testing.T) {
	fired := make(chan string, 16)
	entries := map[string]config.ScheduleEntry{
		"heartbeat": {Function: "test.ping", Seconds: config.Duration(10 * time.Millisecond)},
	}
	scheduler, err := New(entries,
		func(ctx context.Context, entry config.ScheduleEntry) (any, error) {
			return true, nil
		},
		func(tag string, data map[string]any) { fired <- tag },
		nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Run(ctx)

	tag := testutil.RequireReceive(t, fired, 2*time.Second, "schedule event")
	if tag != "salt/sched/heartbeat" {
		t.Errorf("tag = %q", tag)
	}
	// The entry keeps firing.
	testutil.RequireReceive(t, fired, 2*time.Second, "second schedule event")
}

func TestEmitCarriesOutcome(t *testing.T) {
	type emitted struct {
		tag  string
		data map[string]any
	}
	events := make(chan emitted, 4)
	entries := map[string]config.ScheduleEntry{
		"pull": {Function: "state.apply", Seconds: config.Duration(10 * time.Millisecond)},
	}
	scheduler, err := New(entries,
		func(ctx context.Context, entry config.ScheduleEntry) (any, error) {
			return "clean", nil
		},
		func(tag string, data map[string]any) { events <- emitted{tag, data} },
		nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Run(ctx)

	got := testutil.RequireReceive(t, events, 2*time.Second, "schedule event")
	if got.data["success"] != true || got.data["return"] != "clean" || got.data["fun"] != "state.apply" {
		t.Errorf("data = %v", got.data)
	}
	if _, ok := got.data["_stamp"]; !ok {
		t.Error("event not stamped")
	}
}

func TestMaxRunningSkipsOverlap(t *testing.T) {
	var started atomic.Int32
	release := make(chan struct{})
	entries := map[string]config.ScheduleEntry{
		"slow": {Function: "test.sleep", Seconds: config.Duration(10 * time.Millisecond)},
	}
	scheduler, err := New(entries,
		func(ctx context.Context, entry config.ScheduleEntry) (any, error) {
			started.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
		nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go scheduler.Run(ctx)

	// Let several intervals elapse while the first run blocks; with
	// the default maxrunning of 1 no second run may start.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if count := started.Load(); count > 1 {
			t.Fatalf("started = %d concurrent runs", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	cancel()
}

func TestInvalidEntriesRejected(t *testing.T) {
	cases := map[string]config.ScheduleEntry{
		"bad cron":  {Function: "test.ping", Cron: "not a cron"},
		"no timing": {Function: "test.ping"},
	}
	for name, entry := range cases {
		_, err := New(map[string]config.ScheduleEntry{"x": entry}, nil, nil, nil, nil)
		if err == nil {
			t.Errorf("%s: New accepted an invalid entry", name)
		}
	}
}
