// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package reactor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/testutil"
	"github.com/saltstack/salt/tgt"
)

func TestReactorPublishesLocalAction(t *testing.T) {
	slsFiles := map[string]string{
		"salt://reactor/start.sls": `
highstate_new_minion:
  local.state.highstate:
    - tgt: '{{ .Data.id }}'
`,
	}
	published := make(chan LocalCommand, 1)

	reactor := New(
		[]config.ReactorSpec{{TagGlob: "salt/minion/*/start", SLS: []string{"salt://reactor/start.sls"}}},
		2,
		func(ctx context.Context, path string) ([]byte, error) {
			src, ok := slsFiles[path]
			if !ok {
				return nil, fmt.Errorf("no reactor SLS %s", path)
			}
			return []byte(src), nil
		},
		Hooks{Publish: func(ctx context.Context, cmd LocalCommand) error {
			published <- cmd
			return nil
		}},
		nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reactor.Run(ctx)

	reactor.Offer(event.Event{
		Tag:  "salt/minion/web1/start",
		Data: map[string]any{"id": "web1"},
	})

	cmd := testutil.RequireReceive(t, published, 2*time.Second, "published command")
	if cmd.Fun != "state.highstate" {
		t.Errorf("fun = %q", cmd.Fun)
	}
	if cmd.Target != "web1" || cmd.TargetKind != tgt.Glob {
		t.Errorf("target = %q kind = %q", cmd.Target, cmd.TargetKind)
	}
}

func TestReactorIgnoresUnmatchedTags(t *testing.T) {
	published := make(chan LocalCommand, 1)
	reactor := New(
		[]config.ReactorSpec{{TagGlob: "salt/auth", SLS: []string{"salt://reactor/auth.sls"}}},
		1,
		func(ctx context.Context, path string) ([]byte, error) {
			t.Error("fetch called for an unmatched tag")
			return nil, nil
		},
		Hooks{Publish: func(ctx context.Context, cmd LocalCommand) error {
			published <- cmd
			return nil
		}},
		nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reactor.Run(ctx)

	reactor.Offer(event.Event{Tag: "salt/job/123/ret/web1", Data: map[string]any{}})
	testutil.RequireNoReceive(t, published, 100*time.Millisecond, "unexpected publish")
}

func TestReactorRunnerAndWheelActions(t *testing.T) {
	slsFiles := map[string]string{
		"salt://reactor/orch.sls": `
cleanup:
  runner.jobs.prune: []
`,
		"salt://reactor/keys.sls": `
accept_staging:
  wheel.key.accept:
    - match: '{{ .Data.id }}'
`,
	}
	type invocation struct {
		fun  string
		args map[string]any
	}
	runners := make(chan invocation, 1)
	wheels := make(chan invocation, 1)

	reactor := New(
		[]config.ReactorSpec{
			{TagGlob: "salt/cleanup", SLS: []string{"salt://reactor/orch.sls"}},
			{TagGlob: "salt/auth", SLS: []string{"salt://reactor/keys.sls"}},
		},
		2,
		func(ctx context.Context, path string) ([]byte, error) {
			return []byte(slsFiles[path]), nil
		},
		Hooks{
			Runner: func(ctx context.Context, fun string, args map[string]any) error {
				runners <- invocation{fun, args}
				return nil
			},
			Wheel: func(ctx context.Context, fun string, args map[string]any) error {
				wheels <- invocation{fun, args}
				return nil
			},
		},
		nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reactor.Run(ctx)

	reactor.Offer(event.Event{Tag: "salt/cleanup", Data: map[string]any{}})
	got := testutil.RequireReceive(t, runners, 2*time.Second, "runner invocation")
	if got.fun != "jobs.prune" {
		t.Errorf("runner fun = %q", got.fun)
	}

	reactor.Offer(event.Event{Tag: "salt/auth", Data: map[string]any{"id": "staging1"}})
	key := testutil.RequireReceive(t, wheels, 2*time.Second, "wheel invocation")
	if key.fun != "key.accept" || key.args["match"] != "staging1" {
		t.Errorf("wheel = %+v", key)
	}
}

func TestReactorRunsEveryActionInDeclaration(t *testing.T) {
	slsFiles := map[string]string{
		"salt://reactor/multi.sls": `
on_failure:
  runner.jobs.prune: []
  wheel.key.reject:
    - match: '{{ .Data.id }}'
`,
	}
	runners := make(chan string, 2)
	wheels := make(chan string, 2)

	reactor := New(
		[]config.ReactorSpec{{TagGlob: "salt/failure", SLS: []string{"salt://reactor/multi.sls"}}},
		2,
		func(ctx context.Context, path string) ([]byte, error) {
			return []byte(slsFiles[path]), nil
		},
		Hooks{
			Runner: func(ctx context.Context, fun string, args map[string]any) error {
				runners <- fun
				return nil
			},
			Wheel: func(ctx context.Context, fun string, args map[string]any) error {
				wheels <- fun
				return nil
			},
		},
		nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reactor.Run(ctx)

	reactor.Offer(event.Event{Tag: "salt/failure", Data: map[string]any{"id": "web1"}})
	if fun := testutil.RequireReceive(t, runners, 2*time.Second, "runner action"); fun != "jobs.prune" {
		t.Errorf("runner fun = %q", fun)
	}
	if fun := testutil.RequireReceive(t, wheels, 2*time.Second, "wheel action"); fun != "key.reject" {
		t.Errorf("wheel fun = %q", fun)
	}
}

func TestPatterns(t *testing.T) {
	reactor := New([]config.ReactorSpec{
		{TagGlob: "salt/auth", SLS: []string{"a.sls"}},
		{TagGlob: "salt/minion/*/start", SLS: []string{"b.sls"}},
		{TagGlob: "salt/auth", SLS: []string{"c.sls"}},
	}, 1, nil, Hooks{}, nil)

	patterns := reactor.Patterns()
	if len(patterns) != 2 || patterns[0] != "salt/auth" || patterns[1] != "salt/minion/*/start" {
		t.Errorf("patterns = %v", patterns)
	}
}
