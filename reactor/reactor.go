// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package reactor maps event tags to actions on the master. The
// reactor config pairs tag globs with reactor SLS files; each matching
// event renders the SLS with the event's tag and data in template
// context, and the produced actions run on a bounded worker pool.
// Intake never blocks the event bus: when the queue is full the event
// is dropped with a warning.
package reactor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/tgt"
)

// queueDepth bounds pending events awaiting reaction.
const queueDepth = 1024

// LocalCommand is a local.* action: publish a command to minions as if
// a CLI client had run it.
type LocalCommand struct {
	Fun        string
	Target     string
	TargetKind tgt.Kind
	Args       []any
}

// Hooks are the master facilities actions dispatch into.
type Hooks struct {
	// Publish runs a local.* action.
	Publish func(ctx context.Context, cmd LocalCommand) error

	// Runner runs a runner.* action.
	Runner func(ctx context.Context, fun string, args map[string]any) error

	// Wheel runs a wheel.* key-management action.
	Wheel func(ctx context.Context, fun string, args map[string]any) error
}

// FetchSLS reads one reactor SLS by its configured path, typically a
// salt:// URL resolved through the fileserver.
type FetchSLS func(ctx context.Context, path string) ([]byte, error)

// Reactor consumes events and runs matching actions.
type Reactor struct {
	specs  []config.ReactorSpec
	fetch  FetchSLS
	hooks  Hooks
	logger *slog.Logger

	queue   chan event.Event
	workers chan struct{}
}

// New builds a reactor. workerThreads bounds concurrent SLS execution
// (reactor_worker_threads).
func New(specs []config.ReactorSpec, workerThreads int, fetch FetchSLS, hooks Hooks, logger *slog.Logger) *Reactor {
	if workerThreads < 1 {
		workerThreads = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reactor{
		specs:   specs,
		fetch:   fetch,
		hooks:   hooks,
		logger:  logger.With("component", "reactor"),
		queue:   make(chan event.Event, queueDepth),
		workers: make(chan struct{}, workerThreads),
	}
}

// Patterns returns the tag globs the reactor needs a subscription for.
func (r *Reactor) Patterns() []string {
	seen := map[string]bool{}
	var patterns []string
	for _, spec := range r.specs {
		if !seen[spec.TagGlob] {
			seen[spec.TagGlob] = true
			patterns = append(patterns, spec.TagGlob)
		}
	}
	sort.Strings(patterns)
	return patterns
}

// Offer hands an event to the reactor without blocking.
func (r *Reactor) Offer(ev event.Event) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("reactor queue full, dropping event", "tag", ev.Tag)
	}
}

// Run consumes the queue until ctx is cancelled. Each event's matching
// SLS files run on the worker pool.
func (r *Reactor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			for _, spec := range r.specs {
				if !event.Match(spec.TagGlob, ev.Tag) {
					continue
				}
				for _, sls := range spec.SLS {
					select {
					case r.workers <- struct{}{}:
					case <-ctx.Done():
						return
					}
					go func(sls string, ev event.Event) {
						defer func() { <-r.workers }()
						if err := r.react(ctx, sls, ev); err != nil {
							r.logger.Error("reactor SLS failed", "sls", sls, "tag", ev.Tag, "error", err)
						}
					}(sls, ev)
				}
			}
		}
	}
}

// reactorContext is what reactor SLS templates see.
type reactorContext struct {
	Tag  string
	Data map[string]any
}

// react renders one reactor SLS for one event and dispatches its
// actions.
func (r *Reactor) react(ctx context.Context, sls string, ev event.Event) error {
	src, err := r.fetch(ctx, sls)
	if err != nil {
		return err
	}
	tpl, err := template.New(sls).Option("missingkey=zero").Parse(string(src))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", sls, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, reactorContext{Tag: ev.Tag, Data: ev.Data}); err != nil {
		return fmt.Errorf("rendering %s: %w", sls, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		return fmt.Errorf("decoding %s: %w", sls, err)
	}

	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.dispatch(ctx, id, doc[id]); err != nil {
			return fmt.Errorf("action %q: %w", id, err)
		}
	}
	return nil
}

// dispatch runs one action declaration:
//
//	restart_web:
//	  local.service.restart:
//	    - tgt: 'web*'
//	    - arg:
//	      - nginx
func (r *Reactor) dispatch(ctx context.Context, id string, raw any) error {
	decl, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("declaration must be a mapping, got %T", raw)
	}
	// A declaration may carry several action functions; run every one,
	// in name order, so no action silently depends on map iteration.
	funs := make([]string, 0, len(decl))
	for fun := range decl {
		funs = append(funs, fun)
	}
	sort.Strings(funs)
	for _, fun := range funs {
		args, err := actionArgs(decl[fun])
		if err != nil {
			return err
		}
		if err := r.dispatchOne(ctx, id, fun, args); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) dispatchOne(ctx context.Context, id, fun string, args map[string]any) error {
	switch {
	case strings.HasPrefix(fun, "local."):
		cmd, err := localCommand(strings.TrimPrefix(fun, "local."), args)
		if err != nil {
			return err
		}
		r.logger.Info("reactor publishing", "id", id, "fun", cmd.Fun, "tgt", cmd.Target)
		return r.hooks.Publish(ctx, cmd)
	case strings.HasPrefix(fun, "runner."):
		runnerFun := strings.TrimPrefix(fun, "runner.")
		r.logger.Info("reactor running runner", "id", id, "fun", runnerFun)
		return r.hooks.Runner(ctx, runnerFun, args)
	case strings.HasPrefix(fun, "wheel."):
		wheelFun := strings.TrimPrefix(fun, "wheel.")
		r.logger.Info("reactor running wheel", "id", id, "fun", wheelFun)
		return r.hooks.Wheel(ctx, wheelFun, args)
	default:
		return fmt.Errorf("unknown action type %q", fun)
	}
}

// actionArgs flattens the single-pair-map argument list.
func actionArgs(raw any) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a list, got %T", raw)
	}
	args := map[string]any{}
	for _, entry := range list {
		pair, ok := entry.(map[string]any)
		if !ok || len(pair) != 1 {
			return nil, fmt.Errorf("argument %v must be a single-key map", entry)
		}
		for key, value := range pair {
			args[key] = value
		}
	}
	return args, nil
}

func localCommand(fun string, args map[string]any) (LocalCommand, error) {
	cmd := LocalCommand{Fun: fun, TargetKind: tgt.Glob}
	target, ok := args["tgt"].(string)
	if !ok {
		return cmd, fmt.Errorf("local action needs a tgt")
	}
	cmd.Target = target
	if kind, ok := args["tgt_type"].(string); ok {
		cmd.TargetKind = tgt.Kind(kind)
	}
	if arg, ok := args["arg"].([]any); ok {
		cmd.Args = arg
	}
	return cmd, nil
}
