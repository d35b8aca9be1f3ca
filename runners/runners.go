// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package runners holds the master-side functions behind salt-run.
// Runners execute on the master host with direct access to the job
// cache, the fileserver, the key store and the event socket; no minion
// is involved.
package runners

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/fileserver"
	"github.com/saltstack/salt/jobs"
	"github.com/saltstack/salt/pillar"
)

// Func is one runner function.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Deps are the master facilities runners operate on.
type Deps struct {
	// Jobs is the job cache.
	Jobs *jobs.Cache

	// Fileserver serves the state tree.
	Fileserver *fileserver.Fileserver

	// Connected lists minions currently attached to the publish port.
	Connected func() []string

	// AcceptedIDs lists minions with accepted keys.
	AcceptedIDs func() ([]string, error)

	// SockDir locates the event socket for state.event.
	SockDir string

	// PrintEvent renders one streamed event for state.event.
	PrintEvent func(ev event.Event)

	// SealRecipient is the master's age public key for pillar.seal,
	// empty when sealed pillar is not configured.
	SealRecipient string

	// Now is the time source for fileserver update events.
	Now func() time.Time
}

// Registry maps dotted runner names to implementations.
type Registry struct {
	deps  Deps
	funcs map[string]Func
	docs  map[string]string
}

// New builds the registry with every builtin runner installed.
func New(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Registry{deps: deps, funcs: map[string]Func{}, docs: map[string]string{}}
	r.registerJobs()
	r.registerManage()
	r.registerFileserver()
	r.registerEvents()
	r.registerPillar()
	return r
}

// Register installs a runner under name with a doc line.
func (r *Registry) Register(name, doc string, fn Func) {
	r.funcs[name] = fn
	r.docs[name] = doc
}

// Call invokes the named runner.
func (r *Registry) Call(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("runner '%s' is not available", name)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return fn(ctx, args, kwargs)
}

// Functions lists registered runner names, sorted.
func (r *Registry) Functions() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func argString(args []any, index int) (string, error) {
	if index >= len(args) {
		return "", fmt.Errorf("missing argument %d", index+1)
	}
	value, ok := args[index].(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string, got %T", index+1, args[index])
	}
	return value, nil
}

// jobSummary is the list_jobs row shape.
type jobSummary struct {
	JID      string `cbor:"jid" yaml:"jid"`
	Fun      string `cbor:"fun" yaml:"fun"`
	Target   string `cbor:"target" yaml:"target"`
	User     string `cbor:"user" yaml:"user"`
	Started  string `cbor:"start_time" yaml:"start_time"`
	Expected int    `cbor:"expected" yaml:"expected"`
}

func summarize(load *jobs.Load) jobSummary {
	return jobSummary{
		JID:      load.JID,
		Fun:      load.Fun,
		Target:   load.Target,
		User:     load.User,
		Started:  load.Started.UTC().Format(time.RFC3339),
		Expected: len(load.Minions),
	}
}

func (r *Registry) registerJobs() {
	r.Register("jobs.lookup_jid", "Return the returns received for one jid.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			jid, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			load, returns, err := r.deps.Jobs.Lookup(ctx, jid)
			if err != nil {
				return nil, err
			}
			if load == nil {
				return nil, fmt.Errorf("job %s is unknown", jid)
			}
			result := map[string]any{}
			for _, ret := range returns {
				result[ret.MinionID] = ret.Value
			}
			return result, nil
		})
	r.Register("jobs.list_jobs", "List recent jobs, newest first.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			loads, err := r.deps.Jobs.List(ctx, 0)
			if err != nil {
				return nil, err
			}
			summary := map[string]any{}
			for _, load := range loads {
				summary[load.JID] = summarize(load)
			}
			return summary, nil
		})
	r.Register("jobs.active", "List jobs still missing returns.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			loads, err := r.deps.Jobs.Active(ctx)
			if err != nil {
				return nil, err
			}
			active := map[string]any{}
			for _, load := range loads {
				returned, err := r.deps.Jobs.Returned(ctx, load.JID)
				if err != nil {
					return nil, err
				}
				missing := missingMinions(load.Minions, returned)
				active[load.JID] = map[string]any{
					"fun":      load.Fun,
					"target":   load.Target,
					"returned": returned,
					"missing":  missing,
				}
			}
			return active, nil
		})
	r.Register("jobs.print_job", "Return a job's load and all its returns.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			jid, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			load, returns, err := r.deps.Jobs.Lookup(ctx, jid)
			if err != nil {
				return nil, err
			}
			if load == nil {
				return nil, fmt.Errorf("job %s is unknown", jid)
			}
			result := map[string]any{
				"jid":       load.JID,
				"fun":       load.Fun,
				"arguments": load.Args,
				"target":    load.Target,
				"tgt_type":  load.TargetKind,
				"user":      load.User,
				"minions":   load.Minions,
				"starttime": load.Started.UTC().Format(time.RFC3339),
			}
			returnMap := map[string]any{}
			for _, ret := range returns {
				returnMap[ret.MinionID] = map[string]any{
					"return":  ret.Value,
					"success": ret.Success,
					"retcode": ret.Retcode,
				}
			}
			result["result"] = returnMap
			return result, nil
		})
}

func missingMinions(expected, returned []string) []string {
	have := map[string]bool{}
	for _, id := range returned {
		have[id] = true
	}
	var missing []string
	for _, id := range expected {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func (r *Registry) registerManage() {
	up := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		connected := append([]string(nil), r.deps.Connected()...)
		sort.Strings(connected)
		return connected, nil
	}
	r.Register("manage.up", "List minions attached to the publish port.", up)
	r.Register("manage.present", "List minions attached to the publish port.", up)
	r.Register("manage.down", "List accepted minions not currently attached.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			accepted, err := r.deps.AcceptedIDs()
			if err != nil {
				return nil, err
			}
			connected := map[string]bool{}
			for _, id := range r.deps.Connected() {
				connected[id] = true
			}
			down := []string{}
			for _, id := range accepted {
				if !connected[id] {
					down = append(down, id)
				}
			}
			sort.Strings(down)
			return down, nil
		})
	r.Register("manage.status", "Return up and down minion lists.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			upList, err := r.Call(ctx, "manage.up", nil, nil)
			if err != nil {
				return nil, err
			}
			downList, err := r.Call(ctx, "manage.down", nil, nil)
			if err != nil {
				return nil, err
			}
			return map[string]any{"up": upList, "down": downList}, nil
		})
}

func (r *Registry) registerFileserver() {
	r.Register("fileserver.update", "Refresh every fileserver backend.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			r.deps.Fileserver.Update(ctx, r.deps.Now())
			return true, nil
		})
	r.Register("fileserver.envs", "List fileserver environments.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return r.deps.Fileserver.Envs(ctx)
		})
	r.Register("fileserver.file_list", "List files served for an environment.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			env := "base"
			if len(args) > 0 {
				var err error
				if env, err = argString(args, 0); err != nil {
					return nil, err
				}
			}
			return r.deps.Fileserver.FileList(ctx, env)
		})
}

func (r *Registry) registerEvents() {
	r.Register("state.event", "Stream events from the master event socket until interrupted.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			pattern := "*"
			if len(args) > 0 {
				var err error
				if pattern, err = argString(args, 0); err != nil {
					return nil, err
				}
			}
			events, err := event.Listen(ctx, r.deps.SockDir, pattern)
			if err != nil {
				return nil, err
			}
			count := 0
			for ev := range events {
				if r.deps.PrintEvent != nil {
					r.deps.PrintEvent(ev)
				}
				count++
			}
			return count, nil
		})
}

func (r *Registry) registerPillar() {
	r.Register("pillar.seal", "Encrypt a value for use as a !sealed pillar scalar.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			plaintext, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			recipients := []string{}
			if r.deps.SealRecipient != "" {
				recipients = append(recipients, r.deps.SealRecipient)
			}
			if extra, ok := kwargs["recipients"].(string); ok {
				for _, key := range strings.Split(extra, ",") {
					if key != "" {
						recipients = append(recipients, key)
					}
				}
			}
			ciphertext, err := pillar.Seal(plaintext, recipients)
			if err != nil {
				return nil, err
			}
			return "!sealed " + ciphertext, nil
		})
}
