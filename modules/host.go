// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/saltstack/salt/grains"
)

// JobInfo describes one job currently executing on the minion.
type JobInfo struct {
	JID       string `cbor:"jid" yaml:"jid"`
	Fun       string `cbor:"fun" yaml:"fun"`
	Args      []any  `cbor:"arg" yaml:"arg"`
	StartTime string `cbor:"start_time" yaml:"start_time"`
}

// Host is what grains-, pillar-, state- and job-aware modules need
// from the daemon running them. The minion implements it fully;
// salt-call --local implements it without the master-backed pieces.
type Host interface {
	// Grains returns the current grain map.
	Grains() grains.Grains

	// SetGrain persists a grain and returns the updated map.
	SetGrain(key string, value any) (grains.Grains, error)

	// Pillar returns the compiled pillar, re-fetching when refresh is
	// set.
	Pillar(ctx context.Context, refresh bool) (map[string]any, error)

	// StateApply runs the named SLS files, or the full highstate when
	// mods is empty, and returns the results.
	StateApply(ctx context.Context, mods []string, test bool) (any, error)

	// StateShowSLS returns the compiled high data of one SLS.
	StateShowSLS(ctx context.Context, name string) (any, error)

	// FetchFile reads one file from the fileserver.
	FetchFile(ctx context.Context, env, relpath string) ([]byte, error)

	// ListMaster lists the fileserver's files for env.
	ListMaster(ctx context.Context, env string) ([]string, error)

	// RunningJobs snapshots the jobs executing right now.
	RunningJobs() []JobInfo

	// KillJob cancels a running job, reporting whether it existed.
	KillJob(jid string) bool
}

// Populate installs every builtin module into r. Host-dependent
// modules are skipped when host is nil, leaving a registry suitable
// for bare command execution.
func Populate(r *Registry, host Host) {
	registerCore(r)
	registerSys(r)
	registerStatus(r)
	if host != nil {
		registerHostModules(r, host)
	}
}

func registerHostModules(r *Registry, host Host) {
	r.Register("grains.items", "Return all grains.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return host.Grains(), nil
		})
	r.Register("grains.item", "Return the named grains.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			result := map[string]any{}
			for i := range args {
				key, err := argString(args, i)
				if err != nil {
					return nil, err
				}
				if value, ok := host.Grains()[key]; ok {
					result[key] = value
				}
			}
			return result, nil
		})
	r.Register("grains.get", "Return one grain by colon-separated key.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			key, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			return host.Grains().Get(key), nil
		})
	r.Register("grains.setval", "Set and persist a grain.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			key, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			if len(args) < 2 {
				return nil, fmt.Errorf("grains.setval needs a key and a value")
			}
			updated, err := host.SetGrain(key, args[1])
			if err != nil {
				return nil, err
			}
			return map[string]any{key: updated[key]}, nil
		})

	r.Register("pillar.items", "Return the compiled pillar.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return host.Pillar(ctx, false)
		})
	r.Register("pillar.get", "Return one pillar value by colon-separated key.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			key, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			pillar, err := host.Pillar(ctx, false)
			if err != nil {
				return nil, err
			}
			value := grains.Grains(pillar).Get(key)
			if value == nil && len(args) > 1 {
				return args[1], nil
			}
			return value, nil
		})

	r.Register("state.apply", "Apply the named SLS files, or the highstate with no arguments.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			mods, err := slsNames(args)
			if err != nil {
				return nil, err
			}
			test, _ := kwargs["test"].(bool)
			return host.StateApply(ctx, mods, test)
		})
	r.Register("state.highstate", "Apply the full highstate from the top file.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			test, _ := kwargs["test"].(bool)
			return host.StateApply(ctx, nil, test)
		})
	r.Register("state.sls", "Apply the named SLS files.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			mods, err := slsNames(args)
			if err != nil {
				return nil, err
			}
			if len(mods) == 0 {
				return nil, fmt.Errorf("state.sls needs at least one SLS name")
			}
			test, _ := kwargs["test"].(bool)
			return host.StateApply(ctx, mods, test)
		})
	r.Register("state.show_sls", "Return the compiled high data of one SLS.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			name, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			return host.StateShowSLS(ctx, name)
		})

	r.Register("saltutil.running", "List the jobs currently running on this minion.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return host.RunningJobs(), nil
		})
	r.Register("saltutil.find_job", "Return the running job with the given jid, if any.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			jid, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			for _, job := range host.RunningJobs() {
				if job.JID == jid {
					return job, nil
				}
			}
			return map[string]any{}, nil
		})
	r.Register("saltutil.kill_job", "Cancel the running job with the given jid.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			jid, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			return host.KillJob(jid), nil
		})
	r.Register("saltutil.refresh_pillar", "Re-fetch pillar from the master.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			if _, err := host.Pillar(ctx, true); err != nil {
				return nil, err
			}
			return true, nil
		})

	r.Register("cp.get_file", "Copy a salt:// file to a local destination path.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			source, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			dest, err := argString(args, 1)
			if err != nil {
				return nil, err
			}
			relpath, ok := strings.CutPrefix(source, "salt://")
			if !ok {
				return nil, fmt.Errorf("cp.get_file source must be a salt:// URL, got %q", source)
			}
			env := "base"
			if e, ok := kwargs["saltenv"].(string); ok {
				env = e
			}
			data, err := host.FetchFile(ctx, env, relpath)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return nil, err
			}
			return dest, nil
		})
	r.Register("cp.list_master", "List the files the master serves for an environment.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			env := "base"
			if len(args) > 0 {
				var err error
				if env, err = argString(args, 0); err != nil {
					return nil, err
				}
			}
			return host.ListMaster(ctx, env)
		})
}

func slsNames(args []any) ([]string, error) {
	var mods []string
	for i := range args {
		name, err := argString(args, i)
		if err != nil {
			return nil, err
		}
		// "web,db" counts as two names, matching CLI habit.
		for _, part := range strings.Split(name, ",") {
			if part != "" {
				mods = append(mods, part)
			}
		}
	}
	return mods, nil
}

func registerSys(r *Registry) {
	r.Register("sys.list_functions", "List callable functions, optionally for one module.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			module := ""
			if len(args) > 0 {
				var err error
				if module, err = argString(args, 0); err != nil {
					return nil, err
				}
			}
			return r.Functions(module), nil
		})
	r.Register("sys.doc", "Show documentation for functions, optionally for one module.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			module := ""
			if len(args) > 0 {
				var err error
				if module, err = argString(args, 0); err != nil {
					return nil, err
				}
			}
			return r.Docs(module), nil
		})
}
