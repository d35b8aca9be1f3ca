// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package minion

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/saltstack/salt/grains"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/modules"
	"github.com/saltstack/salt/pillar"
	"github.com/saltstack/salt/state"
	"github.com/saltstack/salt/tgt"
)

// Local is the masterless host behind salt-call --local: states and
// pillar come from the minion's own file_roots and pillar_roots, and
// nothing touches a master.
type Local struct {
	cfg        *config.Minion
	logger     *slog.Logger
	grainsPath string

	pillars *pillar.Compiler
	runtime *state.Runtime

	grainsMap grains.Grains
}

var _ modules.Host = (*Local)(nil)

// NewLocal builds a masterless host from cfg.
func NewLocal(cfg *config.Minion, grainsPath string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	collected, err := grains.Collect(cfg.ID, cfg.Grains, grainsPath)
	if err != nil {
		return nil, err
	}
	l := &Local{
		cfg:        cfg,
		logger:     logger.With("component", "minion-local", "id", cfg.ID),
		grainsPath: grainsPath,
		pillars:    pillar.NewCompilerFromRoots(cfg.PillarRoots, logger),
		grainsMap:  collected,
	}
	l.runtime = state.NewRuntime(logger)
	l.runtime.SetFetcher(l.FetchFile)
	return l, nil
}

// Grains returns a copy of the current grain map.
func (l *Local) Grains() grains.Grains {
	copied := make(grains.Grains, len(l.grainsMap))
	for key, value := range l.grainsMap {
		copied[key] = value
	}
	return copied
}

// SetGrain persists a grain to the static grains file.
func (l *Local) SetGrain(key string, value any) (grains.Grains, error) {
	if l.grainsPath == "" {
		return nil, fmt.Errorf("minion: no static grains file configured")
	}
	if err := setStaticGrain(l.grainsPath, key, value); err != nil {
		return nil, err
	}
	l.grainsMap[key] = value
	return l.Grains(), nil
}

// Pillar compiles pillar from the local pillar_roots. Sealed values
// cannot be decrypted without the master identity.
func (l *Local) Pillar(ctx context.Context, refresh bool) (map[string]any, error) {
	return l.pillars.Compile(tgt.Target{ID: l.cfg.ID, Grains: l.grainsMap}, "base")
}

// FetchFile resolves relpath against env's file_roots, first
// directory wins.
func (l *Local) FetchFile(ctx context.Context, env, relpath string) ([]byte, error) {
	for _, root := range l.cfg.FileRoots[env] {
		data, err := os.ReadFile(filepath.Join(root, relpath))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("minion: %s not found in env %s", relpath, env)
}

// ListMaster lists env's file_roots contents.
func (l *Local) ListMaster(ctx context.Context, env string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, root := range l.cfg.FileRoots[env] {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil || entry.IsDir() {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				files = append(files, rel)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return files, nil
}

func (l *Local) stateCompiler(ctx context.Context) (*state.Compiler, error) {
	compiledPillar, err := l.Pillar(ctx, false)
	if err != nil {
		return nil, err
	}
	return &state.Compiler{
		Source: localSource{l},
		Grains: l.grainsMap,
		Pillar: compiledPillar,
		Opts:   map[string]any{"id": l.cfg.ID},
	}, nil
}

type localSource struct {
	l *Local
}

func (s localSource) ReadFile(ctx context.Context, env, relpath string) ([]byte, error) {
	return s.l.FetchFile(ctx, env, relpath)
}

// StateApply runs the named SLS files, or the local highstate when
// mods is empty.
func (l *Local) StateApply(ctx context.Context, mods []string, test bool) (any, error) {
	compiler, err := l.stateCompiler(ctx)
	if err != nil {
		return nil, err
	}
	var chunks []*state.Chunk
	if len(mods) == 0 {
		chunks, err = compiler.Highstate(ctx, tgt.Target{ID: l.cfg.ID, Grains: l.grainsMap}, "base")
	} else {
		chunks, err = compiler.Compile(ctx, "base", mods)
	}
	if err != nil {
		return nil, err
	}
	return l.runtime.Apply(ctx, chunks, test)
}

// StateShowSLS returns the compiled high data of one SLS.
func (l *Local) StateShowSLS(ctx context.Context, name string) (any, error) {
	compiler, err := l.stateCompiler(ctx)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(ctx, "base", []string{name})
}

// RunningJobs is empty for one-shot local calls.
func (l *Local) RunningJobs() []modules.JobInfo { return nil }

// KillJob always reports no such job for local calls.
func (l *Local) KillJob(jid string) bool { return false }
