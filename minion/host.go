// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package minion

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/grains"
	"github.com/saltstack/salt/modules"
	"github.com/saltstack/salt/state"
	"github.com/saltstack/salt/tgt"
	"github.com/saltstack/salt/transport"
)

// The Minion is the Host behind grains.*, pillar.*, state.*, cp.* and
// saltutil.* modules.
var _ modules.Host = (*Minion)(nil)

// Grains returns a copy of the current grain map.
func (m *Minion) Grains() grains.Grains {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(grains.Grains, len(m.grainsMap))
	for key, value := range m.grainsMap {
		copied[key] = value
	}
	return copied
}

// SetGrain persists a grain to the static grains file and updates the
// in-memory map.
func (m *Minion) SetGrain(key string, value any) (grains.Grains, error) {
	if m.grainsPath == "" {
		return nil, fmt.Errorf("minion: no static grains file configured")
	}
	if err := setStaticGrain(m.grainsPath, key, value); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.grainsMap[key] = value
	m.mu.Unlock()
	return m.Grains(), nil
}

// setStaticGrain rewrites one key in the YAML grains file.
func setStaticGrain(path, key string, value any) error {
	static := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &static); err != nil {
			return fmt.Errorf("minion: parsing %s: %w", path, err)
		}
	}
	static[key] = value
	encoded, err := yaml.Marshal(static)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("minion: writing %s: %w", path, err)
	}
	return nil
}

// Pillar returns the master-compiled pillar, fetching it on first use
// or when refresh is set.
func (m *Minion) Pillar(ctx context.Context, refresh bool) (map[string]any, error) {
	m.mu.Lock()
	cached := m.pillarMap
	m.mu.Unlock()
	if cached != nil && !refresh {
		return cached, nil
	}

	var result transport.PillarResult
	if err := m.call(ctx, transport.KindPillar, transport.PillarPayload{}, &result); err != nil {
		return nil, err
	}
	if result.Pillar == nil {
		result.Pillar = map[string]any{}
	}
	m.mu.Lock()
	m.pillarMap = result.Pillar
	m.mu.Unlock()
	return result.Pillar, nil
}

// FetchFile reads one file from the master's fileserver.
func (m *Minion) FetchFile(ctx context.Context, env, relpath string) ([]byte, error) {
	var result transport.FileResult
	err := m.call(ctx, transport.KindFile, transport.FilePayload{
		Op: transport.FileOpRead, Env: env, Path: relpath,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// ListMaster lists the fileserver's files for env.
func (m *Minion) ListMaster(ctx context.Context, env string) ([]string, error) {
	var result transport.FileResult
	err := m.call(ctx, transport.KindFile, transport.FilePayload{
		Op: transport.FileOpList, Env: env,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Files, nil
}

// stateCompiler builds a compiler over the master's fileserver with
// current grains and pillar.
func (m *Minion) stateCompiler(ctx context.Context) (*state.Compiler, error) {
	compiledPillar, err := m.Pillar(ctx, false)
	if err != nil {
		return nil, err
	}
	return &state.Compiler{
		Source: remoteSource{m},
		Grains: m.Grains(),
		Pillar: compiledPillar,
		Opts:   map[string]any{"id": m.cfg.ID},
	}, nil
}

// remoteSource adapts the fileserver protocol to the state compiler.
type remoteSource struct {
	m *Minion
}

func (s remoteSource) ReadFile(ctx context.Context, env, relpath string) ([]byte, error) {
	return s.m.FetchFile(ctx, env, relpath)
}

// StateApply runs the named SLS files, or the full highstate when
// mods is empty.
func (m *Minion) StateApply(ctx context.Context, mods []string, test bool) (any, error) {
	compiler, err := m.stateCompiler(ctx)
	if err != nil {
		return nil, err
	}
	var chunks []*state.Chunk
	if len(mods) == 0 {
		chunks, err = compiler.Highstate(ctx, tgt.Target{ID: m.cfg.ID, Grains: m.Grains()}, "base")
	} else {
		chunks, err = compiler.Compile(ctx, "base", mods)
	}
	if err != nil {
		return nil, err
	}
	return m.runtime.Apply(ctx, chunks, test)
}

// StateShowSLS returns the compiled high data of one SLS.
func (m *Minion) StateShowSLS(ctx context.Context, name string) (any, error) {
	compiler, err := m.stateCompiler(ctx)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(ctx, "base", []string{name})
}

// RunningJobs snapshots the jobs executing right now.
func (m *Minion) RunningJobs() []modules.JobInfo {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	jobs := make([]modules.JobInfo, 0, len(m.running))
	for _, job := range m.running {
		jobs = append(jobs, job.info)
	}
	return jobs
}

// KillJob cancels a running job.
func (m *Minion) KillJob(jid string) bool {
	m.jobsMu.Lock()
	job, ok := m.running[jid]
	m.jobsMu.Unlock()
	if ok {
		job.cancel()
	}
	return ok
}
