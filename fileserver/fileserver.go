// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package fileserver serves state tree files to minions. Backends map
// environments to file trees; the Fileserver multiplexes them in the
// order given by fileserver_backend, so a file present in an earlier
// backend shadows the same path in a later one.
package fileserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/clock"
	"github.com/saltstack/salt/lib/config"
)

// ErrFileNotFound is returned when no backend holds the requested path
// in the requested environment.
var ErrFileNotFound = errors.New("fileserver: file not found")

// Backend is one source of environment file trees.
type Backend interface {
	// Envs lists the environments this backend serves.
	Envs(ctx context.Context) ([]string, error)

	// FileList lists every file path in env, slash-separated and
	// relative to the environment root.
	FileList(ctx context.Context, env string) ([]string, error)

	// Find reports whether env holds path.
	Find(ctx context.Context, env, relpath string) (bool, error)

	// ReadFile returns the contents of path in env.
	ReadFile(ctx context.Context, env, relpath string) ([]byte, error)

	// FileHash returns the BLAKE3 hex digest of path in env. Backends
	// cache digests between updates.
	FileHash(ctx context.Context, env, relpath string) (string, error)

	// Update refreshes the backend's view of its source and reports
	// whether anything changed.
	Update(ctx context.Context) (bool, error)
}

// hashHex is the digest form used everywhere: lowercase BLAKE3-256.
func hashHex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkRelpath rejects paths that could escape an environment root.
func checkRelpath(relpath string) error {
	clean := path.Clean(relpath)
	if clean != relpath || strings.HasPrefix(clean, "/") ||
		clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("fileserver: invalid path %q", relpath)
	}
	return nil
}

// hashCache memoizes per-file digests until the owning backend sees a
// change on Update.
type hashCache struct {
	mu     sync.Mutex
	hashes map[string]string
}

func (c *hashCache) get(env, relpath string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	digest, ok := c.hashes[env+"\x00"+relpath]
	return digest, ok
}

func (c *hashCache) put(env, relpath, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hashes == nil {
		c.hashes = map[string]string{}
	}
	c.hashes[env+"\x00"+relpath] = digest
}

func (c *hashCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes = nil
}

// Fileserver multiplexes the configured backends.
type Fileserver struct {
	backends []namedBackend
	bus      *event.Bus
	logger   *slog.Logger
}

type namedBackend struct {
	name    string
	backend Backend
}

// New builds the backends named by fileserver_backend, in order. The
// bus, when non-nil, receives a salt/fileserver/<backend>/update event
// after every update that changed anything.
func New(ctx context.Context, cfg *config.Master, bus *event.Bus, logger *slog.Logger) (*Fileserver, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fs := &Fileserver{bus: bus, logger: logger.With("component", "fileserver")}

	for _, name := range cfg.FileserverBackend {
		switch name {
		case "roots", "root":
			fs.backends = append(fs.backends, namedBackend{"roots", NewRoots(cfg.FileRoots)})
		case "gitfs", "git":
			gitfs, err := NewGitfs(ctx, cfg.GitfsRemotes, cfg.GitfsBase, cfg.CacheDir)
			if err != nil {
				return nil, err
			}
			fs.backends = append(fs.backends, namedBackend{"gitfs", gitfs})
		default:
			return nil, fmt.Errorf("fileserver: unknown backend %q", name)
		}
	}
	if len(fs.backends) == 0 {
		return nil, errors.New("fileserver: no backends configured")
	}
	return fs, nil
}

// Backends returns the active backend names in multiplex order.
func (f *Fileserver) Backends() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// Envs returns the union of all backend environments, sorted.
func (f *Fileserver) Envs(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var envs []string
	for _, b := range f.backends {
		backendEnvs, err := b.backend.Envs(ctx)
		if err != nil {
			return nil, fmt.Errorf("fileserver: %s envs: %w", b.name, err)
		}
		for _, env := range backendEnvs {
			if !seen[env] {
				seen[env] = true
				envs = append(envs, env)
			}
		}
	}
	sort.Strings(envs)
	return envs, nil
}

// FileList returns the union of all backend file lists for env,
// sorted.
func (f *Fileserver) FileList(ctx context.Context, env string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, b := range f.backends {
		list, err := b.backend.FileList(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("fileserver: %s file list: %w", b.name, err)
		}
		for _, file := range list {
			if !seen[file] {
				seen[file] = true
				files = append(files, file)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// find returns the first backend holding relpath in env.
func (f *Fileserver) find(ctx context.Context, env, relpath string) (Backend, error) {
	if err := checkRelpath(relpath); err != nil {
		return nil, err
	}
	for _, b := range f.backends {
		found, err := b.backend.Find(ctx, env, relpath)
		if err != nil {
			return nil, fmt.Errorf("fileserver: %s find: %w", b.name, err)
		}
		if found {
			return b.backend, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in env %s", ErrFileNotFound, relpath, env)
}

// Find reports whether any backend holds relpath in env.
func (f *Fileserver) Find(ctx context.Context, env, relpath string) (bool, error) {
	_, err := f.find(ctx, env, relpath)
	if errors.Is(err, ErrFileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReadFile returns the contents of relpath in env from the first
// backend that holds it.
func (f *Fileserver) ReadFile(ctx context.Context, env, relpath string) ([]byte, error) {
	backend, err := f.find(ctx, env, relpath)
	if err != nil {
		return nil, err
	}
	return backend.ReadFile(ctx, env, relpath)
}

// FileHash returns the BLAKE3 hex digest of relpath in env.
func (f *Fileserver) FileHash(ctx context.Context, env, relpath string) (string, error) {
	backend, err := f.find(ctx, env, relpath)
	if err != nil {
		return "", err
	}
	return backend.FileHash(ctx, env, relpath)
}

// Update refreshes every backend and publishes an update event per
// backend that reported changes.
func (f *Fileserver) Update(ctx context.Context, now time.Time) {
	for _, b := range f.backends {
		changed, err := b.backend.Update(ctx)
		if err != nil {
			f.logger.Warn("fileserver backend update failed", "backend", b.name, "error", err)
			continue
		}
		if !changed {
			continue
		}
		f.logger.Info("fileserver backend updated", "backend", b.name)
		if f.bus != nil {
			f.bus.Publish(event.Event{
				Tag:  event.Tagify("fileserver", b.name, "update"),
				Data: event.Stamp(map[string]any{"backend": b.name}, now),
			})
		}
	}
}

// UpdateLoop runs Update every interval until ctx is cancelled. The
// master runs this on loop_interval.
func (f *Fileserver) UpdateLoop(ctx context.Context, clk clock.Clock, interval time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.Update(ctx, now)
		}
	}
}
