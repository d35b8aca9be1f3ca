// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package fileserver

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Roots serves files straight from the directories in file_roots. Each
// environment maps to an ordered list of directories; the first
// directory holding a path wins.
type Roots struct {
	roots map[string][]string

	cache hashCache

	mu          sync.Mutex
	fingerprint string
}

// NewRoots returns a roots backend for the file_roots map.
func NewRoots(roots map[string][]string) *Roots {
	return &Roots{roots: roots}
}

var _ Backend = (*Roots)(nil)

// Envs lists the configured environments.
func (r *Roots) Envs(ctx context.Context) ([]string, error) {
	envs := make([]string, 0, len(r.roots))
	for env := range r.roots {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs, nil
}

// FileList walks every directory for env. Missing directories are
// skipped: an operator may configure a root before populating it.
func (r *Roots) FileList(ctx context.Context, env string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, dir := range r.roots[env] {
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
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
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("walking %s: %w", dir, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// resolve returns the first on-disk location of relpath in env, or ""
// when no root holds it.
func (r *Roots) resolve(env, relpath string) (string, error) {
	if err := checkRelpath(relpath); err != nil {
		return "", err
	}
	for _, dir := range r.roots[env] {
		full := filepath.Join(dir, filepath.FromSlash(relpath))
		info, err := os.Stat(full)
		if err == nil && info.Mode().IsRegular() {
			return full, nil
		}
	}
	return "", nil
}

// Find reports whether env holds relpath.
func (r *Roots) Find(ctx context.Context, env, relpath string) (bool, error) {
	full, err := r.resolve(env, relpath)
	if err != nil {
		return false, err
	}
	return full != "", nil
}

// ReadFile returns the contents of relpath in env.
func (r *Roots) ReadFile(ctx context.Context, env, relpath string) ([]byte, error) {
	full, err := r.resolve(env, relpath)
	if err != nil {
		return nil, err
	}
	if full == "" {
		return nil, fmt.Errorf("%w: %s in env %s", ErrFileNotFound, relpath, env)
	}
	return os.ReadFile(full)
}

// FileHash returns the cached BLAKE3 digest of relpath in env,
// computing it on first access after an update.
func (r *Roots) FileHash(ctx context.Context, env, relpath string) (string, error) {
	if digest, ok := r.cache.get(env, relpath); ok {
		return digest, nil
	}
	data, err := r.ReadFile(ctx, env, relpath)
	if err != nil {
		return "", err
	}
	digest := hashHex(data)
	r.cache.put(env, relpath, digest)
	return digest, nil
}

// Update re-fingerprints the file roots and reports whether anything
// changed since the previous update. The fingerprint covers path, size
// and mtime of every file; a change invalidates the hash cache.
func (r *Roots) Update(ctx context.Context) (bool, error) {
	var entries []string
	for env := range r.roots {
		files, err := r.FileList(ctx, env)
		if err != nil {
			return false, err
		}
		for _, file := range files {
			full, err := r.resolve(env, file)
			if err != nil || full == "" {
				continue
			}
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			entries = append(entries, fmt.Sprintf("%s/%s %d %d",
				env, file, info.Size(), info.ModTime().UnixNano()))
		}
	}
	sort.Strings(entries)

	var combined []byte
	for _, entry := range entries {
		combined = append(combined, entry...)
		combined = append(combined, '\n')
	}
	fingerprint := hashHex(combined)

	r.mu.Lock()
	changed := r.fingerprint != "" && r.fingerprint != fingerprint
	first := r.fingerprint == ""
	r.fingerprint = fingerprint
	r.mu.Unlock()

	if changed {
		r.cache.clear()
	}
	return changed || first, nil
}
