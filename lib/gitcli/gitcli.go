// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package gitcli provides typed access to the git CLI for the gitfs
// fileserver backend. All commands target a specific repository
// directory via the -C flag, injected by every Repository method, so
// there is never an ambient "current repository".
package gitcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Repository is a git repository at a fixed directory, typically a
// bare mirror clone under the master's cachedir.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.dir }

// Run executes a git command against this repository and returns
// stdout. Stderr is captured and folded into the error on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RunLocked executes a git command under flock(1) on lockPath. Fetches
// from the fileserver update loop and on-demand updates from request
// workers can race on the same mirror; the lock serializes them.
// Returns combined stdout and stderr because git reports fetch
// progress on stderr.
func (r *Repository) RunLocked(ctx context.Context, lockPath string, args ...string) (string, error) {
	gitArgs := append([]string{"-C", r.dir}, args...)
	flockArgs := append([]string{lockPath, "git"}, gitArgs...)

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "flock", flockArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String() + stderr.String()), nil
}

// MirrorClone creates a bare mirror of url at r.Dir(). No-op when the
// directory already holds a repository.
func (r *Repository) MirrorClone(ctx context.Context, url string) error {
	if _, err := r.Run(ctx, "rev-parse", "--git-dir"); err == nil {
		return nil
	}
	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", "clone", "--mirror", url, r.dir)
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("git clone --mirror %s: %w (stderr: %s)",
			url, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Refs lists branch and tag names. Branches and tags share one
// namespace here because the fileserver maps both to environments.
func (r *Repository) Refs(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "for-each-ref", "--format=%(refname:short)",
		"refs/heads", "refs/tags")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var refs []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		refs = append(refs, line)
	}
	sort.Strings(refs)
	return refs, nil
}

// LsTree lists all file paths reachable from ref.
func (r *Repository) LsTree(ctx context.Context, ref string) ([]string, error) {
	out, err := r.Run(ctx, "ls-tree", "-r", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// CatFile returns the contents of path at ref. The caller gets a
// typed error message naming both when the blob does not exist.
func (r *Repository) CatFile(ctx context.Context, ref, path string) ([]byte, error) {
	fullArgs := []string{"-C", r.dir, "cat-file", "blob", ref + ":" + path}
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("git cat-file %s:%s in %s: %w (stderr: %s)",
			ref, path, r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
