// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package fileserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/saltstack/salt/lib/gitcli"
)

// Gitfs serves files from bare mirror clones of the gitfs_remotes.
// Branch and tag names become environments; the configured base branch
// is presented as the "base" environment. Content is read straight out
// of the object store, so no working tree is ever checked out.
type Gitfs struct {
	remotes []*gitRemote
	base    string

	cache hashCache

	mu          sync.Mutex
	fingerprint string
}

type gitRemote struct {
	url      string
	repo     *gitcli.Repository
	lockPath string
}

// NewGitfs mirrors each remote under <cacheDir>/gitfs. Clones happen
// lazily on the first Update so master startup does not block on slow
// remotes.
func NewGitfs(ctx context.Context, remotes []string, base, cacheDir string) (*Gitfs, error) {
	if base == "" {
		base = "master"
	}
	root := filepath.Join(cacheDir, "gitfs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("gitfs: creating %s: %w", root, err)
	}

	g := &Gitfs{base: base}
	for _, url := range remotes {
		// The mirror directory is named by the remote's digest so two
		// remotes with the same final path segment cannot collide.
		dir := filepath.Join(root, hashHex([]byte(url))[:16])
		g.remotes = append(g.remotes, &gitRemote{
			url:      url,
			repo:     gitcli.NewRepository(dir),
			lockPath: dir + ".lock",
		})
	}
	return g, nil
}

var _ Backend = (*Gitfs)(nil)

// envRef maps an environment name back to the git ref it came from.
func (g *Gitfs) envRef(env string) string {
	if env == "base" {
		return g.base
	}
	return env
}

// refEnv maps a git ref to its environment name.
func (g *Gitfs) refEnv(ref string) string {
	if ref == g.base {
		return "base"
	}
	return ref
}

// Envs lists every branch and tag across all remotes as environments.
func (g *Gitfs) Envs(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var envs []string
	for _, remote := range g.remotes {
		refs, err := remote.repo.Refs(ctx)
		if err != nil {
			// A remote that has never been fetched has no refs yet.
			continue
		}
		for _, ref := range refs {
			env := g.refEnv(ref)
			if !seen[env] {
				seen[env] = true
				envs = append(envs, env)
			}
		}
	}
	sort.Strings(envs)
	return envs, nil
}

// hasRef reports whether the remote's mirror holds ref.
func hasRef(ctx context.Context, remote *gitRemote, ref string) bool {
	refs, err := remote.repo.Refs(ctx)
	if err != nil {
		return false
	}
	for _, have := range refs {
		if have == ref {
			return true
		}
	}
	return false
}

// FileList unions the trees of env's ref across all remotes that hold
// it.
func (g *Gitfs) FileList(ctx context.Context, env string) ([]string, error) {
	ref := g.envRef(env)
	seen := map[string]bool{}
	var files []string
	for _, remote := range g.remotes {
		if !hasRef(ctx, remote, ref) {
			continue
		}
		paths, err := remote.repo.LsTree(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("gitfs: listing %s in %s: %w", ref, remote.url, err)
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// findRemote returns the first remote whose ref holds relpath.
func (g *Gitfs) findRemote(ctx context.Context, env, relpath string) (*gitRemote, error) {
	if err := checkRelpath(relpath); err != nil {
		return nil, err
	}
	ref := g.envRef(env)
	for _, remote := range g.remotes {
		if !hasRef(ctx, remote, ref) {
			continue
		}
		if _, err := remote.repo.Run(ctx, "cat-file", "-e", ref+":"+relpath); err == nil {
			return remote, nil
		}
	}
	return nil, nil
}

// Find reports whether env holds relpath in any remote.
func (g *Gitfs) Find(ctx context.Context, env, relpath string) (bool, error) {
	remote, err := g.findRemote(ctx, env, relpath)
	if err != nil {
		return false, err
	}
	return remote != nil, nil
}

// ReadFile returns the blob contents of relpath at env's ref.
func (g *Gitfs) ReadFile(ctx context.Context, env, relpath string) ([]byte, error) {
	remote, err := g.findRemote(ctx, env, relpath)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, fmt.Errorf("%w: %s in env %s", ErrFileNotFound, relpath, env)
	}
	return remote.repo.CatFile(ctx, g.envRef(env), relpath)
}

// FileHash returns the cached BLAKE3 digest of relpath in env.
func (g *Gitfs) FileHash(ctx context.Context, env, relpath string) (string, error) {
	if digest, ok := g.cache.get(env, relpath); ok {
		return digest, nil
	}
	data, err := g.ReadFile(ctx, env, relpath)
	if err != nil {
		return "", err
	}
	digest := hashHex(data)
	g.cache.put(env, relpath, digest)
	return digest, nil
}

// Update clones missing mirrors and fetches the rest. The change
// fingerprint covers every remote's refs and their object names, so a
// force-push shows up as a change even when no ref was added.
func (g *Gitfs) Update(ctx context.Context) (bool, error) {
	var state []string
	for _, remote := range g.remotes {
		if err := remote.repo.MirrorClone(ctx, remote.url); err != nil {
			return false, fmt.Errorf("gitfs: %w", err)
		}
		if _, err := remote.repo.RunLocked(ctx, remote.lockPath, "remote", "update", "--prune"); err != nil {
			return false, fmt.Errorf("gitfs: fetching %s: %w", remote.url, err)
		}
		out, err := remote.repo.Run(ctx, "for-each-ref",
			"--format=%(refname) %(objectname)", "refs/heads", "refs/tags")
		if err != nil {
			return false, fmt.Errorf("gitfs: reading refs of %s: %w", remote.url, err)
		}
		state = append(state, remote.url, strings.TrimSpace(out))
	}
	fingerprint := hashHex([]byte(strings.Join(state, "\n")))

	g.mu.Lock()
	changed := g.fingerprint != "" && g.fingerprint != fingerprint
	first := g.fingerprint == ""
	g.fingerprint = fingerprint
	g.mu.Unlock()

	if changed {
		g.cache.clear()
	}
	return changed || first, nil
}
