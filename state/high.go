// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/saltstack/salt/lib/render"
)

// defaultOrder leaves room for explicit order values to run first
// while declaration order breaks ties.
const defaultOrder = 10000

// Ref names a requisite target: a state module plus the ID (or name)
// it declared.
type Ref struct {
	State string
	ID    string
}

func (r Ref) String() string { return r.State + ":" + r.ID }

// Chunk is one normalized state call, the unit of execution.
type Chunk struct {
	// ID is the declaration ID from the SLS file.
	ID string

	// SLS is the dotted name of the declaring file.
	SLS string

	// Env is the fileserver environment.
	Env string

	// Fun is the state function, "file.managed".
	Fun string

	// Name is the subject of the call, defaulting to ID.
	Name string

	// Args holds the remaining keyword arguments.
	Args map[string]any

	// Order sorts execution; declaration order breaks ties.
	Order     int
	declOrder int

	Require   []Ref
	Watch     []Ref
	OnChanges []Ref
	OnFail    []Ref
}

// requisites returns every reference the chunk depends on, whatever
// the flavor.
func (c *Chunk) requisites() []Ref {
	refs := make([]Ref, 0, len(c.Require)+len(c.Watch)+len(c.OnChanges)+len(c.OnFail))
	refs = append(refs, c.Require...)
	refs = append(refs, c.Watch...)
	refs = append(refs, c.OnChanges...)
	refs = append(refs, c.OnFail...)
	return refs
}

// Source reads SLS files for an environment. The fileserver implements
// it on the master and in masterless mode; minions implement it over
// the wire.
type Source interface {
	ReadFile(ctx context.Context, env, relpath string) ([]byte, error)
}

// Compiler renders SLS files and normalizes them into chunks.
type Compiler struct {
	Source Source
	Grains map[string]any
	Pillar map[string]any

	// Opts is exposed to templates as the opt helper.
	Opts map[string]any
}

// slsPath converts a dotted SLS name to its primary candidate path.
func slsPath(name string) (string, string) {
	base := strings.ReplaceAll(name, ".", "/")
	return base + ".sls", base + "/init.sls"
}

// readSLS fetches an SLS by dotted name, trying name.sls then
// name/init.sls.
func (c *Compiler) readSLS(ctx context.Context, env, name string) ([]byte, string, error) {
	direct, init := slsPath(name)
	data, err := c.Source.ReadFile(ctx, env, direct)
	if err == nil {
		return data, direct, nil
	}
	data, initErr := c.Source.ReadFile(ctx, env, init)
	if initErr == nil {
		return data, init, nil
	}
	return nil, "", fmt.Errorf("state: SLS %q not found in env %s: %w", name, env, err)
}

// RenderSLS renders one SLS file to its high data map.
func (c *Compiler) RenderSLS(ctx context.Context, env, name string) (map[string]any, error) {
	src, path, err := c.readSLS(ctx, env, name)
	if err != nil {
		return nil, err
	}
	return render.SLS(path, src, render.Context{
		Grains: c.Grains,
		Pillar: c.Pillar,
		Env:    env,
		Opts:   c.Opts,
	})
}

// Compile renders the named SLS files (resolving includes) and returns
// the normalized chunks in execution order.
func (c *Compiler) Compile(ctx context.Context, env string, names []string) ([]*Chunk, error) {
	var chunks []*Chunk
	seen := map[string]bool{}
	decl := 0
	for _, name := range names {
		if err := c.compileOne(ctx, env, name, &chunks, seen, &decl); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Order != chunks[j].Order {
			return chunks[i].Order < chunks[j].Order
		}
		return chunks[i].declOrder < chunks[j].declOrder
	})
	return chunks, nil
}

func (c *Compiler) compileOne(ctx context.Context, env, name string, chunks *[]*Chunk, seen map[string]bool, decl *int) error {
	if seen[name] {
		return nil
	}
	seen[name] = true

	high, err := c.RenderSLS(ctx, env, name)
	if err != nil {
		return err
	}

	if rawIncludes, ok := high["include"]; ok {
		delete(high, "include")
		includes, ok := rawIncludes.([]any)
		if !ok {
			return fmt.Errorf("state: %s: include must be a list", name)
		}
		for _, entry := range includes {
			included, ok := entry.(string)
			if !ok {
				return fmt.Errorf("state: %s: include entry %v is not a string", name, entry)
			}
			if err := c.compileOne(ctx, env, included, chunks, seen, decl); err != nil {
				return err
			}
		}
	}

	// Sort IDs for determinism within a file: YAML map decoding does
	// not preserve declaration order, so order: is the tool for
	// sequencing within one file.
	ids := make([]string, 0, len(high))
	for id := range high {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		fileChunks, err := normalizeID(id, high[id], name, env)
		if err != nil {
			return err
		}
		for _, chunk := range fileChunks {
			*decl++
			chunk.declOrder = *decl
			*chunks = append(*chunks, chunk)
		}
	}
	return nil
}

// normalizeID expands one ID declaration into chunks. Accepted forms:
//
//	vim:
//	  pkg.installed            # bare scalar
//
//	/etc/motd:
//	  file.managed:            # function with an argument list
//	    - mode: '0644'
//	    - require:
//	      - pkg: vim
func normalizeID(id string, raw any, sls, env string) ([]*Chunk, error) {
	var chunks []*Chunk
	switch value := raw.(type) {
	case string:
		chunk, err := newChunk(id, value, nil, sls, env)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	case map[string]any:
		funs := make([]string, 0, len(value))
		for fun := range value {
			funs = append(funs, fun)
		}
		sort.Strings(funs)
		for _, fun := range funs {
			args, ok := value[fun].([]any)
			if value[fun] != nil && !ok {
				return nil, fmt.Errorf("state: %s: %s.%s arguments must be a list", sls, id, fun)
			}
			chunk, err := newChunk(id, fun, args, sls, env)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, chunk)
		}
	default:
		return nil, fmt.Errorf("state: %s: ID %q declares %T, want a state call", sls, id, raw)
	}
	return chunks, nil
}

func newChunk(id, fun string, args []any, sls, env string) (*Chunk, error) {
	if !strings.Contains(fun, ".") {
		return nil, fmt.Errorf("state: %s: %q is not a state function in ID %q", sls, fun, id)
	}
	chunk := &Chunk{
		ID:    id,
		SLS:   sls,
		Env:   env,
		Fun:   fun,
		Name:  id,
		Args:  map[string]any{},
		Order: defaultOrder,
	}
	for _, entry := range args {
		pair, ok := entry.(map[string]any)
		if !ok || len(pair) != 1 {
			return nil, fmt.Errorf("state: %s: argument %v of %s in %q must be a single-key map", sls, entry, fun, id)
		}
		for key, value := range pair {
			if err := chunk.setArg(key, value); err != nil {
				return nil, fmt.Errorf("state: %s: %s in %q: %w", sls, fun, id, err)
			}
		}
	}
	return chunk, nil
}

func (c *Chunk) setArg(key string, value any) error {
	switch key {
	case "name":
		name, ok := value.(string)
		if !ok {
			return fmt.Errorf("name must be a string, got %T", value)
		}
		c.Name = name
	case "order":
		order, ok := value.(int)
		if !ok {
			return fmt.Errorf("order must be an integer, got %T", value)
		}
		c.Order = order
	case "require", "watch", "onchanges", "onfail":
		refs, err := parseRefs(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "require":
			c.Require = refs
		case "watch":
			c.Watch = refs
		case "onchanges":
			c.OnChanges = refs
		case "onfail":
			c.OnFail = refs
		}
	default:
		c.Args[key] = value
	}
	return nil
}

// parseRefs decodes a requisite list: entries are single-pair maps
// ({pkg: vim}) or bare ID strings matching any state module.
func parseRefs(value any) ([]Ref, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("must be a list, got %T", value)
	}
	refs := make([]Ref, 0, len(list))
	for _, entry := range list {
		switch ref := entry.(type) {
		case string:
			refs = append(refs, Ref{ID: ref})
		case map[string]any:
			if len(ref) != 1 {
				return nil, fmt.Errorf("requisite %v must name one state", ref)
			}
			for state, id := range ref {
				idStr, ok := id.(string)
				if !ok {
					return nil, fmt.Errorf("requisite ID %v must be a string", id)
				}
				refs = append(refs, Ref{State: state, ID: idStr})
			}
		default:
			return nil, fmt.Errorf("requisite entry %v has unsupported type %T", entry, entry)
		}
	}
	return refs, nil
}
