// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/lib/render"
	"github.com/saltstack/salt/tgt"
)

// TopMatches reads env's section of the state tree top.sls and returns
// the SLS names assigned to target, in declaration order. A missing
// top file yields an empty highstate. The top file is walked as YAML
// nodes so assignment order survives.
func (c *Compiler) TopMatches(ctx context.Context, target tgt.Target, env string) ([]string, error) {
	src, path, err := c.readSLS(ctx, env, "top")
	if err != nil {
		return nil, nil
	}
	rendered, err := render.Template(path, src, render.Context{
		Grains: c.Grains,
		Pillar: c.Pillar,
		Env:    env,
		Opts:   c.Opts,
	})
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		return nil, fmt.Errorf("state: decoding %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("state: %s: top file must be a mapping", path)
	}

	var names []string
	for i := 0; i+1 < len(root.Content); i += 2 {
		var sectionEnv string
		if err := root.Content[i].Decode(&sectionEnv); err != nil {
			return nil, err
		}
		if sectionEnv != env {
			continue
		}
		section := root.Content[i+1]
		if section.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("state: %s: environment section must be a mapping", path)
		}
		for j := 0; j+1 < len(section.Content); j += 2 {
			var expr string
			if err := section.Content[j].Decode(&expr); err != nil {
				return nil, err
			}
			entryNames, kind, err := topEntries(section.Content[j+1], path)
			if err != nil {
				return nil, err
			}
			matched, err := target.Match(expr, kind)
			if err != nil {
				return nil, fmt.Errorf("state: %s: target %q: %w", path, expr, err)
			}
			if matched {
				names = append(names, entryNames...)
			}
		}
	}
	return names, nil
}

// topEntries splits a target's entry list into SLS names and the
// match kind ("- match: grain" switches the matcher).
func topEntries(list *yaml.Node, path string) ([]string, tgt.Kind, error) {
	kind := tgt.Glob
	if list.Kind != yaml.SequenceNode {
		return nil, kind, fmt.Errorf("state: %s: target entries must be a list", path)
	}
	var names []string
	for _, entry := range list.Content {
		switch entry.Kind {
		case yaml.ScalarNode:
			var name string
			if err := entry.Decode(&name); err != nil {
				return nil, kind, err
			}
			names = append(names, name)
		case yaml.MappingNode:
			var directive struct {
				Match string `yaml:"match"`
			}
			if err := entry.Decode(&directive); err != nil {
				return nil, kind, err
			}
			if directive.Match != "" {
				kind = tgt.Kind(directive.Match)
			}
		default:
			return nil, kind, fmt.Errorf("state: %s: unsupported top file entry at line %d", path, entry.Line)
		}
	}
	return names, kind, nil
}

// Highstate compiles the full assignment for target in env.
func (c *Compiler) Highstate(ctx context.Context, target tgt.Target, env string) ([]*Chunk, error) {
	names, err := c.TopMatches(ctx, target, env)
	if err != nil {
		return nil, err
	}
	return c.Compile(ctx, env, names)
}
