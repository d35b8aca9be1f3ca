// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package pillar

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/lib/render"
	"github.com/saltstack/salt/tgt"
)

// matches evaluates env's section of top.sls against target and
// returns the assigned SLS names in declaration order. YAML is walked
// as nodes because map decoding would lose that order.
func (c *Compiler) matches(target tgt.Target, env string) ([]string, error) {
	path, err := c.locate(env, "top")
	if err != nil {
		// No top file means no pillar, not an error.
		c.logger.Debug("no pillar top file", "env", env)
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rendered, err := render.Template(path, src, render.Context{
		Grains: target.Grains,
		Env:    env,
		Opts:   map[string]any{"id": target.ID},
	})
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		return nil, fmt.Errorf("pillar: decoding %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("pillar: %s: top file must be a mapping", path)
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
		sectionNames, err := matchSection(target, root.Content[i+1], path)
		if err != nil {
			return nil, err
		}
		names = append(names, sectionNames...)
	}
	return names, nil
}

// matchSection evaluates one environment section: a mapping of target
// expressions to SLS lists.
func matchSection(target tgt.Target, section *yaml.Node, path string) ([]string, error) {
	if section.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("pillar: %s: environment section must be a mapping", path)
	}
	var names []string
	for i := 0; i+1 < len(section.Content); i += 2 {
		var expr string
		if err := section.Content[i].Decode(&expr); err != nil {
			return nil, err
		}
		entryNames, kind, err := decodeEntries(section.Content[i+1], path)
		if err != nil {
			return nil, err
		}
		matched, err := target.Match(expr, kind)
		if err != nil {
			return nil, fmt.Errorf("pillar: %s: target %q: %w", path, expr, err)
		}
		if matched {
			names = append(names, entryNames...)
		}
	}
	return names, nil
}

// decodeEntries splits one target's entry list into SLS names and the
// match kind. A "- match: grain" entry switches the matcher for its
// target expression, mirroring top-file convention.
func decodeEntries(list *yaml.Node, path string) ([]string, tgt.Kind, error) {
	kind := tgt.Glob
	if list.Kind != yaml.SequenceNode {
		return nil, kind, fmt.Errorf("pillar: %s: target entries must be a list", path)
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
			return nil, kind, fmt.Errorf("pillar: %s: unsupported top file entry at line %d", path, entry.Line)
		}
	}
	return names, kind, nil
}
