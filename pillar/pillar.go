// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package pillar compiles per-minion pillar data on the master. The
// top file in pillar_roots assigns SLS files to targets; matched files
// are rendered and deep-merged in declaration order. A compiled pillar
// is delivered only to the minion it was compiled for.
//
// Scalar values tagged !sealed hold age ciphertext and are decrypted
// with the master's identity during compilation, so secrets stay
// encrypted at rest in the pillar tree.
package pillar

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/render"
	"github.com/saltstack/salt/tgt"
)

// sealedTag marks scalars holding age ciphertext.
const sealedTag = "!sealed"

// Compiler renders and merges pillar for one minion at a time.
type Compiler struct {
	roots    map[string][]string
	unsealer *Unsealer
	logger   *slog.Logger
}

// NewCompiler builds a compiler from the master config, loading the
// sealed-value identity when sealed_key_file is set.
func NewCompiler(cfg *config.Master, logger *slog.Logger) (*Compiler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Compiler{roots: cfg.PillarRoots, logger: logger.With("component", "pillar")}
	if cfg.SealedKeyFile != "" {
		unsealer, err := LoadIdentity(cfg.SealedKeyFile)
		if err != nil {
			return nil, err
		}
		c.unsealer = unsealer
	}
	return c, nil
}

// NewCompilerFromRoots is the masterless form used by salt-call
// --local, reading pillar_roots from the minion config. Sealed values
// cannot be decrypted without the master identity.
func NewCompilerFromRoots(roots map[string][]string, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compiler{roots: roots, logger: logger.With("component", "pillar")}
}

// SealRecipient returns the age recipient matching the compiler's
// identity, for the pillar.seal runner. Empty when sealed_key_file is
// not configured.
func (c *Compiler) SealRecipient() string {
	if c.unsealer == nil {
		return ""
	}
	return c.unsealer.Recipient()
}

// locate resolves an SLS name ("users.admins") to a file under env's
// pillar roots: users/admins.sls first, then users/admins/init.sls.
func (c *Compiler) locate(env, name string) (string, error) {
	rel := filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))
	for _, dir := range c.roots[env] {
		for _, candidate := range []string{rel + ".sls", filepath.Join(rel, "init.sls")} {
			full := filepath.Join(dir, candidate)
			if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
				return full, nil
			}
		}
	}
	return "", fmt.Errorf("pillar: SLS %q not found in env %s", name, env)
}

// Compile builds the pillar for target in env ("" means base).
func (c *Compiler) Compile(target tgt.Target, env string) (map[string]any, error) {
	if env == "" {
		env = "base"
	}
	names, err := c.matches(target, env)
	if err != nil {
		return nil, err
	}

	pillar := map[string]any{}
	seen := map[string]bool{}
	for _, name := range names {
		if err := c.compileSLS(target, env, name, pillar, seen); err != nil {
			return nil, err
		}
	}
	return pillar, nil
}

// compileSLS renders one SLS (resolving includes first) and merges it
// into pillar. seen breaks include cycles.
func (c *Compiler) compileSLS(target tgt.Target, env, name string, pillar map[string]any, seen map[string]bool) error {
	if seen[name] {
		return nil
	}
	seen[name] = true

	path, err := c.locate(env, name)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	rendered, err := render.Template(path, src, render.Context{
		Grains: target.Grains,
		Pillar: pillar,
		Env:    env,
		Opts:   map[string]any{"id": target.ID},
	})
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		return fmt.Errorf("pillar: decoding %s: %w", path, err)
	}
	value, err := c.decodeNode(&doc)
	if err != nil {
		return fmt.Errorf("pillar: %s: %w", path, err)
	}
	data, _ := value.(map[string]any)
	if data == nil {
		return nil
	}

	// Includes merge before the including file's own keys, so the
	// includer wins conflicts.
	if rawIncludes, ok := data["include"]; ok {
		delete(data, "include")
		includes, ok := rawIncludes.([]any)
		if !ok {
			return fmt.Errorf("pillar: %s: include must be a list", path)
		}
		for _, entry := range includes {
			included, ok := entry.(string)
			if !ok {
				return fmt.Errorf("pillar: %s: include entry %v is not a string", path, entry)
			}
			if err := c.compileSLS(target, env, included, pillar, seen); err != nil {
				return err
			}
		}
	}

	merge(pillar, data)
	return nil
}

// decodeNode converts a YAML node tree to Go values, decrypting
// !sealed scalars along the way.
func (c *Compiler) decodeNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return c.decodeNode(node.Content[0])
	case yaml.MappingNode:
		result := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return nil, err
			}
			value, err := c.decodeNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			result[key] = value
		}
		return result, nil
	case yaml.SequenceNode:
		result := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			value, err := c.decodeNode(child)
			if err != nil {
				return nil, err
			}
			result = append(result, value)
		}
		return result, nil
	case yaml.AliasNode:
		return c.decodeNode(node.Alias)
	case yaml.ScalarNode:
		if node.Tag == sealedTag {
			if c.unsealer == nil {
				return nil, fmt.Errorf("sealed value at line %d but no sealed_key_file configured", node.Line)
			}
			return c.unsealer.Unseal(node.Value)
		}
		var value any
		if err := node.Decode(&value); err != nil {
			return nil, err
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported YAML node kind %d at line %d", node.Kind, node.Line)
	}
}

// merge deep-merges src into dst. Nested maps merge recursively;
// everything else in src overwrites dst, lists included.
func merge(dst, src map[string]any) {
	for key, srcValue := range src {
		if dstMap, ok := dst[key].(map[string]any); ok {
			if srcMap, ok := srcValue.(map[string]any); ok {
				merge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcValue
	}
}
