// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package tgt implements target expression matching: deciding which
// minions a command addresses. A minion evaluates every publish
// against its own ID and grains; the master uses the same matchers
// over the accepted key list (plus cached grains) to predict the set
// of minions a CLI invocation should wait on.
package tgt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/saltstack/salt/grains"
	"github.com/saltstack/salt/lib/glob"
)

// Kind names a matcher, selected by the CLI flags (-E, -L, -G, -C...)
// and carried in the publish payload as tgt_type.
type Kind string

const (
	// Glob matches the minion ID with fnmatch syntax (default).
	Glob Kind = "glob"
	// List is a comma-separated exact-ID list.
	List Kind = "list"
	// PCRE matches the minion ID with a regular expression.
	PCRE Kind = "pcre"
	// Grain matches "path:valueglob" against the minion's grains.
	Grain Kind = "grain"
	// GrainPCRE matches "path:regex" against the minion's grains.
	GrainPCRE Kind = "grain_pcre"
	// Compound combines the other matchers with and/or/not.
	Compound Kind = "compound"
)

// Target is one minion's matching context.
type Target struct {
	ID     string
	Grains grains.Grains
}

// Match evaluates expr of the given kind against the target.
func (t Target) Match(expr string, kind Kind) (bool, error) {
	switch kind {
	case Glob, "":
		return glob.Match(expr, t.ID), nil
	case List:
		for _, id := range strings.Split(expr, ",") {
			if strings.TrimSpace(id) == t.ID {
				return true, nil
			}
		}
		return false, nil
	case PCRE:
		re, err := regexp.Compile(expr)
		if err != nil {
			return false, fmt.Errorf("tgt: invalid pcre target %q: %w", expr, err)
		}
		return re.MatchString(t.ID), nil
	case Grain:
		return t.matchGrain(expr, false)
	case GrainPCRE:
		return t.matchGrain(expr, true)
	case Compound:
		return t.matchCompound(expr)
	default:
		return false, fmt.Errorf("tgt: unknown target kind %q", kind)
	}
}

// matchGrain evaluates "path:pattern" where path is a colon-delimited
// grain traversal. The split point is ambiguous when the value itself
// contains colons (IPv6 addresses), so every split is tried, deepest
// path first; the expression matches when any split does.
func (t Target) matchGrain(expr string, usePCRE bool) (bool, error) {
	segments := strings.Split(expr, ":")
	if len(segments) < 2 {
		return false, fmt.Errorf("tgt: grain target %q needs path:value", expr)
	}
	for cut := len(segments) - 1; cut >= 1; cut-- {
		path := strings.Join(segments[:cut], ":")
		pattern := strings.Join(segments[cut:], ":")
		value := t.Grains.Get(path)
		if value == nil {
			continue
		}
		ok, err := matchGrainValue(value, pattern, usePCRE, expr)
		if ok || err != nil {
			return ok, err
		}
	}
	return false, nil
}

// matchGrainValue matches one looked-up grain value against the
// pattern half of a grain expression.
func matchGrainValue(value any, pattern string, usePCRE bool, expr string) (bool, error) {
	var matchOne func(string) (bool, error)
	if usePCRE {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("tgt: invalid grain_pcre target %q: %w", expr, err)
		}
		matchOne = func(s string) (bool, error) { return re.MatchString(s), nil }
	} else {
		matchOne = func(s string) (bool, error) { return glob.Match(pattern, s), nil }
	}

	// A list-valued grain matches when any element matches.
	switch v := value.(type) {
	case []any:
		for _, element := range v {
			ok, err := matchOne(stringify(element))
			if ok || err != nil {
				return ok, err
			}
		}
		return false, nil
	case []string:
		for _, element := range v {
			ok, err := matchOne(element)
			if ok || err != nil {
				return ok, err
			}
		}
		return false, nil
	default:
		return matchOne(stringify(value))
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ExpandNodegroups rewrites N@group references in a compound
// expression using the master's nodegroup table. Expansion is
// recursive with a depth limit to catch definition cycles.
func ExpandNodegroups(expr string, nodegroups map[string]string) (string, error) {
	const maxDepth = 10
	for depth := 0; depth < maxDepth; depth++ {
		expanded := false
		tokens := strings.Fields(expr)
		for i, token := range tokens {
			name, ok := strings.CutPrefix(token, "N@")
			if !ok {
				continue
			}
			definition, found := nodegroups[name]
			if !found {
				return "", fmt.Errorf("tgt: unknown nodegroup %q", name)
			}
			tokens[i] = "( " + definition + " )"
			expanded = true
		}
		expr = strings.Join(tokens, " ")
		if !expanded {
			return expr, nil
		}
	}
	return "", fmt.Errorf("tgt: nodegroup expansion exceeded depth %d (definition cycle?)", 10)
}
