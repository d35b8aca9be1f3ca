// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// maxSuggestionDistance bounds how different a suggestion may be.
// Beyond two edits the match is more likely to confuse than help.
const maxSuggestionDistance = 2

// closestCommand returns the subcommand name nearest to input, or ""
// when nothing is close enough.
func closestCommand(input string, commands []*Command) string {
	best := ""
	bestDistance := maxSuggestionDistance + 1
	for _, command := range commands {
		d := editDistance(input, command.Name)
		if d < bestDistance {
			best = command.Name
			bestDistance = d
		}
	}
	return best
}

// closestFlag finds the first unknown --flag in args and returns the
// nearest defined flag (with dashes), or "".
func closestFlag(args []string, flags *pflag.FlagSet) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if flags.Lookup(name) != nil {
			continue
		}
		best := ""
		bestDistance := maxSuggestionDistance + 1
		flags.VisitAll(func(f *pflag.Flag) {
			d := editDistance(name, f.Name)
			if d < bestDistance {
				best = f.Name
				bestDistance = d
			}
		})
		if best != "" {
			return "--" + best
		}
	}
	return ""
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	previous := make([]int, len(b)+1)
	current := make([]int, len(b)+1)
	for j := range previous {
		previous[j] = j
	}
	for i := 1; i <= len(a); i++ {
		current[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[j] = min(previous[j]+1, min(current[j-1]+1, previous[j-1]+cost))
		}
		previous, current = current, previous
	}
	return previous[len(b)]
}
