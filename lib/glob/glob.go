// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package glob implements fnmatch-style pattern matching: '*' matches
// any run of characters (slashes included), '?' matches exactly one,
// and '[seq]' matches one character from the set, with '[!seq]'
// negation and lo-hi ranges. Event tag subscriptions, minion ID
// targeting, and fileserver path listings all share this matcher;
// unlike path.Match, a '*' here crosses path separators, which is
// what the config formats document.
package glob

// Match reports whether s matches pattern.
func Match(pattern, s string) bool {
	// Iterative match with single-star backtracking: on mismatch,
	// rewind to the most recent '*' and let it swallow one more byte.
	patternIndex, stringIndex := 0, 0
	starPattern, starString := -1, 0

	for stringIndex < len(s) {
		switch {
		case patternIndex < len(pattern) && pattern[patternIndex] == '*':
			starPattern = patternIndex
			starString = stringIndex
			patternIndex++
		case matchesSingle(pattern, patternIndex, s[stringIndex]):
			patternIndex = nextToken(pattern, patternIndex)
			stringIndex++
		case starPattern >= 0:
			patternIndex = starPattern + 1
			starString++
			stringIndex = starString
		default:
			return false
		}
	}
	for patternIndex < len(pattern) && pattern[patternIndex] == '*' {
		patternIndex++
	}
	return patternIndex == len(pattern)
}

// matchesSingle reports whether the single-character token at
// pattern[index] matches c.
func matchesSingle(pattern string, index int, c byte) bool {
	if index >= len(pattern) {
		return false
	}
	switch pattern[index] {
	case '?':
		return true
	case '[':
		if end := classEnd(pattern, index); end >= 0 {
			return classMatches(pattern[index+1:end], c)
		}
		// Unterminated class: fnmatch treats the '[' as a literal.
		return c == '['
	default:
		return pattern[index] == c
	}
}

// nextToken returns the index just past the token starting at index.
func nextToken(pattern string, index int) int {
	if pattern[index] == '[' {
		if end := classEnd(pattern, index); end >= 0 {
			return end + 1
		}
	}
	return index + 1
}

// classEnd locates the closing ']' of the class opened at
// pattern[start], or -1 when the class never closes. A ']' directly
// after the opening (or after '!') is a literal member, not the
// terminator.
func classEnd(pattern string, start int) int {
	i := start + 1
	if i < len(pattern) && pattern[i] == '!' {
		i++
	}
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for i < len(pattern) {
		if pattern[i] == ']' {
			return i
		}
		i++
	}
	return -1
}

// classMatches evaluates the class body (the text between the
// brackets) against c.
func classMatches(body string, c byte) bool {
	negate := false
	if len(body) > 0 && body[0] == '!' {
		negate = true
		body = body[1:]
	}
	matched := false
	for i := 0; i < len(body); {
		// A range needs a character on both sides of the '-'; a '-'
		// at either end of the body is a literal member.
		if i+2 < len(body) && body[i+1] == '-' {
			if body[i] <= c && c <= body[i+2] {
				matched = true
			}
			i += 3
			continue
		}
		if body[i] == c {
			matched = true
		}
		i++
	}
	return matched != negate
}

// HasMeta reports whether pattern contains glob metacharacters. Used
// to shortcut exact-match lookups.
func HasMeta(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
