// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package tgt

import (
	"fmt"
	"strings"
)

// matchCompound evaluates a compound expression: whitespace-separated
// tokens where "and", "or", "not", "(" and ")" are operators and
// everything else is a leaf target. Leaves take a matcher prefix
// ("G@os:Ubuntu", "E@web\d+", "L@a,b", "P@os:Ubun.*") or default to
// glob on the minion ID. Precedence: not > and > or.
func (t Target) matchCompound(expr string) (bool, error) {
	tokens := tokenize(expr)
	if len(tokens) == 0 {
		return false, fmt.Errorf("tgt: empty compound expression")
	}
	parser := &compoundParser{target: t, tokens: tokens}
	result, err := parser.parseOr()
	if err != nil {
		return false, err
	}
	if parser.pos != len(parser.tokens) {
		return false, fmt.Errorf("tgt: unexpected token %q in compound expression", parser.tokens[parser.pos])
	}
	return result, nil
}

// tokenize splits on whitespace and peels parentheses stuck to
// neighbouring tokens, so both "( G@os:Ubuntu )" and "(G@os:Ubuntu)"
// parse.
func tokenize(expr string) []string {
	var tokens []string
	for _, field := range strings.Fields(expr) {
		for strings.HasPrefix(field, "(") {
			tokens = append(tokens, "(")
			field = field[1:]
		}
		var trailing int
		for strings.HasSuffix(field, ")") {
			trailing++
			field = field[:len(field)-1]
		}
		if field != "" {
			tokens = append(tokens, field)
		}
		for ; trailing > 0; trailing-- {
			tokens = append(tokens, ")")
		}
	}
	return tokens
}

type compoundParser struct {
	target Target
	tokens []string
	pos    int
}

func (p *compoundParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *compoundParser) parseOr() (bool, error) {
	result, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.peek() == "or" {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		result = result || right
	}
	return result, nil
}

func (p *compoundParser) parseAnd() (bool, error) {
	result, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.peek() == "and" {
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		result = result && right
	}
	return result, nil
}

func (p *compoundParser) parseNot() (bool, error) {
	if p.peek() == "not" {
		p.pos++
		result, err := p.parseNot()
		return !result, err
	}
	return p.parseLeaf()
}

func (p *compoundParser) parseLeaf() (bool, error) {
	token := p.peek()
	switch token {
	case "":
		return false, fmt.Errorf("tgt: compound expression ends mid-term")
	case "(":
		p.pos++
		result, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.peek() != ")" {
			return false, fmt.Errorf("tgt: missing closing parenthesis")
		}
		p.pos++
		return result, nil
	case ")", "and", "or", "not":
		return false, fmt.Errorf("tgt: unexpected %q in compound expression", token)
	}
	p.pos++

	if len(token) > 2 && token[1] == '@' {
		expr := token[2:]
		switch token[0] {
		case 'G':
			return p.target.Match(expr, Grain)
		case 'P':
			return p.target.Match(expr, GrainPCRE)
		case 'E':
			return p.target.Match(expr, PCRE)
		case 'L':
			return p.target.Match(expr, List)
		default:
			return false, fmt.Errorf("tgt: unknown compound matcher %q", token[:2])
		}
	}
	return p.target.Match(token, Glob)
}
