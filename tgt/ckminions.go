// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package tgt

import (
	"github.com/saltstack/salt/grains"
)

// Population is the master's view of the minion fleet used to predict
// which minions a target expression addresses: the accepted key IDs
// plus whatever grains the master has cached from authentication.
type Population struct {
	// IDs are the accepted minion IDs.
	IDs []string

	// GrainsFor returns the cached grains for a minion, or nil when
	// none are cached. Nil function means no grain data at all.
	GrainsFor func(id string) grains.Grains
}

// CheckMinions returns the subset of the population matching expr.
// Grain-based expressions treat minions without cached grains as
// non-matching: the prediction is used for return accounting, and
// over-predicting would make the CLI wait on minions that will never
// answer.
func (p Population) CheckMinions(expr string, kind Kind) ([]string, error) {
	matched := []string{}
	for _, id := range p.IDs {
		target := Target{ID: id}
		if p.GrainsFor != nil {
			target.Grains = p.GrainsFor(id)
		}
		ok, err := target.Match(expr, kind)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, id)
		}
	}
	return matched, nil
}
