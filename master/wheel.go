// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"fmt"
	"sort"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/glob"
	"github.com/saltstack/salt/pki"
)

// Wheel runs one key-management function. These are the wheel.*
// actions available to the reactor and to local clients such as
// salt-key. Every state change emits a salt/key event.
func (m *Master) Wheel(ctx context.Context, fun string, args map[string]any) (any, error) {
	switch fun {
	case "key.list_all":
		return m.listKeys()
	case "key.accept":
		return m.keyAction(args, "accept", []pki.State{pki.Pending}, func(id string) error {
			return m.store.Accept(id, false)
		})
	case "key.reject":
		return m.keyAction(args, "reject", []pki.State{pki.Pending}, m.store.Reject)
	case "key.delete":
		states := []pki.State{pki.Accepted, pki.Pending, pki.Rejected, pki.Denied}
		return m.keyAction(args, "delete", states, m.store.Delete)
	default:
		return nil, fmt.Errorf("wheel function '%s' is not available", fun)
	}
}

func (m *Master) listKeys() (any, error) {
	listing, err := m.store.List()
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	for state, ids := range listing {
		result[string(state)] = ids
	}
	return result, nil
}

// keyAction applies one store operation to every key in the given
// states whose ID matches the "match" glob.
func (m *Master) keyAction(args map[string]any, act string, states []pki.State, apply func(id string) error) (any, error) {
	match, ok := args["match"].(string)
	if !ok || match == "" {
		return nil, fmt.Errorf("key.%s needs a match argument", act)
	}
	listing, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var changed []string
	for _, state := range states {
		for _, id := range listing[state] {
			if !glob.Match(match, id) {
				continue
			}
			if err := apply(id); err != nil {
				return nil, fmt.Errorf("key %s: %w", id, err)
			}
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)

	for _, id := range changed {
		m.logger.Info("key state changed", "id", id, "act", act)
		m.emit(event.KeyTag(), map[string]any{"id": id, "act": act, "result": true})
	}
	return changed, nil
}
