// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package pki

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// State is a key's acceptance state on the master.
type State string

const (
	// Accepted keys may authenticate and receive jobs.
	Accepted State = "accepted"
	// Pending keys sit in minions_pre until an operator (or
	// auto_accept) decides.
	Pending State = "pending"
	// Rejected keys were explicitly refused by an operator.
	Rejected State = "rejected"
	// Denied keys conflict with an existing key for the same ID: a
	// different key arrived while one was already accepted or
	// pending. Denial is automatic, never operator-driven.
	Denied State = "denied"
)

// Directory names under pki_dir, fixed by the on-disk convention.
var stateDirs = map[State]string{
	Accepted: "minions",
	Pending:  "minions_pre",
	Rejected: "minions_rejected",
	Denied:   "minions_denied",
}

// ErrUnknownKey is returned for operations on IDs with no submitted
// key in any state.
var ErrUnknownKey = errors.New("pki: unknown key")

// Store is the master's key acceptance store. Operations are
// serialized by a mutex; the store is shared between the request
// workers (Submit) and the salt-key surfaces (Accept, Reject, ...).
type Store struct {
	mu  sync.Mutex
	dir string

	// AutoAccept moves every new submission straight to Accepted.
	AutoAccept bool
}

// NewStore opens (creating if needed) the acceptance directories
// under pkiDir.
func NewStore(pkiDir string) (*Store, error) {
	for _, sub := range stateDirs {
		if err := os.MkdirAll(filepath.Join(pkiDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("pki: creating %s: %w", sub, err)
		}
	}
	return &Store{dir: pkiDir}, nil
}

func (s *Store) path(state State, id string) string {
	return filepath.Join(s.dir, stateDirs[state], id)
}

// find returns the state holding id, or "" when absent.
func (s *Store) findLocked(id string) (State, []byte) {
	for _, state := range []State{Accepted, Pending, Rejected, Denied} {
		raw, err := os.ReadFile(s.path(state, id))
		if err == nil {
			return state, raw
		}
	}
	return "", nil
}

// Submit records a public key offered by a minion during
// authentication and returns the resulting state.
//
// Matching key already present: its current state stands. Different
// key while one is accepted or pending: the new key lands in
// minions_denied and Denied is returned; a host cannot silently
// replace its identity. Unknown ID: Pending (or Accepted with
// AutoAccept).
func (s *Store) Submit(id string, pubPEM []byte) (State, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	if _, err := DecodePublic(pubPEM); err != nil {
		return "", fmt.Errorf("pki: submitted key for %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, existing := s.findLocked(id)
	switch state {
	case Accepted, Pending:
		if bytes.Equal(normalize(existing), normalize(pubPEM)) {
			return state, nil
		}
		if err := os.WriteFile(s.path(Denied, id), pubPEM, 0o644); err != nil {
			return "", fmt.Errorf("pki: denying key for %s: %w", id, err)
		}
		return Denied, nil
	case Rejected, Denied:
		return state, nil
	}

	target := Pending
	if s.AutoAccept {
		target = Accepted
	}
	if err := os.WriteFile(s.path(target, id), pubPEM, 0o644); err != nil {
		return "", fmt.Errorf("pki: storing key for %s: %w", id, err)
	}
	return target, nil
}

// Accept moves a pending (or rejected, with force) key to accepted.
func (s *Store) Accept(id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, _ := s.findLocked(id)
	switch state {
	case "":
		return fmt.Errorf("%w: %s", ErrUnknownKey, id)
	case Accepted:
		return nil
	case Pending:
	case Rejected:
		if !force {
			return fmt.Errorf("pki: key for %s is rejected; use force to accept", id)
		}
	case Denied:
		return fmt.Errorf("pki: key for %s is denied (conflicting identity); delete it first", id)
	}
	return s.moveLocked(id, state, Accepted)
}

// Reject moves a pending or accepted key to rejected.
func (s *Store) Reject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, _ := s.findLocked(id)
	switch state {
	case "":
		return fmt.Errorf("%w: %s", ErrUnknownKey, id)
	case Rejected:
		return nil
	case Denied:
		return fmt.Errorf("pki: key for %s is denied; delete it instead", id)
	}
	return s.moveLocked(id, state, Rejected)
}

// Delete removes id's key from whatever state holds it. The minion
// may then resubmit as a fresh pending key.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, _ := s.findLocked(id)
	if state == "" {
		return fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	if err := os.Remove(s.path(state, id)); err != nil {
		return fmt.Errorf("pki: deleting key for %s: %w", id, err)
	}
	return nil
}

func (s *Store) moveLocked(id string, from, to State) error {
	if err := os.Rename(s.path(from, id), s.path(to, id)); err != nil {
		return fmt.Errorf("pki: moving key for %s from %s to %s: %w", id, from, to, err)
	}
	return nil
}

// Get returns the key and state for id.
func (s *Store) Get(id string) ([]byte, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, raw := s.findLocked(id)
	if state == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	return raw, state, nil
}

// AcceptedKey returns the accepted public key for id, the common path
// for request verification.
func (s *Store) AcceptedKey(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(Accepted, id))
	if err != nil {
		return nil, fmt.Errorf("%w: no accepted key for %s", ErrUnknownKey, id)
	}
	return raw, nil
}

// List returns the IDs in each state, sorted.
func (s *Store) List() (map[State][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[State][]string, len(stateDirs))
	for state, sub := range stateDirs {
		entries, err := os.ReadDir(filepath.Join(s.dir, sub))
		if err != nil {
			return nil, fmt.Errorf("pki: listing %s: %w", sub, err)
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() {
				ids = append(ids, entry.Name())
			}
		}
		sort.Strings(ids)
		result[state] = ids
	}
	return result, nil
}

// AcceptedIDs returns the sorted accepted minion IDs. The targeting
// layer uses this as the population for match prediction.
func (s *Store) AcceptedIDs() ([]string, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	return all[Accepted], nil
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("pki: invalid minion id %q", id)
	}
	if filepath.Base(id) != id {
		return fmt.Errorf("pki: invalid minion id %q", id)
	}
	return nil
}

// normalize strips trailing whitespace differences between PEM
// encoders so key equality is semantic.
func normalize(pemBytes []byte) []byte {
	return bytes.TrimSpace(pemBytes)
}
