// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/fileserver"
	"github.com/saltstack/salt/jobs"
	"github.com/saltstack/salt/lib/codec"
	"github.com/saltstack/salt/pki"
	"github.com/saltstack/salt/tgt"
	"github.com/saltstack/salt/transport"
)

// handle dispatches one ret_port request. Minion kinds are verified
// against the sender's accepted key; local kinds against the root key
// token.
func (m *Master) handle(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	switch req.Kind {
	case transport.KindAuth:
		return m.handleAuth(req)
	case transport.KindPing:
		if err := m.verifyMinion(req); err != nil {
			return nil, err
		}
		return okReply(map[string]any{"pong": true})
	case transport.KindReturn:
		if err := m.verifyMinion(req); err != nil {
			return nil, err
		}
		return m.handleReturn(ctx, req)
	case transport.KindPillar:
		if err := m.verifyMinion(req); err != nil {
			return nil, err
		}
		return m.handlePillar(req)
	case transport.KindFile:
		if err := m.verifyMinion(req); err != nil {
			return nil, err
		}
		return m.handleFile(ctx, req)
	case transport.KindPublish:
		if err := m.verifyLocal(req); err != nil {
			return nil, err
		}
		return m.handlePublish(ctx, req)
	case transport.KindRunner:
		if err := m.verifyLocal(req); err != nil {
			return nil, err
		}
		return m.handleRunner(ctx, req)
	case transport.KindJobLookup:
		if err := m.verifyLocal(req); err != nil {
			return nil, err
		}
		return m.handleJobLookup(ctx, req)
	case transport.KindMinions:
		if err := m.verifyLocal(req); err != nil {
			return nil, err
		}
		return m.handleMinions(req)
	case transport.KindWheel:
		if err := m.verifyLocal(req); err != nil {
			return nil, err
		}
		return m.handleWheel(ctx, req)
	default:
		return nil, fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

func okReply(payload any) (*transport.Reply, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &transport.Reply{OK: true, Payload: encoded}, nil
}

// verifyMinion checks the request signature against the sender's
// accepted key. open_mode trusts the ID claim outright.
func (m *Master) verifyMinion(req *transport.Request) error {
	if m.cfg.OpenMode {
		return nil
	}
	public, err := m.acceptedKey(req.ID)
	if err != nil {
		return fmt.Errorf("minion %s: %w", req.ID, err)
	}
	return req.Verify(public)
}

// verifyLocal checks the root key token presented by local clients.
func (m *Master) verifyLocal(req *transport.Request) error {
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(m.rootKey)) != 1 {
		return errors.New("invalid client token")
	}
	return nil
}

// handleAuth processes a key submission. The request signature is
// verified against the submitted key itself, binding the grains to
// whoever holds the private half; acceptance is the store's decision.
func (m *Master) handleAuth(req *transport.Request) (*transport.Reply, error) {
	var payload transport.AuthPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding auth payload: %w", err)
	}
	submitted, err := pki.DecodePublic(payload.PubPEM)
	if err != nil {
		return nil, err
	}
	if err := req.Verify(submitted); err != nil {
		return nil, err
	}

	state, err := m.store.Submit(req.ID, payload.PubPEM)
	if err != nil {
		return nil, err
	}
	if m.cfg.OpenMode {
		state = pki.Accepted
	}

	fingerprint, _ := pki.Fingerprint(payload.PubPEM)
	m.logger.Info("minion authentication", "id", req.ID, "state", state, "pub", fingerprint)
	m.emit(event.AuthTag(), map[string]any{
		"id":     req.ID,
		"act":    string(state),
		"pub":    fingerprint,
		"result": state == pki.Accepted,
	})

	result := transport.AuthResult{State: string(state)}
	if state == pki.Accepted {
		m.cacheGrains(req.ID, payload.Grains)
		masterPub, err := pki.EncodePublic(m.keys.Public)
		if err != nil {
			return nil, err
		}
		result.MasterPubPEM = masterPub
	}
	return okReply(result)
}

// handleReturn records one minion's job return and republishes it on
// the event bus for waiting clients.
func (m *Master) handleReturn(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	var payload transport.ReturnPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding return payload: %w", err)
	}
	if err := m.jobs.SaveReturn(ctx, &jobs.Return{
		JID:      payload.JID,
		MinionID: req.ID,
		Value:    payload.Return,
		Success:  payload.Success,
		Retcode:  payload.Retcode,
		Returned: m.clk.Now(),
	}); err != nil {
		return nil, err
	}
	m.emit(event.JobRetTag(payload.JID, req.ID), map[string]any{
		"id":      req.ID,
		"jid":     payload.JID,
		"fun":     payload.Fun,
		"return":  payload.Return,
		"success": payload.Success,
		"retcode": payload.Retcode,
	})
	return okReply(true)
}

// handlePillar compiles pillar for the requesting minion. The target
// identity comes from the verified request ID, never from the
// payload, so a minion cannot read another minion's pillar.
func (m *Master) handlePillar(req *transport.Request) (*transport.Reply, error) {
	var payload transport.PillarPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding pillar payload: %w", err)
	}
	env := payload.Env
	if env == "" {
		env = "base"
	}
	compiled, err := m.pillars.Compile(tgt.Target{ID: req.ID, Grains: m.grainsFor(req.ID)}, env)
	if err != nil {
		return nil, err
	}
	return okReply(transport.PillarResult{Pillar: compiled})
}

// handleFile serves one fileserver sub-operation.
func (m *Master) handleFile(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	var payload transport.FilePayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding file payload: %w", err)
	}
	env := payload.Env
	if env == "" {
		env = "base"
	}

	switch payload.Op {
	case transport.FileOpEnvs:
		envs, err := m.files.Envs(ctx)
		if err != nil {
			return nil, err
		}
		return okReply(transport.FileResult{Envs: envs})
	case transport.FileOpList:
		files, err := m.files.FileList(ctx, env)
		if err != nil {
			return nil, err
		}
		return okReply(transport.FileResult{Files: files})
	case transport.FileOpFind:
		found, err := m.files.Find(ctx, env, payload.Path)
		if err != nil {
			return nil, err
		}
		return okReply(transport.FileResult{Found: found})
	case transport.FileOpHash:
		hash, err := m.files.FileHash(ctx, env, payload.Path)
		if errors.Is(err, fileserver.ErrFileNotFound) {
			return okReply(transport.FileResult{})
		}
		if err != nil {
			return nil, err
		}
		return okReply(transport.FileResult{Found: true, Hash: hash})
	case transport.FileOpRead:
		data, err := m.files.ReadFile(ctx, env, payload.Path)
		if err != nil {
			return nil, err
		}
		return okReply(transport.FileResult{Found: true, Data: data})
	default:
		return nil, fmt.Errorf("unknown file operation %q", payload.Op)
	}
}

func (m *Master) handlePublish(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	var payload transport.PublishPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding publish payload: %w", err)
	}
	result, err := m.PublishCommand(ctx, payload.Fun, payload.Args, payload.Target, tgt.Kind(payload.TargetKind), "root")
	if err != nil {
		return nil, err
	}
	return okReply(result)
}

func (m *Master) handleRunner(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	var payload transport.RunnerPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding runner payload: %w", err)
	}
	value, err := m.runners.Call(ctx, payload.Fun, payload.Args, payload.Kwargs)
	if err != nil {
		return nil, err
	}
	return okReply(transport.RunnerResult{Return: value})
}

func (m *Master) handleWheel(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	var payload transport.WheelPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding wheel payload: %w", err)
	}
	value, err := m.Wheel(ctx, payload.Fun, payload.Args)
	if err != nil {
		return nil, err
	}
	return okReply(transport.WheelResult{Return: value})
}

func (m *Master) handleJobLookup(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	var payload transport.JobLookupPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding job lookup payload: %w", err)
	}
	load, returns, err := m.jobs.Lookup(ctx, payload.JID)
	if err != nil {
		return nil, err
	}
	if load == nil {
		return okReply(transport.JobLookupResult{})
	}
	result := transport.JobLookupResult{
		Found:   true,
		Fun:     load.Fun,
		Target:  load.Target,
		Minions: load.Minions,
		Returns: map[string]transport.JobReturnEntry{},
	}
	for _, ret := range returns {
		result.Returns[ret.MinionID] = transport.JobReturnEntry{
			Return:  ret.Value,
			Success: ret.Success,
			Retcode: ret.Retcode,
		}
	}
	return okReply(result)
}

func (m *Master) handleMinions(req *transport.Request) (*transport.Reply, error) {
	var payload transport.MinionsPayload
	if err := codec.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding minions payload: %w", err)
	}
	kind := tgt.Kind(payload.TargetKind)
	if kind == "" {
		kind = tgt.Glob
	}
	expr := payload.Target
	if kind == tgt.Compound {
		expanded, err := tgt.ExpandNodegroups(expr, m.cfg.Nodegroups)
		if err != nil {
			return nil, err
		}
		expr = expanded
	}
	minions, err := m.population().CheckMinions(expr, kind)
	if err != nil {
		return nil, err
	}
	return okReply(transport.MinionsResult{Minions: minions})
}
