// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package minion implements the minion daemon: authenticate against a
// master, subscribe to its publish port, match incoming jobs against
// this minion's ID and grains, execute matching jobs, and deliver the
// returns. It also hosts the execution module registry used by
// salt-call.
package minion

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/saltstack/salt/grains"
	"github.com/saltstack/salt/lib/clock"
	"github.com/saltstack/salt/lib/codec"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/modules"
	"github.com/saltstack/salt/pki"
	"github.com/saltstack/salt/sched"
	"github.com/saltstack/salt/state"
	"github.com/saltstack/salt/tgt"
	"github.com/saltstack/salt/transport"
)

// masterKeyFile is the pinned master public key under pki_dir.
const masterKeyFile = "minion_master.pub"

// returnTries bounds delivery attempts for one job return.
const returnTries = 3

// ErrNotConnected is returned for master-backed operations before
// authentication has succeeded.
var ErrNotConnected = errors.New("minion: not connected to a master")

// Minion is the assembled daemon. Build with New, drive with Run; a
// one-shot client (salt-call) uses Connect instead of Run.
type Minion struct {
	cfg        *config.Minion
	logger     *slog.Logger
	clk        clock.Clock
	keys       *pki.Keypair
	grainsPath string

	masters []string
	current int

	registry *modules.Registry
	runtime  *state.Runtime

	mu        sync.Mutex
	grainsMap grains.Grains
	masterPub ed25519.PublicKey
	client    *transport.ReqClient
	pillarMap map[string]any

	jobsMu  sync.Mutex
	running map[string]*runningJob

	// runCtx parents job executions so a dropped subscription does
	// not cancel jobs already underway.
	runCtx context.Context
}

type runningJob struct {
	info   modules.JobInfo
	cancel context.CancelFunc
}

// New assembles a minion from cfg. grainsPath locates the static
// grains file (may be empty). The daemon does not connect until Run
// or Connect.
func New(cfg *config.Minion, grainsPath string, clk clock.Clock, logger *slog.Logger) (*Minion, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	keys, err := pki.LoadOrCreate(cfg.PKIDir, "minion")
	if err != nil {
		return nil, err
	}
	collected, err := grains.Collect(cfg.ID, cfg.Grains, grainsPath)
	if err != nil {
		return nil, err
	}

	m := &Minion{
		cfg:        cfg,
		logger:     logger.With("component", "minion", "id", cfg.ID),
		clk:        clk,
		keys:       keys,
		grainsPath: grainsPath,
		masters:    append([]string(nil), cfg.Masters...),
		grainsMap:  collected,
		running:    map[string]*runningJob{},
		runCtx:     context.Background(),
	}
	if cfg.RandomMaster && len(m.masters) > 1 {
		rand.Shuffle(len(m.masters), func(i, j int) {
			m.masters[i], m.masters[j] = m.masters[j], m.masters[i]
		})
	}
	if pinned, err := os.ReadFile(m.pinnedKeyPath()); err == nil {
		public, err := pki.DecodePublic(pinned)
		if err != nil {
			return nil, fmt.Errorf("minion: pinned master key: %w", err)
		}
		m.masterPub = public
	}

	m.registry = modules.NewRegistry()
	modules.Populate(m.registry, m)
	m.runtime = state.NewRuntime(logger)
	m.runtime.SetFetcher(m.FetchFile)
	return m, nil
}

func (m *Minion) pinnedKeyPath() string {
	return filepath.Join(m.cfg.PKIDir, masterKeyFile)
}

func (m *Minion) retAddress(master string) string {
	return net.JoinHostPort(master, strconv.Itoa(m.cfg.MasterPort))
}

func (m *Minion) pubAddress(master string) string {
	return net.JoinHostPort(master, strconv.Itoa(m.cfg.PublishPort))
}

// Call invokes one execution module function locally.
func (m *Minion) Call(ctx context.Context, fun string, args []any, kwargs map[string]any) (any, error) {
	return m.registry.Call(ctx, fun, args, kwargs)
}

// Registry exposes the module registry (sys.doc, salt-call listing).
func (m *Minion) Registry() *modules.Registry { return m.registry }

// Run authenticates, subscribes, and serves jobs until ctx is
// cancelled. Connection loss reconnects with backoff; in failover
// mode repeated failures rotate to the next configured master.
func (m *Minion) Run(ctx context.Context) error {
	m.runCtx = ctx

	if len(m.cfg.Schedule) > 0 {
		scheduler, err := sched.New(m.cfg.Schedule, m.runScheduled, m.emitScheduled, m.clk, m.logger)
		if err != nil {
			return err
		}
		go scheduler.Run(ctx)
	}

	attempt := 0
	for {
		master, err := m.Connect(ctx)
		if err != nil {
			return err
		}

		err = m.serve(ctx, master)
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("lost master connection", "master", master, "error", err)
		if m.cfg.MasterType == config.MasterTypeFailover {
			m.rotateMaster()
		}

		attempt++
		select {
		case <-ctx.Done():
			return nil
		case <-m.clk.After(transport.Backoff(attempt, time.Second, 30*time.Second)):
		}
	}
}

func (m *Minion) rotateMaster() {
	if len(m.masters) > 1 {
		m.current = (m.current + 1) % len(m.masters)
		m.logger.Info("failing over", "master", m.masters[m.current])
	}
}

// Connect authenticates against the configured master(s), waiting out
// a pending key and rotating per auth_tries, until one accepts. It
// returns the connected master address.
func (m *Minion) Connect(ctx context.Context) (string, error) {
	failures := 0
	wait := time.Duration(m.cfg.AcceptanceWaitTime)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		master := m.masters[m.current%len(m.masters)]
		keyState, err := m.authenticate(ctx, master)
		switch {
		case err == nil && keyState == string(pki.Accepted):
			m.logger.Info("authenticated", "master", master)
			return master, nil
		case err == nil && keyState == string(pki.Pending):
			m.logger.Info("key is pending acceptance", "master", master, "wait", wait)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-m.clk.After(wait):
			}
			if max := time.Duration(m.cfg.AcceptanceWaitTimeMax); max > 0 {
				wait *= 2
				if wait > max {
					wait = max
				}
			}
		default:
			if err == nil {
				err = fmt.Errorf("key is %s on master", keyState)
			}
			m.logger.Warn("authentication failed", "master", master, "error", err)
			failures++
			if failures >= m.cfg.AuthTries {
				failures = 0
				if m.cfg.MasterType == config.MasterTypeFailover {
					m.rotateMaster()
				}
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-m.clk.After(transport.Backoff(failures, time.Second, 30*time.Second)):
			}
		}
	}
}

// authenticate performs one auth round-trip against master and, on
// acceptance, pins the returned master key and installs the request
// client.
func (m *Minion) authenticate(ctx context.Context, master string) (string, error) {
	payload := transport.AuthPayload{
		Grains:  m.Grains(),
		Version: grains.Version,
	}
	pubPEM, err := pki.EncodePublic(m.keys.Public)
	if err != nil {
		return "", err
	}
	payload.PubPEM = pubPEM

	encoded, err := codec.Marshal(payload)
	if err != nil {
		return "", err
	}
	req := &transport.Request{ID: m.cfg.ID, Kind: transport.KindAuth, Payload: encoded}
	req.Sign(m.keys.Private)

	client := transport.NewReqClient(m.retAddress(master))
	client.Timeout = 30 * time.Second
	var result transport.AuthResult
	if err := client.CallDecode(ctx, req, &result); err != nil {
		client.Close()
		return "", err
	}
	if result.State != string(pki.Accepted) {
		client.Close()
		return result.State, nil
	}

	masterPub, err := pki.DecodePublic(result.MasterPubPEM)
	if err != nil {
		client.Close()
		return "", fmt.Errorf("minion: master public key: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masterPub != nil && !m.masterPub.Equal(masterPub) {
		client.Close()
		return "", fmt.Errorf("minion: master %s presented a key that does not match the pinned one; delete %s if the master was rebuilt", master, m.pinnedKeyPath())
	}
	if m.masterPub == nil {
		if err := os.WriteFile(m.pinnedKeyPath(), result.MasterPubPEM, 0o644); err != nil {
			client.Close()
			return "", fmt.Errorf("minion: pinning master key: %w", err)
		}
		m.masterPub = masterPub
	}
	if *m.cfg.VerifyMasterSig {
		client.MasterKey = masterPub
	}
	if m.client != nil {
		m.client.Close()
	}
	m.client = client
	return string(pki.Accepted), nil
}

// serve holds the publish subscription (and the failover health
// check) until something breaks.
func (m *Minion) serve(ctx context.Context, master string) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subscriber := &transport.Subscriber{
		Address:  m.pubAddress(master),
		MinionID: m.cfg.ID,
		Key:      m.keys.Private,
		Logger:   m.logger,
	}
	if *m.cfg.VerifyMasterSig {
		subscriber.MasterKey = m.currentMasterKey()
	}
	if err := subscriber.Connect(sctx, m.clk.Now()); err != nil {
		return err
	}
	m.logger.Info("subscribed to publish port", "master", master)

	if interval := time.Duration(m.cfg.MasterAliveInterval); interval > 0 {
		go m.aliveLoop(sctx, cancel, interval)
	}
	return subscriber.Listen(sctx, m.handleLoad)
}

func (m *Minion) currentMasterKey() ed25519.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.masterPub
}

// aliveLoop pings the current master; a failed ping tears down the
// session so Run reconnects (and fails over).
func (m *Minion) aliveLoop(ctx context.Context, cancel context.CancelFunc, interval time.Duration) {
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.call(ctx, transport.KindPing, map[string]any{}, nil); err != nil {
				m.logger.Warn("master health check failed", "error", err)
				cancel()
				return
			}
		}
	}
}

// call sends one signed request to the connected master.
func (m *Minion) call(ctx context.Context, kind string, payload, out any) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return err
	}
	req := &transport.Request{ID: m.cfg.ID, Kind: kind, Payload: encoded}
	req.Sign(m.keys.Private)
	return client.CallDecode(ctx, req, out)
}

// handleLoad decodes one published job and runs it when the target
// expression matches this minion.
func (m *Minion) handleLoad(raw []byte) {
	var load transport.JobLoad
	if err := codec.Unmarshal(raw, &load); err != nil {
		m.logger.Warn("undecodable publish", "error", err)
		return
	}
	matched, err := tgt.Target{ID: m.cfg.ID, Grains: m.Grains()}.Match(load.Target, tgt.Kind(load.TargetKind))
	if err != nil {
		m.logger.Warn("bad target expression", "jid", load.JID, "tgt", load.Target, "error", err)
		return
	}
	if !matched {
		return
	}
	go m.runJob(load)
}

// runJob executes one job and delivers its return.
func (m *Minion) runJob(load transport.JobLoad) {
	ctx, cancel := context.WithCancel(m.runCtx)
	defer cancel()

	m.jobsMu.Lock()
	m.running[load.JID] = &runningJob{
		info: modules.JobInfo{
			JID:       load.JID,
			Fun:       load.Fun,
			Args:      load.Args,
			StartTime: m.clk.Now().UTC().Format(time.RFC3339),
		},
		cancel: cancel,
	}
	m.jobsMu.Unlock()
	defer func() {
		m.jobsMu.Lock()
		delete(m.running, load.JID)
		m.jobsMu.Unlock()
	}()

	m.logger.Info("executing job", "jid", load.JID, "fun", load.Fun)
	args, kwargs := modules.SplitKwargs(load.Args)
	value, err := m.registry.Call(ctx, load.Fun, args, kwargs)
	ret := transport.ReturnPayload{
		JID:     load.JID,
		Fun:     load.Fun,
		Return:  value,
		Success: err == nil,
	}
	if err != nil {
		ret.Return = err.Error()
		ret.Retcode = 1
	}
	m.sendReturn(ret)
}

// sendReturn delivers one return with retries; an undeliverable
// return is logged and dropped.
func (m *Minion) sendReturn(ret transport.ReturnPayload) {
	for attempt := 0; attempt < returnTries; attempt++ {
		ctx, cancel := context.WithTimeout(m.runCtx, 30*time.Second)
		err := m.call(ctx, transport.KindReturn, ret, nil)
		cancel()
		if err == nil {
			return
		}
		m.logger.Warn("return delivery failed", "jid", ret.JID, "attempt", attempt+1, "error", err)
		select {
		case <-m.runCtx.Done():
			return
		case <-m.clk.After(transport.Backoff(attempt, time.Second, 10*time.Second)):
		}
	}
	m.logger.Error("dropping undeliverable return", "jid", ret.JID)
}

// runScheduled executes a minion schedule entry as a module call.
func (m *Minion) runScheduled(ctx context.Context, entry config.ScheduleEntry) (any, error) {
	return m.registry.Call(ctx, entry.Function, entry.Args, nil)
}

// emitScheduled logs schedule events; the minion has no local event
// bus.
func (m *Minion) emitScheduled(tag string, data map[string]any) {
	m.logger.Info("schedule fired", "tag", tag, "fun", data["fun"], "success", data["success"])
}
