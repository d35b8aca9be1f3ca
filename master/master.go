// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package master wires the master daemon: the key store, the event
// bus and its IPC publisher, the fileserver, the pillar compiler, the
// job cache, the reactor, the scheduler, and the two TCP servers
// (publish_port and ret_port) minions and local clients talk to.
package master

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/fileserver"
	"github.com/saltstack/salt/grains"
	"github.com/saltstack/salt/jobs"
	"github.com/saltstack/salt/lib/clock"
	"github.com/saltstack/salt/lib/codec"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/jid"
	"github.com/saltstack/salt/pillar"
	"github.com/saltstack/salt/pki"
	"github.com/saltstack/salt/reactor"
	"github.com/saltstack/salt/runners"
	"github.com/saltstack/salt/sched"
	"github.com/saltstack/salt/tgt"
	"github.com/saltstack/salt/transport"
)

// Master is the assembled daemon. Build with New, drive with Run.
type Master struct {
	cfg    *config.Master
	logger *slog.Logger
	clk    clock.Clock

	keys    *pki.Keypair
	store   *pki.Store
	rootKey string

	bus     *event.Bus
	ipc     *event.IPCServer
	files   *fileserver.Fileserver
	pillars *pillar.Compiler
	jobs    *jobs.Cache
	react   *reactor.Reactor
	sched   *sched.Scheduler
	runners *runners.Registry

	pub *transport.PubServer
	req *transport.ReqServer

	// mu guards the grains cache. Grains arrive with every auth and
	// back the master-side target prediction.
	mu         sync.Mutex
	minionData map[string]grains.Grains
}

// New assembles a master from cfg. The daemon does not serve until
// Run.
func New(ctx context.Context, cfg *config.Master, clk clock.Clock, logger *slog.Logger) (*Master, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	keys, err := pki.LoadOrCreate(cfg.PKIDir, "master")
	if err != nil {
		return nil, err
	}
	store, err := pki.NewStore(cfg.PKIDir)
	if err != nil {
		return nil, err
	}
	store.AutoAccept = cfg.AutoAccept

	rootKey, err := loadOrCreateRootKey(cfg.RootKeyPath())
	if err != nil {
		return nil, err
	}

	bus := event.NewBus(logger)
	ipc, err := event.NewIPCServer(cfg.SockDir, bus, logger)
	if err != nil {
		return nil, err
	}
	files, err := fileserver.New(ctx, cfg, bus, logger)
	if err != nil {
		return nil, err
	}
	pillars, err := pillar.NewCompiler(cfg, logger)
	if err != nil {
		return nil, err
	}
	jobCache, err := jobs.Open(filepath.Join(cfg.CacheDir, "jobs.db"), clk, logger)
	if err != nil {
		return nil, err
	}

	m := &Master{
		cfg:        cfg,
		logger:     logger.With("component", "master"),
		clk:        clk,
		keys:       keys,
		store:      store,
		rootKey:    rootKey,
		bus:        bus,
		ipc:        ipc,
		files:      files,
		pillars:    pillars,
		jobs:       jobCache,
		minionData: map[string]grains.Grains{},
	}

	m.pub, err = transport.NewPubServer(
		net.JoinHostPort(cfg.Interface, strconv.Itoa(cfg.PublishPort)),
		keys.Private, m.authorizeSubscribe, logger)
	if err != nil {
		return nil, err
	}
	m.req, err = transport.NewReqServer(
		net.JoinHostPort(cfg.Interface, strconv.Itoa(cfg.RetPort)),
		cfg.WorkerThreads, keys.Private, m.handle, logger)
	if err != nil {
		m.pub.Close()
		return nil, err
	}

	m.runners = runners.New(runners.Deps{
		Jobs:          jobCache,
		Fileserver:    files,
		Connected:     m.pub.Subscribers,
		AcceptedIDs:   store.AcceptedIDs,
		SockDir:       cfg.SockDir,
		SealRecipient: pillars.SealRecipient(),
		Now:           clk.Now,
	})
	m.react = reactor.New(cfg.Reactor, cfg.ReactorWorkerThreads, m.fetchReactorSLS, reactor.Hooks{
		Publish: func(ctx context.Context, cmd reactor.LocalCommand) error {
			_, err := m.PublishCommand(ctx, cmd.Fun, cmd.Args, cmd.Target, cmd.TargetKind, "reactor")
			return err
		},
		Runner: func(ctx context.Context, fun string, args map[string]any) error {
			_, err := m.runners.Call(ctx, fun, nil, args)
			return err
		},
		Wheel: func(ctx context.Context, fun string, args map[string]any) error {
			_, err := m.Wheel(ctx, fun, args)
			return err
		},
	}, logger)
	m.sched, err = sched.New(cfg.Schedule, m.runScheduled, m.emitScheduled, clk, logger)
	if err != nil {
		m.pub.Close()
		m.req.Close()
		return nil, err
	}
	return m, nil
}

// RetAddress is the bound ret_port address, useful with port 0.
func (m *Master) RetAddress() string { return m.req.Address() }

// PubAddress is the bound publish_port address.
func (m *Master) PubAddress() string { return m.pub.Address() }

// KeyStore exposes the acceptance store for salt-key.
func (m *Master) KeyStore() *pki.Store { return m.store }

// Runners exposes the runner registry for salt-run.
func (m *Master) Runners() *runners.Registry { return m.runners }

// Run serves until ctx is cancelled or a listener fails.
func (m *Master) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	go func() { errs <- m.ipc.Serve(ctx) }()
	go func() { errs <- m.req.Serve(ctx) }()
	go func() { errs <- m.pub.Serve(ctx) }()
	go m.react.Run(ctx)
	go m.sched.Run(ctx)
	go m.feedReactor(ctx)
	if interval := time.Duration(m.cfg.LoopInterval); interval > 0 {
		go m.files.UpdateLoop(ctx, m.clk, interval)
		go m.pruneLoop(ctx, interval)
	}

	m.logger.Info("master started",
		"ret_port", m.req.Address(), "publish_port", m.pub.Address())

	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	cancel()
	m.pub.Close()
	m.req.Close()
	m.ipc.Close()
	m.bus.Close()
	m.jobs.Close()
	return err
}

// feedReactor forwards bus events matching the reactor's patterns.
func (m *Master) feedReactor(ctx context.Context) {
	patterns := m.react.Patterns()
	if len(patterns) == 0 {
		return
	}
	sub := m.bus.Subscribe(patterns...)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			m.react.Offer(ev)
		}
	}
}

// pruneLoop expires job cache entries past keep_jobs.
func (m *Master) pruneLoop(ctx context.Context, interval time.Duration) {
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := m.jobs.Prune(ctx, time.Duration(m.cfg.KeepJobs))
			if err != nil {
				m.logger.Error("job cache prune failed", "error", err)
			} else if pruned > 0 {
				m.logger.Info("pruned expired jobs", "jobs", pruned)
			}
		}
	}
}

// emit stamps and publishes one event on the local bus.
func (m *Master) emit(tag string, data map[string]any) {
	m.bus.Publish(event.Event{Tag: tag, Data: event.Stamp(data, m.clk.Now())})
}

// runScheduled executes a master schedule entry as a runner call.
func (m *Master) runScheduled(ctx context.Context, entry config.ScheduleEntry) (any, error) {
	return m.runners.Call(ctx, entry.Function, entry.Args, nil)
}

// emitScheduled publishes scheduler events; the scheduler stamps them
// itself.
func (m *Master) emitScheduled(tag string, data map[string]any) {
	m.bus.Publish(event.Event{Tag: tag, Data: data})
}

// authorizeSubscribe gates publish-port subscriptions: the subscribe
// signature must verify against the minion's accepted key. open_mode
// admits anyone. Each admission announces the minion on the bus.
func (m *Master) authorizeSubscribe(minionID string, subscribe *transport.SubscribeRequest) error {
	if !m.cfg.OpenMode {
		public, err := m.acceptedKey(minionID)
		if err != nil {
			return err
		}
		if err := subscribe.VerifySubscribe(public, m.clk.Now(), 5*time.Minute); err != nil {
			return err
		}
	}
	m.emit(event.MinionStartTag(minionID), map[string]any{"id": minionID})
	return nil
}

func (m *Master) acceptedKey(minionID string) (ed25519.PublicKey, error) {
	pemBytes, err := m.store.AcceptedKey(minionID)
	if err != nil {
		return nil, err
	}
	return pki.DecodePublic(pemBytes)
}

// PublishCommand assigns a jid, records the load, pushes the signed
// publish to every subscriber, and emits salt/job/<jid>/new. The
// returned minion list is the prediction clients wait on.
func (m *Master) PublishCommand(ctx context.Context, fun string, args []any, target string, kind tgt.Kind, user string) (*transport.PublishResult, error) {
	if kind == "" {
		kind = tgt.Glob
	}
	expr := target
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

	now := m.clk.Now()
	id := jid.New(now)
	if err := m.jobs.SaveLoad(ctx, &jobs.Load{
		JID:        id,
		Fun:        fun,
		Args:       args,
		Target:     target,
		TargetKind: string(kind),
		User:       user,
		Minions:    minions,
		Started:    now,
	}); err != nil {
		return nil, err
	}

	// Publish the nodegroup-expanded expression: minions do not know
	// the master's nodegroups.
	load, err := codec.Marshal(&transport.JobLoad{
		JID:        id,
		Fun:        fun,
		Args:       args,
		Target:     expr,
		TargetKind: string(kind),
		User:       user,
	})
	if err != nil {
		return nil, err
	}
	m.pub.Publish(load)

	m.logger.Info("published job", "jid", id, "fun", fun, "tgt", target, "minions", len(minions))
	m.emit(event.JobNewTag(id), map[string]any{
		"jid":      id,
		"fun":      fun,
		"tgt":      target,
		"tgt_type": string(kind),
		"user":     user,
		"minions":  minions,
	})
	return &transport.PublishResult{JID: id, Minions: minions}, nil
}

// population is the master's fleet view for target prediction.
func (m *Master) population() tgt.Population {
	ids, err := m.store.AcceptedIDs()
	if err != nil {
		m.logger.Error("listing accepted keys", "error", err)
	}
	return tgt.Population{IDs: ids, GrainsFor: m.grainsFor}
}

// cacheGrains stores a minion's grains in memory and on disk so
// grain targeting survives a master restart.
func (m *Master) cacheGrains(minionID string, data map[string]any) {
	g := grains.Grains(data)
	m.mu.Lock()
	m.minionData[minionID] = g
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.CacheDir, "minions", minionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		m.logger.Warn("caching grains", "id", minionID, "error", err)
		return
	}
	encoded, err := codec.Marshal(data)
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, "data.cbor"), encoded, 0o600)
	}
	if err != nil {
		m.logger.Warn("caching grains", "id", minionID, "error", err)
	}
}

// grainsFor returns the cached grains for a minion, falling back to
// the on-disk cache, or nil when nothing was ever cached.
func (m *Master) grainsFor(minionID string) grains.Grains {
	m.mu.Lock()
	cached, ok := m.minionData[minionID]
	m.mu.Unlock()
	if ok {
		return cached
	}

	encoded, err := os.ReadFile(filepath.Join(m.cfg.CacheDir, "minions", minionID, "data.cbor"))
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := codec.Unmarshal(encoded, &data); err != nil {
		return nil
	}
	g := grains.Grains(data)
	m.mu.Lock()
	m.minionData[minionID] = g
	m.mu.Unlock()
	return g
}

// fetchReactorSLS resolves reactor SLS paths: salt:// through the
// fileserver's base environment, anything else from the local disk.
func (m *Master) fetchReactorSLS(ctx context.Context, path string) ([]byte, error) {
	if rel, ok := strings.CutPrefix(path, "salt://"); ok {
		return m.files.ReadFile(ctx, "base", rel)
	}
	return os.ReadFile(path)
}

// loadOrCreateRootKey reads the local-client token, generating it on
// first start. The file's mode is what protects publish access on the
// master host.
func loadOrCreateRootKey(path string) (string, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return string(raw), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("master: generating root key: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("master: writing root key: %w", err)
	}
	return token, nil
}

// ReadRootKey loads the token local clients present on publish_port
// requests.
func ReadRootKey(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("master: reading root key (is the master running and are you root?): %w", err)
	}
	return string(raw), nil
}
