// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package sched runs the configured schedule on a master or minion:
// named entries firing on a cron expression or a fixed interval,
// optionally splayed, each invoking one module or runner function.
// Every completed run emits a salt/sched/<name> event.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/clock"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/cron"
)

// RunFunc executes one scheduled function call.
type RunFunc func(ctx context.Context, entry config.ScheduleEntry) (any, error)

// EmitFunc delivers one schedule event. Masters publish to the local
// bus; minions forward to the master.
type EmitFunc func(tag string, data map[string]any)

type scheduleEntry struct {
	name   string
	config config.ScheduleEntry
	cron   *cron.Expression
}

// Scheduler fires the configured entries until its context ends.
type Scheduler struct {
	entries []scheduleEntry
	run     RunFunc
	emit    EmitFunc
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]int
	wg      sync.WaitGroup
}

// New validates the entries and builds a scheduler. Cron expressions
// are parsed here so a typo fails startup, not the first fire.
func New(entries map[string]config.ScheduleEntry, run RunFunc, emit EmitFunc, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	s := &Scheduler{
		run:     run,
		emit:    emit,
		clock:   clk,
		logger:  logger.With("component", "schedule"),
		running: map[string]int{},
	}
	for name, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("sched: entry %q: %w", name, err)
		}
		scheduled := scheduleEntry{name: name, config: entry}
		if entry.Cron != "" {
			expression, err := cron.Parse(entry.Cron)
			if err != nil {
				return nil, fmt.Errorf("sched: entry %q: %w", name, err)
			}
			scheduled.cron = &expression
		}
		s.entries = append(s.entries, scheduled)
	}
	return s, nil
}

// Run fires entries until ctx is cancelled, then waits for in-flight
// runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry scheduleEntry) {
			defer s.wg.Done()
			s.loop(ctx, entry)
		}(entry)
	}
	<-ctx.Done()
	s.wg.Wait()
}

// nextDelay computes the wait before the entry's next fire, splay
// included.
func (s *Scheduler) nextDelay(entry scheduleEntry) (time.Duration, error) {
	var delay time.Duration
	if entry.cron != nil {
		next, err := entry.cron.Next(s.clock.Now())
		if err != nil {
			return 0, err
		}
		delay = next.Sub(s.clock.Now())
	} else {
		delay = time.Duration(entry.config.Seconds)
	}
	if splay := time.Duration(entry.config.Splay); splay > 0 {
		delay += time.Duration(rand.Int63n(int64(splay)))
	}
	return delay, nil
}

func (s *Scheduler) loop(ctx context.Context, entry scheduleEntry) {
	for {
		delay, err := s.nextDelay(entry)
		if err != nil {
			s.logger.Error("schedule entry disabled", "name", entry.name, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}

		if !s.acquire(entry) {
			s.logger.Info("schedule run skipped, maxrunning reached", "name", entry.name)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(entry)
			s.fire(ctx, entry)
		}()
	}
}

func (s *Scheduler) acquire(entry scheduleEntry) bool {
	limit := entry.config.MaxRunning
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[entry.name] >= limit {
		return false
	}
	s.running[entry.name]++
	return true
}

func (s *Scheduler) release(entry scheduleEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[entry.name]--
}

func (s *Scheduler) fire(ctx context.Context, entry scheduleEntry) {
	result, err := s.run(ctx, entry.config)
	data := map[string]any{
		"schedule": entry.name,
		"fun":      entry.config.Function,
	}
	if err != nil {
		s.logger.Warn("schedule run failed", "name", entry.name, "fun", entry.config.Function, "error", err)
		data["success"] = false
		data["error"] = err.Error()
	} else {
		data["success"] = true
		data["return"] = result
	}
	s.emit(event.Tagify("sched", entry.name), event.Stamp(data, s.clock.Now()))
}
