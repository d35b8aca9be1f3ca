// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber queue depth. A slow consumer
// loses its OLDEST events once the buffer fills; publishers never
// block on the bus.
const subscriberBuffer = 1024

// Bus is the in-process event bus. The master publishes every
// noteworthy occurrence here; the reactor, the IPC publisher, and
// tests subscribe. Publish never blocks and never fails.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	closed      bool
	logger      *slog.Logger
}

// Subscription is one subscriber's view of the bus. Read events from
// C; call Close when done. Events not matching the subscription's
// patterns are filtered out before they reach C.
type Subscription struct {
	// C delivers matching events.
	C <-chan Event

	ch       chan Event
	patterns []string
	bus      *Bus
	once     sync.Once
}

// NewBus returns an empty bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for events matching any of the
// given tag globs. No patterns means every event.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	sub := &Subscription{
		ch:       make(chan Event, subscriberBuffer),
		patterns: patterns,
	}
	sub.C = sub.ch
	sub.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Close removes the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subscribers[s]; ok {
			delete(s.bus.subscribers, s)
			close(s.ch)
		}
	})
}

// matches reports whether the subscription wants ev.
func (s *Subscription) matches(tag string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, pattern := range s.patterns {
		if Match(pattern, tag) {
			return true
		}
	}
	return false
}

// Publish delivers ev to every matching subscriber. When a
// subscriber's buffer is full, its oldest event is dropped to make
// room: the bus prioritizes fresh events and never blocks the
// publishing path (job dispatch must not stall on a stuck reader).
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subscribers {
		if !sub.matches(ev.Tag) {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				select {
				case dropped := <-sub.ch:
					b.logger.Debug("event dropped for slow subscriber", "tag", dropped.Tag)
					continue
				default:
				}
			}
			break
		}
	}
}

// Close shuts the bus down and closes every subscription channel.
// Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
