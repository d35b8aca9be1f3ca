// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/saltstack/salt/lib/codec"
)

// PubSocketName is the event publisher socket filename under the
// master's sock_dir.
const PubSocketName = "master_event_pub.ipc"

// maxIPCFrame bounds a single event frame. Event payloads are small;
// anything larger indicates a corrupt stream.
const maxIPCFrame = 16 << 20

// IPCServer mirrors a Bus onto a unix socket. Each connection is an
// independent subscriber receiving every event as a length-framed
// CBOR Event. Filtering happens client-side; the socket is local and
// trusted (filesystem permissions gate access).
type IPCServer struct {
	listener net.Listener
	bus      *Bus
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewIPCServer listens on sockDir/PubSocketName. A stale socket file
// from a previous run is removed first.
func NewIPCServer(sockDir string, bus *Bus, logger *slog.Logger) (*IPCServer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	path := filepath.Join(sockDir, PubSocketName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("event: removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("event: listening on %s: %w", path, err)
	}
	// Only root (and the group the master runs as) may attach.
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("event: chmod %s: %w", path, err)
	}
	return &IPCServer{
		listener: listener,
		bus:      bus,
		logger:   logger.With("component", "event-ipc"),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is
// called. Each connection gets its own bus subscription and writer
// goroutine; a write error tears down only that connection.
func (s *IPCServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("event: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.stream(conn)
	}
}

func (s *IPCServer) stream(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sub := s.bus.Subscribe()
	defer sub.Close()

	for ev := range sub.C {
		if err := WriteFrame(conn, ev); err != nil {
			s.logger.Debug("event subscriber disconnected", "error", err)
			return
		}
	}
}

// Close stops accepting and disconnects all subscribers.
func (s *IPCServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return err
}

// WriteFrame writes one event as a 4-byte big-endian length followed
// by the CBOR encoding.
func WriteFrame(w io.Writer, ev Event) error {
	payload, err := codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event: encoding event %s: %w", ev.Tag, err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one framed event.
func ReadFrame(r io.Reader) (Event, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Event{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxIPCFrame {
		return Event{}, fmt.Errorf("event: frame of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Event{}, err
	}
	var ev Event
	if err := codec.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("event: decoding frame: %w", err)
	}
	return ev, nil
}

// Listen connects to the master's event socket and streams events
// matching the tag globs (no globs means everything) onto the
// returned channel. The channel closes when ctx is cancelled or the
// connection drops.
func Listen(ctx context.Context, sockDir string, patterns ...string) (<-chan Event, error) {
	path := filepath.Join(sockDir, PubSocketName)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("event: connecting to %s: %w", path, err)
	}

	out := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			ev, err := ReadFrame(conn)
			if err != nil {
				return
			}
			if len(patterns) > 0 {
				matched := false
				for _, pattern := range patterns {
					if Match(pattern, ev.Tag) {
						matched = true
						break
					}
				}
				if !matched {
					continue
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
