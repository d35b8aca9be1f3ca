// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// RequestHandler serves one decoded request. Returning an error sends
// an OK=false reply with the error text; the master's handler decides
// what is safe to disclose.
type RequestHandler func(ctx context.Context, req *Request) (*Reply, error)

// ReqServer accepts request/reply traffic on ret_port. Each
// connection gets a reader goroutine; actual request execution is
// bounded by a worker semaphore so a burst of returns cannot fork an
// unbounded number of pillar compilations.
type ReqServer struct {
	listener net.Listener
	handler  RequestHandler
	signKey  ed25519.PrivateKey
	workers  chan struct{}
	logger   *slog.Logger
}

// NewReqServer listens on address. workerThreads bounds concurrent
// request execution. signKey signs every reply.
func NewReqServer(address string, workerThreads int, signKey ed25519.PrivateKey, handler RequestHandler, logger *slog.Logger) (*ReqServer, error) {
	if workerThreads < 1 {
		workerThreads = 1
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", address, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ReqServer{
		listener: listener,
		handler:  handler,
		signKey:  signKey,
		workers:  make(chan struct{}, workerThreads),
		logger:   logger.With("component", "req-server"),
	}, nil
}

// Address returns the bound address, useful with ":0" in tests.
func (s *ReqServer) Address() string { return s.listener.Addr().String() }

// Serve accepts connections until ctx is cancelled.
func (s *ReqServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *ReqServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return
		}

		// Acquire a worker slot. Requests on one connection are
		// serialized anyway (reply ordering), so the slot just
		// bounds cross-connection concurrency.
		select {
		case s.workers <- struct{}{}:
		case <-ctx.Done():
			return
		}
		reply := s.dispatch(ctx, &req)
		<-s.workers

		reply.Sign(s.signKey)
		if err := WriteMessage(conn, reply); err != nil {
			return
		}
	}
}

func (s *ReqServer) dispatch(ctx context.Context, req *Request) *Reply {
	reply, err := s.handler(ctx, req)
	if err != nil {
		s.logger.Debug("request failed", "kind", req.Kind, "id", req.ID, "error", err)
		return &Reply{OK: false, Error: err.Error()}
	}
	if reply == nil {
		reply = &Reply{OK: true}
	}
	return reply
}

// Close stops the listener.
func (s *ReqServer) Close() error { return s.listener.Close() }

// SubscribeAuthorizer decides whether a minion may attach to the
// publish port. The master verifies the subscribe signature against
// the minion's accepted key.
type SubscribeAuthorizer func(minionID string, subscribe *SubscribeRequest) error

// SubscribeRequest is the first frame a minion sends on the publish
// connection.
type SubscribeRequest struct {
	// ID is the minion ID.
	ID string `cbor:"id"`

	// Stamp is the subscribe time in unix nanoseconds; the master
	// rejects stale subscriptions to blunt replay.
	Stamp int64 `cbor:"stamp"`

	// Signature is Ed25519 over "subscribe\x00<id>\x00<stamp>".
	Signature []byte `cbor:"sig"`
}

// SigningBytes returns the bytes the subscribe signature covers.
func (r *SubscribeRequest) SigningBytes() []byte {
	return fmt.Appendf(nil, "subscribe\x00%s\x00%d", r.ID, r.Stamp)
}

// Sign signs the subscribe request with the minion key.
func (r *SubscribeRequest) Sign(key ed25519.PrivateKey) {
	r.Signature = ed25519.Sign(key, r.SigningBytes())
}

// VerifySubscribe checks signature freshness and validity against the
// minion's accepted public key.
func (r *SubscribeRequest) VerifySubscribe(public ed25519.PublicKey, now time.Time, maxSkew time.Duration) error {
	stamp := time.Unix(0, r.Stamp)
	if stamp.Before(now.Add(-maxSkew)) || stamp.After(now.Add(maxSkew)) {
		return fmt.Errorf("transport: subscribe stamp outside ±%s window", maxSkew)
	}
	if len(r.Signature) != ed25519.SignatureSize ||
		!ed25519.Verify(public, r.SigningBytes(), r.Signature) {
		return ErrBadSignature
	}
	return nil
}

// PubServer holds the publish-port connections and broadcasts signed
// job loads to all of them. Minions do their own target matching; the
// master does not track which minion should care about which job.
type PubServer struct {
	listener  net.Listener
	authorize SubscribeAuthorizer
	signKey   ed25519.PrivateKey
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]string // conn -> minion ID
}

// NewPubServer listens on address. authorize gates subscriptions;
// signKey signs every publish.
func NewPubServer(address string, signKey ed25519.PrivateKey, authorize SubscribeAuthorizer, logger *slog.Logger) (*PubServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", address, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PubServer{
		listener:  listener,
		authorize: authorize,
		signKey:   signKey,
		logger:    logger.With("component", "pub-server"),
		conns:     make(map[net.Conn]string),
	}, nil
}

// Address returns the bound address.
func (s *PubServer) Address() string { return s.listener.Addr().String() }

// Serve accepts subscriptions until ctx is cancelled.
func (s *PubServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go s.admit(conn)
	}
}

func (s *PubServer) admit(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var subscribe SubscribeRequest
	if err := ReadMessage(conn, &subscribe); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if err := s.authorize(subscribe.ID, &subscribe); err != nil {
		s.logger.Info("publish subscription refused", "id", subscribe.ID, "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = subscribe.ID
	total := len(s.conns)
	s.mu.Unlock()
	s.logger.Debug("minion subscribed", "id", subscribe.ID, "subscribers", total)

	// Park a reader to notice disconnects; minions never send
	// anything else on this connection.
	go func() {
		buf := make([]byte, 1)
		conn.Read(buf)
		s.drop(conn)
	}()
}

func (s *PubServer) drop(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	id, ok := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("minion unsubscribed", "id", id)
	}
}

// Publish signs load with the master key and broadcasts it. Write
// failures drop the offending connection; the minion reconnects and
// re-subscribes.
func (s *PubServer) Publish(load []byte) {
	message := &PubMessage{Load: load}
	message.Sign(s.signKey)

	s.mu.Lock()
	targets := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		targets = append(targets, conn)
	}
	s.mu.Unlock()

	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := WriteMessage(conn, message); err != nil {
			s.drop(conn)
		}
	}
}

// Subscribers returns the IDs currently attached, for presence
// runners.
func (s *PubServer) Subscribers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for _, id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every subscriber and stops the listener.
func (s *PubServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = map[net.Conn]string{}
	return err
}
