// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/saltstack/salt/lib/codec"
)

// ReqClient is a synchronous request/reply client for a master's
// ret_port. Safe for concurrent use; calls are serialized on one
// connection, which is redialed on demand after failures.
type ReqClient struct {
	address string

	// MasterKey, when set, verifies every reply signature. The
	// minion sets it from the pinned master key; local clients on
	// the master host may leave it nil.
	MasterKey ed25519.PublicKey

	// Timeout bounds a single call including dial. Zero means only
	// the context deadline applies.
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewReqClient returns a client for address ("host:4506").
func NewReqClient(address string) *ReqClient {
	return &ReqClient{address: address}
}

// Call sends req and waits for the reply. An OK=false reply comes
// back as an error carrying the server's message.
func (c *ReqClient) Call(ctx context.Context, req *Request) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	reply, err := c.callLocked(ctx, req)
	if err != nil {
		// One retry on a fresh connection: the pooled conn may have
		// been closed by a master restart between calls.
		c.closeLocked()
		reply, err = c.callLocked(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	if c.MasterKey != nil {
		if err := reply.Verify(c.MasterKey); err != nil {
			return nil, fmt.Errorf("reply from %s: %w", c.address, err)
		}
	}
	if !reply.OK {
		return reply, fmt.Errorf("transport: %s request refused: %s", req.Kind, reply.Error)
	}
	return reply, nil
}

func (c *ReqClient) callLocked(ctx context.Context, req *Request) (*Reply, error) {
	if c.conn == nil {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", c.address)
		if err != nil {
			return nil, fmt.Errorf("transport: dialing %s: %w", c.address, err)
		}
		c.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	if err := WriteMessage(c.conn, req); err != nil {
		return nil, fmt.Errorf("transport: sending %s to %s: %w", req.Kind, c.address, err)
	}
	var reply Reply
	if err := ReadMessage(c.conn, &reply); err != nil {
		return nil, fmt.Errorf("transport: reading %s reply from %s: %w", req.Kind, c.address, err)
	}
	return &reply, nil
}

func (c *ReqClient) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close drops the pooled connection.
func (c *ReqClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// CallDecode is Call plus payload decoding into out (skipped when out
// is nil).
func (c *ReqClient) CallDecode(ctx context.Context, req *Request, out any) error {
	reply, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(reply.Payload) == 0 {
		return nil
	}
	if err := codec.Unmarshal(reply.Payload, out); err != nil {
		return fmt.Errorf("transport: decoding %s reply: %w", req.Kind, err)
	}
	return nil
}

// Backoff computes capped exponential backoff with jitter for
// reconnect loops: base doubling per attempt, capped at max, ±25%
// jitter so a master restart does not see every minion at once.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// Subscriber maintains a minion's publish-port connection. Connect
// performs the signed subscribe handshake; Listen decodes and
// verifies publishes until the connection drops.
type Subscriber struct {
	// Address is the master's "host:4505".
	Address string

	// MinionID identifies and signs the subscription.
	MinionID string

	// Key is the minion's private key for the subscribe signature.
	Key ed25519.PrivateKey

	// MasterKey verifies publish signatures. Nil skips verification
	// (master_sign_pubkey: false).
	MasterKey ed25519.PublicKey

	// Logger may be nil.
	Logger *slog.Logger

	conn net.Conn
}

// Connect dials and subscribes. The returned error distinguishes
// refusal (connection closed right after subscribe) from dial
// failure only via its text; both mean "try again later" to the
// caller.
func (s *Subscriber) Connect(ctx context.Context, now time.Time) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return fmt.Errorf("transport: dialing publish port %s: %w", s.Address, err)
	}

	subscribe := &SubscribeRequest{ID: s.MinionID, Stamp: now.UnixNano()}
	subscribe.Sign(s.Key)
	if err := WriteMessage(conn, subscribe); err != nil {
		conn.Close()
		return fmt.Errorf("transport: subscribing to %s: %w", s.Address, err)
	}
	s.conn = conn
	return nil
}

// Listen delivers verified job loads to handle until the connection
// drops or ctx is cancelled. Publishes failing signature verification
// are dropped with a warning; this is the operator-visible symptom
// of a master key mismatch.
func (s *Subscriber) Listen(ctx context.Context, handle func(load []byte)) error {
	if s.conn == nil {
		return fmt.Errorf("transport: Listen before Connect")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn := s.conn
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer func() {
		conn.Close()
		s.conn = nil
	}()

	for {
		var message PubMessage
		if err := ReadMessage(s.conn, &message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: publish stream from %s: %w", s.Address, err)
		}
		if s.MasterKey != nil {
			if err := message.Verify(s.MasterKey); err != nil {
				logger.Warn("Could not verify the signature of the published message, dropping it",
					"master", s.Address)
				continue
			}
		}
		handle(message.Load)
	}
}

// Close drops the publish connection.
func (s *Subscriber) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
