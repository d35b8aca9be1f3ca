// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the local client behind the salt CLI: it
// runs on the master host, authenticates with the root key token,
// publishes commands through ret_port, and collects returns from the
// master's event socket.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/codec"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/master"
	"github.com/saltstack/salt/tgt"
	"github.com/saltstack/salt/transport"
)

// findJobWait is how long the find_job probe may take to come back
// when the primary timeout expires.
const findJobWait = 10 * time.Second

// Return is one minion's collected answer.
type Return struct {
	Value   any
	Success bool
	Retcode int
}

// LocalClient talks to the local master. Fill the fields (or use New)
// before calling methods.
type LocalClient struct {
	// Address is the master's ret_port address.
	Address string

	// SockDir locates the event socket returns stream over.
	SockDir string

	// Token is the root key token authorizing local requests.
	Token string

	// Timeout is how long Run waits for returns before probing with
	// find_job.
	Timeout time.Duration

	// Logger may be nil.
	Logger *slog.Logger

	client *transport.ReqClient
}

// New builds a client from the master config, reading the root key
// from cachedir. Must run as a user able to read it.
func New(cfg *config.Master) (*LocalClient, error) {
	token, err := master.ReadRootKey(cfg.RootKeyPath())
	if err != nil {
		return nil, err
	}
	host := cfg.Interface
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return &LocalClient{
		Address: net.JoinHostPort(host, strconv.Itoa(cfg.RetPort)),
		SockDir: cfg.SockDir,
		Token:   token,
		Timeout: time.Duration(cfg.Timeout),
	}, nil
}

// Close drops the pooled master connection.
func (c *LocalClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *LocalClient) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// call sends one token-authenticated request.
func (c *LocalClient) call(ctx context.Context, kind string, payload, out any) error {
	if c.client == nil {
		c.client = transport.NewReqClient(c.Address)
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return err
	}
	req := &transport.Request{ID: "local", Kind: kind, Payload: encoded, Token: c.Token}
	return c.client.CallDecode(ctx, req, out)
}

// Minions asks the master which minions a target expression
// addresses.
func (c *LocalClient) Minions(ctx context.Context, target string, kind tgt.Kind) ([]string, error) {
	var result transport.MinionsResult
	err := c.call(ctx, transport.KindMinions, transport.MinionsPayload{
		Target: target, TargetKind: string(kind),
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Minions, nil
}

// Publish publishes a command without waiting for returns.
func (c *LocalClient) Publish(ctx context.Context, fun string, args []any, target string, kind tgt.Kind) (*transport.PublishResult, error) {
	var result transport.PublishResult
	err := c.call(ctx, transport.KindPublish, transport.PublishPayload{
		Fun: fun, Args: args, Target: target, TargetKind: string(kind),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Runner invokes a runner on the master.
func (c *LocalClient) Runner(ctx context.Context, fun string, args []any, kwargs map[string]any) (any, error) {
	var result transport.RunnerResult
	err := c.call(ctx, transport.KindRunner, transport.RunnerPayload{
		Fun: fun, Args: args, Kwargs: kwargs,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Return, nil
}

// Wheel invokes a key-management wheel function on the master, which
// fires the corresponding salt/key events.
func (c *LocalClient) Wheel(ctx context.Context, fun string, args map[string]any) (any, error) {
	var result transport.WheelResult
	err := c.call(ctx, transport.KindWheel, transport.WheelPayload{Fun: fun, Args: args}, &result)
	if err != nil {
		return nil, err
	}
	return result.Return, nil
}

// Lookup fetches one job from the master's cache.
func (c *LocalClient) Lookup(ctx context.Context, jid string) (*transport.JobLookupResult, error) {
	var result transport.JobLookupResult
	if err := c.call(ctx, transport.KindJobLookup, transport.JobLookupPayload{JID: jid}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Run publishes fun to target and gathers returns until every
// predicted minion has answered or the timeout (extended once by a
// find_job probe for still-running jobs) expires. The second return
// lists the minions that never answered.
func (c *LocalClient) Run(ctx context.Context, fun string, args []any, target string, kind tgt.Kind) (map[string]Return, []string, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before publishing so a fast return cannot slip by.
	events, err := event.Listen(lctx, c.SockDir, "salt/job/*")
	if err != nil {
		return nil, nil, err
	}

	published, err := c.Publish(ctx, fun, args, target, kind)
	if err != nil {
		return nil, nil, err
	}
	if len(published.Minions) == 0 {
		return nil, nil, fmt.Errorf("no minions matched the target %q", target)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	returns := map[string]Return{}
	pending := map[string]bool{}
	for _, id := range published.Minions {
		pending[id] = true
	}

	retPrefix := "salt/job/" + published.JID + "/ret/"
	probePrefix := ""
	probed := false
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

collect:
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			break collect

		case ev, ok := <-events:
			if !ok {
				break collect
			}
			if minionID, ok := strings.CutPrefix(ev.Tag, retPrefix); ok && pending[minionID] {
				delete(pending, minionID)
				returns[minionID] = decodeReturn(ev)
				continue
			}
			// A find_job answer with a non-empty job means the minion
			// is still working: give it a fresh full timeout.
			if probePrefix == "" {
				continue
			}
			if minionID, ok := strings.CutPrefix(ev.Tag, probePrefix); ok && pending[minionID] {
				if info, ok := ev.Data["return"].(map[string]any); ok && len(info) > 0 {
					c.logger().Debug("job still running", "jid", published.JID, "minion", minionID)
					deadline.Reset(timeout)
					probed = false
				}
			}

		case <-deadline.C:
			if probed {
				break collect
			}
			probed = true
			// Ask the stragglers whether the job is still running.
			missing := make([]string, 0, len(pending))
			for id := range pending {
				missing = append(missing, id)
			}
			probe, err := c.Publish(ctx, "saltutil.find_job", []any{published.JID},
				strings.Join(missing, ","), tgt.List)
			if err != nil {
				break collect
			}
			probePrefix = "salt/job/" + probe.JID + "/ret/"
			deadline.Reset(findJobWait)
		}
	}

	var missing []string
	for _, id := range published.Minions {
		if pending[id] {
			missing = append(missing, id)
		}
	}
	return returns, missing, nil
}

func decodeReturn(ev event.Event) Return {
	ret := Return{Value: ev.Data["return"]}
	if success, ok := ev.Data["success"].(bool); ok {
		ret.Success = success
	}
	switch code := ev.Data["retcode"].(type) {
	case int:
		ret.Retcode = code
	case int64:
		ret.Retcode = int(code)
	case uint64:
		ret.Retcode = int(code)
	}
	return ret
}
