// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package sshclient implements agentless execution for salt-ssh: a
// YAML roster of hosts, plain SSH connections, and raw shell commands
// with per-host results. No minion is involved.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/lib/glob"
)

// RosterEntry describes one reachable host.
type RosterEntry struct {
	// Host is the address to dial.
	Host string `yaml:"host"`

	// User is the login name. Defaults to root.
	User string `yaml:"user"`

	// Port is the SSH port. Defaults to 22.
	Port int `yaml:"port"`

	// Priv is the private key file. Defaults to ~/.ssh/id_ed25519.
	Priv string `yaml:"priv"`
}

// Roster maps target IDs to hosts, loaded from /etc/salt/roster.
type Roster map[string]RosterEntry

// LoadRoster reads a YAML roster file.
func LoadRoster(path string) (Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshclient: reading roster: %w", err)
	}
	roster := Roster{}
	if err := yaml.Unmarshal(raw, &roster); err != nil {
		return nil, fmt.Errorf("sshclient: parsing roster %s: %w", path, err)
	}
	for id, entry := range roster {
		if entry.Host == "" {
			return nil, fmt.Errorf("sshclient: roster entry %q has no host", id)
		}
	}
	return roster, nil
}

// Match returns the roster IDs matching the target glob, sorted.
func (r Roster) Match(target string) []string {
	var ids []string
	for id := range r {
		if glob.Match(target, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Result is one host's outcome for a raw command.
type Result struct {
	Stdout  string `yaml:"stdout"`
	Stderr  string `yaml:"stderr"`
	Retcode int    `yaml:"retcode"`

	// Err describes a connection or roster failure; empty when the
	// command ran (even with a nonzero retcode).
	Err string `yaml:"error,omitempty"`
}

// Client runs raw commands over SSH.
type Client struct {
	// Roster holds the reachable hosts.
	Roster Roster

	// Timeout bounds the SSH dial. Zero means 10s.
	Timeout time.Duration

	// HostKeyCallback verifies server host keys. Nil accepts any key,
	// matching salt-ssh's default of populating known_hosts on first
	// contact.
	HostKeyCallback ssh.HostKeyCallback

	// Logger may be nil.
	Logger *slog.Logger
}

// Run executes command on every roster host matching target,
// concurrently, and returns per-ID results. An empty match set is an
// error.
func (c *Client) Run(ctx context.Context, target, command string) (map[string]Result, error) {
	ids := c.Roster.Match(target)
	if len(ids) == 0 {
		return nil, fmt.Errorf("sshclient: no roster entries match %q", target)
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	results := make(map[string]Result, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			result := c.runOne(ctx, c.Roster[id], command)
			if result.Err != "" {
				logger.Warn("ssh execution failed", "id", id, "error", result.Err)
			}
			mu.Lock()
			results[id] = result
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results, nil
}

func (c *Client) runOne(ctx context.Context, entry RosterEntry, command string) Result {
	config, err := c.clientConfig(entry)
	if err != nil {
		return Result{Err: err.Error(), Retcode: -1}
	}

	port := entry.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(entry.Host, strconv.Itoa(port))
	conn, err := dial(ctx, address, config)
	if err != nil {
		return Result{Err: err.Error(), Retcode: -1}
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return Result{Err: err.Error(), Retcode: -1}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(command)

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.Retcode = exitErr.ExitStatus()
	default:
		result.Err = err.Error()
		result.Retcode = -1
	}
	return result
}

func (c *Client) clientConfig(entry RosterEntry) (*ssh.ClientConfig, error) {
	user := entry.User
	if user == "" {
		user = "root"
	}
	keyPath := entry.Priv
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("sshclient: no priv key configured: %w", err)
		}
		keyPath = home + "/.ssh/id_ed25519"
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("sshclient: reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("sshclient: parsing key %s: %w", keyPath, err)
	}

	hostKeys := c.HostKeyCallback
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// dial opens an SSH connection honoring ctx cancellation for the TCP
// dial.
func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("sshclient: dialing %s: %w", address, err)
	}
	sshConn, channels, requests, err := ssh.NewClientConn(tcpConn, address, config)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("sshclient: handshake with %s: %w", address, err)
	}
	return ssh.NewClient(sshConn, channels, requests), nil
}
