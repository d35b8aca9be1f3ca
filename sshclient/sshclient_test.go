// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package sshclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testServer is a minimal SSH server that answers exec requests with
// canned behavior: "greet" prints hello, "fail" exits 3, anything else
// echoes the command back.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

func startServer(t *testing.T, clientKey ssh.PublicKey) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, os.ErrPermission
			}
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &testServer{listener: listener, config: config}
	go server.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return server
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testServer) handle(conn net.Conn) {
	defer conn.Close()
	_, channels, requests, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(requests)
	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		channel, chanRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go serveSession(channel, chanRequests)
	}
}

func serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		var status uint32
		switch payload.Command {
		case "greet":
			channel.Write([]byte("hello\n"))
		case "fail":
			channel.Stderr().Write([]byte("broken\n"))
			status = 3
		default:
			channel.Write([]byte(payload.Command))
		}
		exit := make([]byte, 4)
		binary.BigEndian.PutUint32(exit, status)
		channel.SendRequest("exit-status", false, exit)
		return
	}
}

// writeClientKey generates an Ed25519 key pair, writes the private key
// in OpenSSH format, and returns the path and public half.
func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return path, sshPub
}

func testClient(t *testing.T) (*Client, *testServer) {
	t.Helper()
	keyPath, pub := writeClientKey(t)
	server := startServer(t, pub)
	host, portRaw, err := net.SplitHostPort(server.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		t.Fatal(err)
	}
	roster := Roster{
		"web1": {Host: host, Port: port, User: "tester", Priv: keyPath},
		"web2": {Host: host, Port: port, User: "tester", Priv: keyPath},
		"db1":  {Host: host, Port: port, User: "tester", Priv: keyPath},
	}
	return &Client{Roster: roster, Timeout: 5 * time.Second}, server
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster")
	raw := "web1:\n  host: 10.0.0.1\n  user: deploy\nweb2:\n  host: 10.0.0.2\n  port: 2222\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	roster, err := LoadRoster(path)
	if err != nil {
		t.Fatal(err)
	}
	if roster["web1"].User != "deploy" || roster["web2"].Port != 2222 {
		t.Errorf("roster = %+v", roster)
	}

	matched := roster.Match("web*")
	if len(matched) != 2 || matched[0] != "web1" || matched[1] != "web2" {
		t.Errorf("match = %v", matched)
	}
	if got := roster.Match("nothing"); got != nil {
		t.Errorf("match = %v", got)
	}
}

func TestLoadRosterRejectsMissingHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster")
	if err := os.WriteFile(path, []byte("web1:\n  user: deploy\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRoster(path); err == nil {
		t.Error("entry without a host accepted")
	}
}

func TestRunRawCommand(t *testing.T) {
	client, _ := testClient(t)

	results, err := client.Run(context.Background(), "web*", "greet")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	for id, result := range results {
		if result.Err != "" || result.Retcode != 0 || result.Stdout != "hello\n" {
			t.Errorf("%s: %+v", id, result)
		}
	}
}

func TestRunReportsExitStatus(t *testing.T) {
	client, _ := testClient(t)

	results, err := client.Run(context.Background(), "db1", "fail")
	if err != nil {
		t.Fatal(err)
	}
	result := results["db1"]
	if result.Retcode != 3 || result.Stderr != "broken\n" || result.Err != "" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunUnreachableHost(t *testing.T) {
	keyPath, _ := writeClientKey(t)
	client := &Client{
		Roster:  Roster{"gone": {Host: "127.0.0.1", Port: 1, Priv: keyPath}},
		Timeout: time.Second,
	}
	results, err := client.Run(context.Background(), "*", "true")
	if err != nil {
		t.Fatal(err)
	}
	if results["gone"].Err == "" || results["gone"].Retcode != -1 {
		t.Errorf("result = %+v", results["gone"])
	}
}

func TestRunNoMatch(t *testing.T) {
	client := &Client{Roster: Roster{}}
	if _, err := client.Run(context.Background(), "*", "true"); err == nil {
		t.Error("empty match accepted")
	}
}
