// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/codec"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/testutil"
	"github.com/saltstack/salt/pki"
	"github.com/saltstack/salt/transport"
)

func testConfig(t *testing.T) *config.Master {
	t.Helper()
	base := t.TempDir()
	fileRoot := filepath.Join(base, "srv", "salt")
	pillarRoot := filepath.Join(base, "srv", "pillar")
	for _, dir := range []string{fileRoot, pillarRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return &config.Master{
		Interface:         "127.0.0.1",
		PKIDir:            filepath.Join(base, "pki"),
		CacheDir:          filepath.Join(base, "cache"),
		SockDir:           filepath.Join(base, "sock"),
		WorkerThreads:     2,
		FileserverBackend: []string{"roots"},
		FileRoots:         map[string][]string{"base": {fileRoot}},
		PillarRoots:       map[string][]string{"base": {pillarRoot}},
		KeepJobs:          config.Duration(24 * time.Hour),
		AutoAccept:        true,
	}
}

func startMaster(t *testing.T, cfg *config.Master) *Master {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m, err := New(ctx, cfg, nil, nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func minionKeys(t *testing.T) (*pki.Keypair, []byte) {
	t.Helper()
	keys, err := pki.LoadOrCreate(t.TempDir(), "minion")
	if err != nil {
		t.Fatal(err)
	}
	pubPEM, err := pki.EncodePublic(keys.Public)
	if err != nil {
		t.Fatal(err)
	}
	return keys, pubPEM
}

func signedRequest(t *testing.T, keys *pki.Keypair, id, kind string, payload any) *transport.Request {
	t.Helper()
	encoded, err := codec.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req := &transport.Request{ID: id, Kind: kind, Payload: encoded}
	req.Sign(keys.Private)
	return req
}

func authenticate(t *testing.T, client *transport.ReqClient, keys *pki.Keypair, pubPEM []byte, id string, minionGrains map[string]any) transport.AuthResult {
	t.Helper()
	req := signedRequest(t, keys, id, transport.KindAuth, transport.AuthPayload{
		PubPEM: pubPEM,
		Grains: minionGrains,
	})
	var result transport.AuthResult
	if err := client.CallDecode(context.Background(), req, &result); err != nil {
		t.Fatal(err)
	}
	return result
}

func localRequest(t *testing.T, m *Master, kind string, payload any) *transport.Request {
	t.Helper()
	token, err := ReadRootKey(m.cfg.RootKeyPath())
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &transport.Request{ID: "local", Kind: kind, Payload: encoded, Token: token}
}

func TestAuthAutoAcceptReturnsMasterKey(t *testing.T) {
	m := startMaster(t, testConfig(t))
	keys, pubPEM := minionKeys(t)
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()

	result := authenticate(t, client, keys, pubPEM, "web1", map[string]any{"os": "Debian"})
	if result.State != string(pki.Accepted) {
		t.Fatalf("state = %q", result.State)
	}
	masterPub, err := pki.DecodePublic(result.MasterPubPEM)
	if err != nil {
		t.Fatal(err)
	}
	if !masterPub.Equal(m.keys.Public) {
		t.Error("returned master key does not match")
	}

	// The grains submitted at auth back grain targeting.
	var minions transport.MinionsResult
	req := localRequest(t, m, transport.KindMinions, transport.MinionsPayload{
		Target: "os:Debian", TargetKind: "grain",
	})
	if err := client.CallDecode(context.Background(), req, &minions); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(minions.Minions, []string{"web1"}) {
		t.Errorf("minions = %v", minions.Minions)
	}
}

func TestPendingKeyThenWheelAccept(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoAccept = false
	m := startMaster(t, cfg)
	keys, pubPEM := minionKeys(t)
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()

	result := authenticate(t, client, keys, pubPEM, "web1", nil)
	if result.State != string(pki.Pending) {
		t.Fatalf("state = %q", result.State)
	}
	if len(result.MasterPubPEM) != 0 {
		t.Error("master key disclosed to a pending minion")
	}

	changed, err := m.Wheel(context.Background(), "key.accept", map[string]any{"match": "web*"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(changed, []string{"web1"}) {
		t.Errorf("accepted = %v", changed)
	}

	result = authenticate(t, client, keys, pubPEM, "web1", nil)
	if result.State != string(pki.Accepted) {
		t.Errorf("state after accept = %q", result.State)
	}
}

func TestWheelRequestAcceptsKeyAndEmitsEvent(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoAccept = false
	m := startMaster(t, cfg)
	keys, pubPEM := minionKeys(t)
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()

	result := authenticate(t, client, keys, pubPEM, "web1", nil)
	if result.State != string(pki.Pending) {
		t.Fatalf("state = %q", result.State)
	}

	listenCtx, stopListen := context.WithCancel(context.Background())
	defer stopListen()
	events, err := event.Listen(listenCtx, cfg.SockDir, event.KeyTag())
	if err != nil {
		t.Fatal(err)
	}

	var wheeled transport.WheelResult
	req := localRequest(t, m, transport.KindWheel, transport.WheelPayload{
		Fun: "key.accept", Args: map[string]any{"match": "web*"},
	})
	if err := client.CallDecode(context.Background(), req, &wheeled); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(wheeled.Return, []any{"web1"}) {
		t.Errorf("changed = %v", wheeled.Return)
	}

	ev := testutil.RequireReceive(t, events, 2*time.Second, "key event")
	if ev.Data["id"] != "web1" || ev.Data["act"] != "accept" {
		t.Errorf("event data = %v", ev.Data)
	}

	result = authenticate(t, client, keys, pubPEM, "web1", nil)
	if result.State != string(pki.Accepted) {
		t.Errorf("state after wheel accept = %q", result.State)
	}
}

func TestLocalKindsRequireToken(t *testing.T) {
	m := startMaster(t, testConfig(t))
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()

	encoded, err := codec.Marshal(transport.PublishPayload{Fun: "test.ping", Target: "*"})
	if err != nil {
		t.Fatal(err)
	}
	req := &transport.Request{ID: "local", Kind: transport.KindPublish, Payload: encoded, Token: "bogus"}
	if _, err := client.Call(context.Background(), req); err == nil {
		t.Error("publish with a bogus token must be refused")
	}
}

func TestPublishReturnLookupFlow(t *testing.T) {
	m := startMaster(t, testConfig(t))
	keys, pubPEM := minionKeys(t)
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()

	auth := authenticate(t, client, keys, pubPEM, "web1", nil)
	masterPub, err := pki.DecodePublic(auth.MasterPubPEM)
	if err != nil {
		t.Fatal(err)
	}

	sub := &transport.Subscriber{
		Address:   m.PubAddress(),
		MinionID:  "web1",
		Key:       keys.Private,
		MasterKey: masterPub,
	}
	if err := sub.Connect(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	loads := make(chan []byte, 1)
	listenCtx, stopListen := context.WithCancel(context.Background())
	defer stopListen()
	go sub.Listen(listenCtx, func(load []byte) { loads <- load })

	// The subscriber registers asynchronously after Connect returns.
	deadline := time.Now().Add(2 * time.Second)
	for len(m.pub.Subscribers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var published transport.PublishResult
	req := localRequest(t, m, transport.KindPublish, transport.PublishPayload{
		Fun: "test.ping", Target: "web*",
	})
	if err := client.CallDecode(context.Background(), req, &published); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(published.Minions, []string{"web1"}) {
		t.Fatalf("predicted minions = %v", published.Minions)
	}

	raw := testutil.RequireReceive(t, loads, 2*time.Second, "published load")
	var load transport.JobLoad
	if err := codec.Unmarshal(raw, &load); err != nil {
		t.Fatal(err)
	}
	if load.JID != published.JID || load.Fun != "test.ping" {
		t.Errorf("load = %+v", load)
	}

	ret := signedRequest(t, keys, "web1", transport.KindReturn, transport.ReturnPayload{
		JID: published.JID, Fun: load.Fun, Return: true, Success: true,
	})
	if _, err := client.Call(context.Background(), ret); err != nil {
		t.Fatal(err)
	}

	var lookup transport.JobLookupResult
	req = localRequest(t, m, transport.KindJobLookup, transport.JobLookupPayload{JID: published.JID})
	if err := client.CallDecode(context.Background(), req, &lookup); err != nil {
		t.Fatal(err)
	}
	if !lookup.Found || lookup.Returns["web1"].Return != true {
		t.Errorf("lookup = %+v", lookup)
	}
}

func TestPillarCompiledForRequestingMinion(t *testing.T) {
	cfg := testConfig(t)
	pillarRoot := cfg.PillarRoots["base"][0]
	files := map[string]string{
		"top.sls":     "base:\n  'web*':\n    - webdata\n",
		"webdata.sls": "role: web\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(pillarRoot, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m := startMaster(t, cfg)
	keys, pubPEM := minionKeys(t)
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()
	authenticate(t, client, keys, pubPEM, "web1", nil)

	var result transport.PillarResult
	req := signedRequest(t, keys, "web1", transport.KindPillar, transport.PillarPayload{})
	if err := client.CallDecode(context.Background(), req, &result); err != nil {
		t.Fatal(err)
	}
	if result.Pillar["role"] != "web" {
		t.Errorf("pillar = %v", result.Pillar)
	}
}

func TestFileOperations(t *testing.T) {
	cfg := testConfig(t)
	fileRoot := cfg.FileRoots["base"][0]
	if err := os.WriteFile(filepath.Join(fileRoot, "motd.txt"), []byte("welcome\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := startMaster(t, cfg)
	keys, pubPEM := minionKeys(t)
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()
	authenticate(t, client, keys, pubPEM, "web1", nil)

	var envs transport.FileResult
	req := signedRequest(t, keys, "web1", transport.KindFile, transport.FilePayload{Op: transport.FileOpEnvs})
	if err := client.CallDecode(context.Background(), req, &envs); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(envs.Envs, []string{"base"}) {
		t.Errorf("envs = %v", envs.Envs)
	}

	var read transport.FileResult
	req = signedRequest(t, keys, "web1", transport.KindFile, transport.FilePayload{
		Op: transport.FileOpRead, Path: "motd.txt",
	})
	if err := client.CallDecode(context.Background(), req, &read); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(read.Data, []byte("welcome\n")) {
		t.Errorf("read = %q", read.Data)
	}

	var hash transport.FileResult
	req = signedRequest(t, keys, "web1", transport.KindFile, transport.FilePayload{
		Op: transport.FileOpHash, Path: "motd.txt",
	})
	if err := client.CallDecode(context.Background(), req, &hash); err != nil {
		t.Fatal(err)
	}
	if !hash.Found || len(hash.Hash) != 64 {
		t.Errorf("hash = %+v", hash)
	}

	var missing transport.FileResult
	req = signedRequest(t, keys, "web1", transport.KindFile, transport.FilePayload{
		Op: transport.FileOpHash, Path: "nope.txt",
	})
	if err := client.CallDecode(context.Background(), req, &missing); err != nil {
		t.Fatal(err)
	}
	if missing.Found {
		t.Error("missing file reported found")
	}
}

func TestUnsignedMinionRequestRefused(t *testing.T) {
	m := startMaster(t, testConfig(t))
	keys, pubPEM := minionKeys(t)
	client := transport.NewReqClient(m.RetAddress())
	defer client.Close()
	authenticate(t, client, keys, pubPEM, "web1", nil)

	encoded, err := codec.Marshal(transport.PillarPayload{})
	if err != nil {
		t.Fatal(err)
	}
	req := &transport.Request{ID: "web1", Kind: transport.KindPillar, Payload: encoded}
	if _, err := client.Call(context.Background(), req); err == nil {
		t.Error("unsigned request must be refused")
	}
}
