// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/saltstack/salt/lib/codec"
	"github.com/saltstack/salt/lib/testutil"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return public, private
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := map[string]any{"fun": "test.ping", "tgt": "*"}
	if err := WriteMessage(&buf, in); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var out map[string]any
	if err := ReadMessage(&buf, &out); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if out["fun"] != "test.ping" {
		t.Errorf("out = %v", out)
	}
}

func TestFrameCompressesLargeBodies(t *testing.T) {
	// A compressible body over the threshold must come out smaller
	// on the wire and still round-trip.
	big := strings.Repeat("salt/job/return ", 4096)
	var buf bytes.Buffer
	if err := WriteMessage(&buf, map[string]any{"blob": big}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if buf.Len() >= len(big) {
		t.Errorf("frame %d bytes not smaller than payload %d", buf.Len(), len(big))
	}
	if flag := buf.Bytes()[4]; flag != flagZstd {
		t.Errorf("flag = %d, want zstd", flag)
	}

	var out map[string]any
	if err := ReadMessage(&buf, &out); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if out["blob"] != big {
		t.Error("payload corrupted through compression")
	}
}

func TestRequestSignatureBinding(t *testing.T) {
	public, private := testKeys(t)
	payload, _ := codec.Marshal(map[string]any{"jid": "1"})
	req := &Request{ID: "web1", Kind: KindReturn, Payload: payload}
	req.Sign(private)

	if err := req.Verify(public); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Any field covered by the signature invalidates it when
	// tampered with.
	tampered := *req
	tampered.ID = "web2"
	if err := tampered.Verify(public); err == nil {
		t.Error("ID tamper not detected")
	}
	tampered = *req
	tampered.Kind = KindPublish
	if err := tampered.Verify(public); err == nil {
		t.Error("kind tamper not detected")
	}

	otherPublic, _ := testKeys(t)
	if err := req.Verify(otherPublic); err == nil {
		t.Error("wrong key accepted")
	}
}

func TestReqServerRoundTrip(t *testing.T) {
	masterPublic, masterPrivate := testKeys(t)
	minionPublic, minionPrivate := testKeys(t)

	handler := func(ctx context.Context, req *Request) (*Reply, error) {
		if err := req.Verify(minionPublic); err != nil {
			return nil, err
		}
		if req.Kind == KindPing {
			payload, _ := codec.Marshal(map[string]any{"pong": true})
			return &Reply{OK: true, Payload: payload}, nil
		}
		return nil, fmt.Errorf("unsupported kind %q", req.Kind)
	}

	server, err := NewReqServer("127.0.0.1:0", 2, masterPrivate, handler, nil)
	if err != nil {
		t.Fatalf("NewReqServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	client := NewReqClient(server.Address())
	client.MasterKey = masterPublic
	defer client.Close()

	req := &Request{ID: "web1", Kind: KindPing}
	req.Sign(minionPrivate)

	var result map[string]any
	if err := client.CallDecode(ctx, req, &result); err != nil {
		t.Fatalf("CallDecode: %v", err)
	}
	if result["pong"] != true {
		t.Errorf("result = %v", result)
	}

	// A refused request surfaces the server's error text.
	bad := &Request{ID: "web1", Kind: KindPublish}
	bad.Sign(minionPrivate)
	if err := client.CallDecode(ctx, bad, nil); err == nil || !strings.Contains(err.Error(), "unsupported kind") {
		t.Errorf("err = %v, want unsupported kind", err)
	}
}

func TestPubSubRoundTrip(t *testing.T) {
	masterPublic, masterPrivate := testKeys(t)
	minionPublic, minionPrivate := testKeys(t)

	authorize := func(id string, subscribe *SubscribeRequest) error {
		if id != "web1" {
			return fmt.Errorf("unknown minion %q", id)
		}
		return subscribe.VerifySubscribe(minionPublic, time.Now(), time.Minute)
	}

	server, err := NewPubServer("127.0.0.1:0", masterPrivate, authorize, nil)
	if err != nil {
		t.Fatalf("NewPubServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	subscriber := &Subscriber{
		Address:   server.Address(),
		MinionID:  "web1",
		Key:       minionPrivate,
		MasterKey: masterPublic,
	}
	if err := subscriber.Connect(ctx, time.Now()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	loads := make(chan []byte, 1)
	go subscriber.Listen(ctx, func(load []byte) { loads <- load })

	// Wait until the server registered the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for len(server.Subscribers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	load, _ := codec.Marshal(map[string]any{"jid": "1", "fun": "test.ping"})
	server.Publish(load)

	got := testutil.RequireReceive(t, loads, 2*time.Second, "published load")
	var decoded map[string]any
	if err := codec.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("decoding load: %v", err)
	}
	if decoded["fun"] != "test.ping" {
		t.Errorf("load = %v", decoded)
	}
}

func TestPubServerRefusesUnauthorized(t *testing.T) {
	_, masterPrivate := testKeys(t)
	_, minionPrivate := testKeys(t)

	authorize := func(id string, subscribe *SubscribeRequest) error {
		return fmt.Errorf("no accepted key for %q", id)
	}
	server, err := NewPubServer("127.0.0.1:0", masterPrivate, authorize, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	subscriber := &Subscriber{Address: server.Address(), MinionID: "rogue", Key: minionPrivate}
	if err := subscriber.Connect(ctx, time.Now()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer subscriber.Close()

	// The server must never register the rogue subscriber.
	time.Sleep(100 * time.Millisecond)
	if got := server.Subscribers(); len(got) != 0 {
		t.Errorf("subscribers = %v, want none", got)
	}
}

func TestSubscribeReplayWindow(t *testing.T) {
	minionPublic, minionPrivate := testKeys(t)
	now := time.Now()

	fresh := &SubscribeRequest{ID: "web1", Stamp: now.UnixNano()}
	fresh.Sign(minionPrivate)
	if err := fresh.VerifySubscribe(minionPublic, now, time.Minute); err != nil {
		t.Errorf("fresh subscribe refused: %v", err)
	}

	stale := &SubscribeRequest{ID: "web1", Stamp: now.Add(-10 * time.Minute).UnixNano()}
	stale.Sign(minionPrivate)
	if err := stale.VerifySubscribe(minionPublic, now, time.Minute); err == nil {
		t.Error("stale subscribe accepted")
	}
}

func TestBackoffBounds(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	for attempt := 0; attempt < 12; attempt++ {
		d := Backoff(attempt, base, max)
		// ±25% jitter around a value capped at max.
		if d < 0 || d > max+max/4 {
			t.Errorf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
}
