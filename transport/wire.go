// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/saltstack/salt/lib/codec"
)

// Request kinds served on ret_port.
const (
	// KindAuth submits the minion's public key and grains.
	KindAuth = "auth"
	// KindPing checks liveness of the current master (failover).
	KindPing = "ping"
	// KindReturn delivers one minion's return for a job.
	KindReturn = "return"
	// KindPillar asks for the requesting minion's compiled pillar.
	KindPillar = "pillar"
	// KindFile covers fileserver operations (sub-op in the payload).
	KindFile = "file"
	// KindPublish is a local client publishing a command.
	KindPublish = "publish"
	// KindRunner is a local client invoking a runner.
	KindRunner = "runner"
	// KindJobLookup is a local client querying the job cache.
	KindJobLookup = "job_lookup"
	// KindMinions is a local client asking for a target prediction.
	KindMinions = "minions"
	// KindWheel is a local client invoking a key-management wheel
	// function.
	KindWheel = "wheel"
)

// maxFrame bounds a single frame; fileserver transfers are chunked
// well below this.
const maxFrame = 64 << 20

// compressThreshold is the body size above which frames are
// zstd-compressed. Small control messages are not worth the window
// allocation.
const compressThreshold = 4096

// Frame flags.
const (
	flagPlain byte = 0
	flagZstd  byte = 1
)

// ErrBadSignature is returned when a message's signature does not
// verify. The minion logs the documented "Could not verify the
// signature" line and drops the message.
var ErrBadSignature = errors.New("transport: could not verify the signature")

// Request is the signed envelope for everything sent to ret_port.
type Request struct {
	// ID is the sender: a minion ID, or "local" for root-key clients.
	ID string `cbor:"id"`

	// Kind selects the handler.
	Kind string `cbor:"kind"`

	// Payload is the kind-specific body.
	Payload codec.RawMessage `cbor:"payload"`

	// Token authorizes local clients (contents of the master's
	// .root_key). Empty for minion requests.
	Token string `cbor:"token,omitempty"`

	// Signature is Ed25519 over SigningBytes. Minion requests only;
	// local clients authenticate with Token instead.
	Signature []byte `cbor:"sig,omitempty"`
}

// Reply is the master's signed answer.
type Reply struct {
	// OK is false when Error is set.
	OK bool `cbor:"ok"`

	// Error is the failure description when OK is false.
	Error string `cbor:"error,omitempty"`

	// Payload is the kind-specific result.
	Payload codec.RawMessage `cbor:"payload,omitempty"`

	// Signature is the master's Ed25519 signature over the payload.
	Signature []byte `cbor:"sig,omitempty"`
}

// SigningBytes builds the byte string a Request signature covers:
// kind and ID bound to the payload, NUL-separated so field contents
// cannot slide between fields.
func (r *Request) SigningBytes() []byte {
	buf := make([]byte, 0, len(r.Kind)+len(r.ID)+len(r.Payload)+2)
	buf = append(buf, r.Kind...)
	buf = append(buf, 0)
	buf = append(buf, r.ID...)
	buf = append(buf, 0)
	buf = append(buf, r.Payload...)
	return buf
}

// Sign signs the request with the sender's private key.
func (r *Request) Sign(key ed25519.PrivateKey) {
	r.Signature = ed25519.Sign(key, r.SigningBytes())
}

// Verify checks the request signature against public.
func (r *Request) Verify(public ed25519.PublicKey) error {
	if len(r.Signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(public, r.SigningBytes(), r.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Sign signs the reply payload with the master key.
func (p *Reply) Sign(key ed25519.PrivateKey) {
	p.Signature = ed25519.Sign(key, p.Payload)
}

// Verify checks the reply signature against the pinned master key.
func (p *Reply) Verify(public ed25519.PublicKey) error {
	if len(p.Signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(public, p.Payload, p.Signature) {
		return ErrBadSignature
	}
	return nil
}

// PubMessage is one published job pushed to every subscribed minion.
// Load is the CBOR-encoded job load; the signature covers Load and is
// made with the master key.
type PubMessage struct {
	Load      []byte `cbor:"load"`
	Signature []byte `cbor:"sig"`
}

// Sign signs the load with the master key.
func (m *PubMessage) Sign(key ed25519.PrivateKey) {
	m.Signature = ed25519.Sign(key, m.Load)
}

// Verify checks the load signature against the pinned master key.
func (m *PubMessage) Verify(public ed25519.PublicKey) error {
	if len(m.Signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(public, m.Load, m.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Shared zstd coders: stateless-safe via EncodeAll/DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// WriteMessage writes v as one frame: 4-byte big-endian body length,
// 1 flag byte, body.
func WriteMessage(w io.Writer, v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encoding message: %w", err)
	}

	flag := flagPlain
	if len(body) > compressThreshold {
		body = zstdEncoder.EncodeAll(body, nil)
		flag = flagZstd
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	header[4] = flag
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadMessage reads one frame into v.
func ReadMessage(r io.Reader, v any) error {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length > maxFrame {
		return fmt.Errorf("transport: frame of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	switch header[4] {
	case flagPlain:
	case flagZstd:
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("transport: decompressing frame: %w", err)
		}
	default:
		return fmt.Errorf("transport: unknown frame flag %d", header[4])
	}
	return codec.Unmarshal(body, v)
}
