// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package pki manages the Ed25519 identities of masters and minions
// and the master's key acceptance store.
//
// Every daemon owns a keypair on disk: <name>.pem (PKCS#8 private
// key) and <name>.pub (PKIX public key), both PEM, under its pki_dir
// (/etc/salt/pki/master or /etc/salt/pki/minion by default). The
// master additionally keeps one directory per acceptance state
// (minions, minions_pre, minions_rejected, minions_denied), each
// holding submitted public keys as files named by minion ID.
package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Keypair is a daemon's signing identity.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// LoadOrCreate returns the keypair <dir>/<name>.pem + <name>.pub,
// generating and persisting a fresh one when the private key file
// does not exist. Private keys are written 0600.
func LoadOrCreate(dir, name string) (*Keypair, error) {
	privatePath := filepath.Join(dir, name+".pem")
	publicPath := filepath.Join(dir, name+".pub")

	if _, err := os.Stat(privatePath); err == nil {
		return load(privatePath)
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pki: generating keypair: %w", err)
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("pki: encoding private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})

	publicPEM, err := EncodePublic(public)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pki: creating %s: %w", dir, err)
	}
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		return nil, fmt.Errorf("pki: writing %s: %w", privatePath, err)
	}
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		return nil, fmt.Errorf("pki: writing %s: %w", publicPath, err)
	}
	return &Keypair{Private: private, Public: public}, nil
}

func load(privatePath string) (*Keypair, error) {
	raw, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("pki: reading %s: %w", privatePath, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("pki: %s is not a PEM private key", privatePath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parsing %s: %w", privatePath, err)
	}
	private, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("pki: %s holds a %T, want Ed25519", privatePath, parsed)
	}
	return &Keypair{
		Private: private,
		Public:  private.Public().(ed25519.PublicKey),
	}, nil
}

// EncodePublic renders an Ed25519 public key as PKIX PEM. This is the
// format submitted to the master and stored in the acceptance dirs.
func EncodePublic(public ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return nil, fmt.Errorf("pki: encoding public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecodePublic parses a PKIX PEM public key.
func DecodePublic(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("pki: not a PEM public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parsing public key: %w", err)
	}
	public, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pki: key is a %T, want Ed25519", parsed)
	}
	return public, nil
}

// Fingerprint is the SHA-256 of the PEM body as colon-separated hex
// pairs, the form salt-key prints for operator verification.
func Fingerprint(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", fmt.Errorf("pki: not PEM data")
	}
	sum := sha256.Sum256(block.Bytes)
	hexSum := hex.EncodeToString(sum[:])
	pairs := make([]string, 0, len(hexSum)/2)
	for i := 0; i < len(hexSum); i += 2 {
		pairs = append(pairs, hexSum[i:i+2])
	}
	return strings.Join(pairs, ":"), nil
}
