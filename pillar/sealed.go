// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package pillar

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Seal encrypts plaintext to the recipient age public keys and returns
// base64 ciphertext for a !sealed pillar value. Operators run this via
// "salt-run pillar.seal" so secrets never sit unencrypted in the
// pillar tree.
func Seal(plaintext string, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("pillar: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("pillar: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("pillar: creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, plaintext); err != nil {
		return "", fmt.Errorf("pillar: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("pillar: finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Unsealer decrypts !sealed pillar values with the master's age
// identity.
type Unsealer struct {
	identity *age.X25519Identity
}

// LoadIdentity reads an age identity from path. Comment lines and
// blank lines are skipped, matching the format age-keygen writes.
func LoadIdentity(path string) (*Unsealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pillar: reading sealed key file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("pillar: parsing sealed key file %s: %w", path, err)
		}
		return &Unsealer{identity: identity}, nil
	}
	return nil, fmt.Errorf("pillar: no identity found in %s", path)
}

// GenerateIdentity creates a fresh age identity at path (0600) and
// returns its recipient public key. Refuses to overwrite.
func GenerateIdentity(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("pillar: %s already exists", path)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("pillar: generating identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	recipient := identity.Recipient().String()
	content := fmt.Sprintf("# public key: %s\n%s\n", recipient, identity.String())
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("pillar: writing sealed key file: %w", err)
	}
	return recipient, nil
}

// Recipient returns the public key values should be sealed to.
func (u *Unsealer) Recipient() string {
	return u.identity.Recipient().String()
}

// Unseal decrypts one base64 ciphertext produced by Seal.
func (u *Unsealer) Unseal(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("pillar: decoding sealed value: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), u.identity)
	if err != nil {
		return "", fmt.Errorf("pillar: decrypting sealed value: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("pillar: reading sealed value: %w", err)
	}
	return string(plaintext), nil
}
