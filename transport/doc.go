// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries traffic between master and minions over
// TCP. The master binds two ports:
//
//   - ret_port (4506): request/reply. Minions authenticate, deliver
//     job returns, and fetch pillar and files here; local clients
//     (salt, salt-run, salt-key) publish commands and call runners.
//   - publish_port (4505): one long-lived connection per minion. The
//     master pushes each published job to every subscribed minion;
//     minions match targets locally.
//
// Every message is a length-prefixed frame holding CBOR, with bodies
// above a threshold zstd-compressed (a flag byte in the frame header
// says which). Requests are signed with the sender's Ed25519 key and
// verified against the accepted key store; replies and publishes are
// signed with the master's key and verified by minions against the
// master key pinned at first authentication. The TCP stream itself is
// not encrypted; confidential payloads (pillar) ride inside it
// sealed to the requesting minion.
package transport
