// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package event is the master's event system: the Event type, the
// tag namespace helpers, an in-process Bus with glob-filtered
// subscriptions, and a unix-socket publisher that external processes
// (salt-run state.event, the reactor in other processes, operator
// tooling) attach to.
//
// An event is a free-form tag (slash-joined path segments) paired
// with a data map. Tags namespace the firehose: authentication
// attempts under salt/auth, key lifecycle under salt/key, job
// activity under salt/job/<jid>/..., minion lifecycle under
// salt/minion/<id>/....
package event

import (
	"strings"
	"time"
)

// TagPrefix is the base segment of all standard tags.
const TagPrefix = "salt"

// Standard tag components.
const (
	NamespaceAuth       = "auth"
	NamespaceKey        = "key"
	NamespaceJob        = "job"
	NamespaceMinion     = "minion"
	NamespaceRun        = "run"
	NamespaceFileserver = "fileserver"
	NamespaceSched      = "sched"
)

// Event is one tagged occurrence on the bus. Data is CBOR-encodable;
// in practice string-keyed maps of scalars, lists, and nested maps.
type Event struct {
	// Tag is the slash-joined event tag.
	Tag string `cbor:"tag"`

	// Data is the event payload. The master stamps _stamp (RFC3339
	// UTC) into every published event's data.
	Data map[string]any `cbor:"data"`
}

// Tagify joins parts under the salt/ prefix, skipping empties:
// Tagify("job", jid, "ret", id) -> "salt/job/<jid>/ret/<id>".
func Tagify(parts ...string) string {
	joined := make([]string, 0, len(parts)+1)
	joined = append(joined, TagPrefix)
	for _, part := range parts {
		if part != "" {
			joined = append(joined, part)
		}
	}
	return strings.Join(joined, "/")
}

// AuthTag is the tag for minion authentication events.
func AuthTag() string { return Tagify(NamespaceAuth) }

// KeyTag is the tag for key lifecycle events (accept/reject/delete).
func KeyTag() string { return Tagify(NamespaceKey) }

// JobNewTag announces a published job.
func JobNewTag(jid string) string { return Tagify(NamespaceJob, jid, "new") }

// JobRetTag carries one minion's return for a job.
func JobRetTag(jid, minionID string) string {
	return Tagify(NamespaceJob, jid, "ret", minionID)
}

// MinionStartTag announces a minion (re)connecting to the master.
func MinionStartTag(minionID string) string {
	return Tagify(NamespaceMinion, minionID, "start")
}

// Stamp returns data with the _stamp key set to now in RFC3339Nano
// UTC, copying so callers' maps are not mutated.
func Stamp(data map[string]any, now time.Time) map[string]any {
	stamped := make(map[string]any, len(data)+1)
	for k, v := range data {
		stamped[k] = v
	}
	stamped["_stamp"] = now.UTC().Format(time.RFC3339Nano)
	return stamped
}
