// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// Kind-specific payload shapes shared by the master, the minion, and
// local clients. Everything rides inside Request.Payload / Reply.Payload
// as CBOR.

// AuthPayload is the KindAuth body: the minion submits its public key
// and current grains. The request signature is made with the submitted
// key itself; acceptance is decided by the key store, not the
// signature.
type AuthPayload struct {
	// PubPEM is the minion's public key, PKIX PEM.
	PubPEM []byte `cbor:"pub"`

	// Grains are the minion's grains, cached by the master for
	// target prediction.
	Grains map[string]any `cbor:"grains,omitempty"`

	// Version is the minion's software version.
	Version string `cbor:"version,omitempty"`
}

// AuthResult answers KindAuth.
type AuthResult struct {
	// State is the key's acceptance state after this submission:
	// accepted, pending, rejected, or denied.
	State string `cbor:"state"`

	// MasterPubPEM is the master's public key, returned only once the
	// key is accepted. The minion pins it for publish verification.
	MasterPubPEM []byte `cbor:"master_pub,omitempty"`
}

// ReturnPayload is the KindReturn body: one minion's answer for one
// job.
type ReturnPayload struct {
	JID     string `cbor:"jid"`
	Fun     string `cbor:"fun"`
	Return  any    `cbor:"return"`
	Success bool   `cbor:"success"`
	Retcode int    `cbor:"retcode"`
}

// PillarPayload is the KindPillar body.
type PillarPayload struct {
	// Env selects the pillar environment, "base" when empty.
	Env string `cbor:"env,omitempty"`
}

// PillarResult answers KindPillar with the pillar compiled for the
// requesting minion.
type PillarResult struct {
	Pillar map[string]any `cbor:"pillar"`
}

// Fileserver sub-operations carried in FilePayload.Op.
const (
	FileOpEnvs = "envs"
	FileOpList = "file_list"
	FileOpFind = "find"
	FileOpHash = "hash"
	FileOpRead = "read"
)

// FilePayload is the KindFile body.
type FilePayload struct {
	Op   string `cbor:"op"`
	Env  string `cbor:"env,omitempty"`
	Path string `cbor:"path,omitempty"`
}

// FileResult answers KindFile; which fields are set depends on Op.
type FileResult struct {
	Envs  []string `cbor:"envs,omitempty"`
	Files []string `cbor:"files,omitempty"`
	Found bool     `cbor:"found,omitempty"`
	Hash  string   `cbor:"hash,omitempty"`
	Data  []byte   `cbor:"data,omitempty"`
}

// PublishPayload is the KindPublish body: a local client asking the
// master to publish a command.
type PublishPayload struct {
	Fun        string `cbor:"fun"`
	Args       []any  `cbor:"arg,omitempty"`
	Target     string `cbor:"tgt"`
	TargetKind string `cbor:"tgt_type,omitempty"`
}

// PublishResult answers KindPublish with the assigned jid and the
// predicted audience.
type PublishResult struct {
	JID     string   `cbor:"jid"`
	Minions []string `cbor:"minions"`
}

// JobLoad is the published job pushed to every subscriber inside
// PubMessage.Load. Each minion matches Target against itself and
// either runs the job or ignores it.
type JobLoad struct {
	JID        string `cbor:"jid"`
	Fun        string `cbor:"fun"`
	Args       []any  `cbor:"arg,omitempty"`
	Target     string `cbor:"tgt"`
	TargetKind string `cbor:"tgt_type"`
	User       string `cbor:"user,omitempty"`
}

// RunnerPayload is the KindRunner body.
type RunnerPayload struct {
	Fun    string         `cbor:"fun"`
	Args   []any          `cbor:"arg,omitempty"`
	Kwargs map[string]any `cbor:"kwarg,omitempty"`
}

// RunnerResult answers KindRunner.
type RunnerResult struct {
	Return any `cbor:"return"`
}

// WheelPayload is the KindWheel body.
type WheelPayload struct {
	Fun  string         `cbor:"fun"`
	Args map[string]any `cbor:"arg,omitempty"`
}

// WheelResult answers KindWheel.
type WheelResult struct {
	Return any `cbor:"return"`
}

// JobLookupPayload is the KindJobLookup body.
type JobLookupPayload struct {
	JID string `cbor:"jid"`
}

// JobReturnEntry is one minion's return inside a JobLookupResult.
type JobReturnEntry struct {
	Return  any  `cbor:"return"`
	Success bool `cbor:"success"`
	Retcode int  `cbor:"retcode"`
}

// JobLookupResult answers KindJobLookup. Found is false for unknown
// jids.
type JobLookupResult struct {
	Found   bool                      `cbor:"found"`
	Fun     string                    `cbor:"fun,omitempty"`
	Target  string                    `cbor:"tgt,omitempty"`
	Minions []string                  `cbor:"minions,omitempty"`
	Returns map[string]JobReturnEntry `cbor:"returns,omitempty"`
}

// MinionsPayload is the KindMinions body: ask the master which minions
// a target expression addresses.
type MinionsPayload struct {
	Target     string `cbor:"tgt"`
	TargetKind string `cbor:"tgt_type,omitempty"`
}

// MinionsResult answers KindMinions.
type MinionsResult struct {
	Minions []string `cbor:"minions"`
}
