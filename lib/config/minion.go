// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MasterType selects how the minion interprets the master setting.
type MasterType string

const (
	// MasterTypeStr treats master as a single address.
	MasterTypeStr MasterType = "str"
	// MasterTypeFailover treats master as an ordered candidate list:
	// the minion connects to the first master that accepts it and
	// fails over to the next on loss of contact.
	MasterTypeFailover MasterType = "failover"
)

// Minion is the minion daemon configuration (/etc/salt/minion).
type Minion struct {
	// ID identifies this minion to the master. Defaults to the
	// machine's FQDN (falling back to hostname).
	ID string `yaml:"id"`

	// Masters holds the configured master address(es). The YAML key
	// is "master" and accepts either a string or a list.
	Masters MasterList `yaml:"master"`

	// MasterType is "str" (default) or "failover".
	MasterType MasterType `yaml:"master_type"`

	// MasterPort is the master's ret_port.
	MasterPort int `yaml:"master_port"`

	// PublishPort is the master's publish_port.
	PublishPort int `yaml:"publish_port"`

	// RandomMaster shuffles the master list before the first
	// connection attempt, spreading minions across masters.
	RandomMaster bool `yaml:"random_master"`

	// MasterAliveInterval is how often a failover minion pings its
	// current master; on failure it rotates to the next candidate.
	// Zero disables the check.
	MasterAliveInterval Duration `yaml:"master_alive_interval"`

	// AcceptanceWaitTime is the delay between authentication
	// attempts while the key is pending on the master.
	AcceptanceWaitTime Duration `yaml:"acceptance_wait_time"`

	// AcceptanceWaitTimeMax caps the backoff that grows from
	// AcceptanceWaitTime. Zero means no growth.
	AcceptanceWaitTimeMax Duration `yaml:"acceptance_wait_time_max"`

	// AuthTries is the number of consecutive authentication failures
	// tolerated per master before giving up on it (failover rotates;
	// single-master minions keep cycling).
	AuthTries int `yaml:"auth_tries"`

	// VerifyMasterSig requires a valid master signature on every
	// publish and reply. The YAML key keeps the documented name.
	VerifyMasterSig *bool `yaml:"master_sign_pubkey"`

	// PKIDir holds minion.pem/minion.pub and the pinned master key.
	PKIDir string `yaml:"pki_dir"`

	// CacheDir holds cached pillar/grains and job state.
	CacheDir string `yaml:"cachedir"`

	// Grains are static grains merged over the collected ones.
	Grains map[string]any `yaml:"grains"`

	// Schedule holds minion-side scheduled module calls.
	Schedule map[string]ScheduleEntry `yaml:"schedule"`

	// FileRoots and PillarRoots serve masterless mode (salt-call
	// --local), where the minion renders states against local trees.
	FileRoots   map[string][]string `yaml:"file_roots"`
	PillarRoots map[string][]string `yaml:"pillar_roots"`

	// LogLevel is the slog level name.
	LogLevel string `yaml:"log_level"`
}

// MasterList accepts a YAML scalar or sequence for the master key.
type MasterList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MasterList) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*m = MasterList{single}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return fmt.Errorf("config: master must be a string or list of strings")
	}
	*m = MasterList(many)
	return nil
}

// LoadMinion loads the minion config from dir, applies defaults, and
// validates.
func LoadMinion(dir string) (*Minion, error) {
	if dir == "" {
		dir = DefaultConfigDir
	}
	m := &Minion{}
	if err := load(filepath.Join(dir, "minion"), filepath.Join(dir, "minion.d"), m); err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (m *Minion) ApplyDefaults() {
	if m.ID == "" {
		if hostname, err := os.Hostname(); err == nil {
			m.ID = hostname
		}
	}
	if len(m.Masters) == 0 {
		m.Masters = MasterList{"salt"}
	}
	if m.MasterType == "" {
		m.MasterType = MasterTypeStr
	}
	if m.MasterPort == 0 {
		m.MasterPort = 4506
	}
	if m.PublishPort == 0 {
		m.PublishPort = 4505
	}
	if m.AcceptanceWaitTime == 0 {
		m.AcceptanceWaitTime = Duration(10 * 1e9)
	}
	if m.AuthTries == 0 {
		m.AuthTries = 7
	}
	if m.VerifyMasterSig == nil {
		verify := true
		m.VerifyMasterSig = &verify
	}
	if m.PKIDir == "" {
		m.PKIDir = "/etc/salt/pki/minion"
	}
	if m.CacheDir == "" {
		m.CacheDir = "/var/cache/salt/minion"
	}
	if m.FileRoots == nil {
		m.FileRoots = map[string][]string{"base": {"/srv/salt"}}
	}
	if m.PillarRoots == nil {
		m.PillarRoots = map[string][]string{"base": {"/srv/pillar"}}
	}
	if m.LogLevel == "" {
		m.LogLevel = "warn"
	}
}

// Validate checks invariants.
func (m *Minion) Validate() error {
	if err := validateID(m.ID); err != nil {
		return err
	}
	if m.MasterType != MasterTypeStr && m.MasterType != MasterTypeFailover {
		return fmt.Errorf("config: unknown master_type %q", m.MasterType)
	}
	if m.MasterType == MasterTypeFailover && len(m.Masters) < 1 {
		return fmt.Errorf("config: master_type failover requires a master list")
	}
	if m.MasterType == MasterTypeStr && len(m.Masters) > 1 {
		return fmt.Errorf("config: multiple masters require master_type: failover")
	}
	if m.AcceptanceWaitTimeMax != 0 && m.AcceptanceWaitTimeMax < m.AcceptanceWaitTime {
		return fmt.Errorf("config: acceptance_wait_time_max is below acceptance_wait_time")
	}
	for name, entry := range m.Schedule {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("config: schedule entry %q: %w", name, err)
		}
	}
	return nil
}

// EnsureDirs creates the runtime directories the minion needs.
func (m *Minion) EnsureDirs() error {
	for _, dir := range []string{m.PKIDir, m.CacheDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}
