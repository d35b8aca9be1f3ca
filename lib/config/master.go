// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Master is the master daemon configuration (/etc/salt/master).
type Master struct {
	// Interface is the address the master binds both ports on.
	// Default "0.0.0.0".
	Interface string `yaml:"interface"`

	// PublishPort carries published jobs to subscribed minions.
	PublishPort int `yaml:"publish_port"`

	// RetPort carries authentication, job returns, pillar and
	// fileserver requests.
	RetPort int `yaml:"ret_port"`

	// PKIDir holds master.pem/master.pub and the minion key
	// acceptance directories (minions, minions_pre, minions_rejected,
	// minions_denied).
	PKIDir string `yaml:"pki_dir"`

	// CacheDir holds the job cache, gitfs checkouts, and the local
	// client root key.
	CacheDir string `yaml:"cachedir"`

	// SockDir holds the event publisher socket.
	SockDir string `yaml:"sock_dir"`

	// WorkerThreads is the number of goroutines serving request
	// traffic on ret_port.
	WorkerThreads int `yaml:"worker_threads"`

	// KeepJobs is how long job cache entries are retained.
	KeepJobs Duration `yaml:"keep_jobs"`

	// LoopInterval drives the maintenance loop: fileserver updates,
	// job cache pruning, scheduler evaluation.
	LoopInterval Duration `yaml:"loop_interval"`

	// Timeout is the default CLI timeout for command returns.
	Timeout Duration `yaml:"timeout"`

	// AutoAccept accepts every new minion key without operator
	// action. For development only.
	AutoAccept bool `yaml:"auto_accept"`

	// OpenMode skips key verification entirely. For development only.
	OpenMode bool `yaml:"open_mode"`

	// SignPubMessages controls signing of published jobs. Publishes
	// are always signed; setting this false lets minions with
	// enforcement disabled talk to older masters. Default true.
	SignPubMessages *bool `yaml:"sign_pub_messages"`

	// FileserverBackend orders the fileserver backends. Supported:
	// "roots", "gitfs". Default ["roots"].
	FileserverBackend []string `yaml:"fileserver_backend"`

	// FileRoots maps environment names to directory lists for the
	// roots backend.
	FileRoots map[string][]string `yaml:"file_roots"`

	// PillarRoots maps environment names to directory lists for
	// pillar compilation.
	PillarRoots map[string][]string `yaml:"pillar_roots"`

	// GitfsRemotes lists git URLs served by the gitfs backend.
	GitfsRemotes []string `yaml:"gitfs_remotes"`

	// GitfsBase is the branch presented as the "base" environment.
	GitfsBase string `yaml:"gitfs_base"`

	// SealedKeyFile is the age identity used to decrypt !sealed
	// pillar values. Empty disables the sealed renderer.
	SealedKeyFile string `yaml:"sealed_key_file"`

	// Reactor maps event tag globs to reactor SLS files.
	Reactor []ReactorSpec `yaml:"reactor"`

	// ReactorWorkerThreads bounds concurrent reactions.
	ReactorWorkerThreads int `yaml:"reactor_worker_threads"`

	// Nodegroups maps group names to compound target expressions.
	Nodegroups map[string]string `yaml:"nodegroups"`

	// Schedule holds master-side scheduled jobs (runner calls).
	Schedule map[string]ScheduleEntry `yaml:"schedule"`

	// LogLevel is the slog level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// ReactorSpec binds one event tag glob to the reactor SLS files
// rendered when a matching event fires. In YAML this is the
// documented single-pair-map form:
//
//	reactor:
//	  - 'salt/minion/*/start':
//	      - /srv/reactor/start.sls
type ReactorSpec struct {
	TagGlob string
	SLS     []string
}

// UnmarshalYAML accepts the single-pair map form.
func (r *ReactorSpec) UnmarshalYAML(unmarshal func(any) error) error {
	var pair map[string][]string
	if err := unmarshal(&pair); err != nil {
		return fmt.Errorf("config: reactor entry must map one tag glob to a list of SLS files: %w", err)
	}
	if len(pair) != 1 {
		return fmt.Errorf("config: reactor entry must contain exactly one tag glob, got %d", len(pair))
	}
	for tag, sls := range pair {
		r.TagGlob = tag
		r.SLS = sls
	}
	return nil
}

// MarshalYAML renders the single-pair map form.
func (r ReactorSpec) MarshalYAML() (any, error) {
	return map[string][]string{r.TagGlob: r.SLS}, nil
}

// ScheduleEntry is one scheduled job. Exactly one of Cron or Seconds
// must be set.
type ScheduleEntry struct {
	// Function is the module (minion) or runner (master) function.
	Function string `yaml:"function"`

	// Args are positional arguments for the function.
	Args []any `yaml:"args"`

	// Cron is a 5-field cron expression.
	Cron string `yaml:"cron"`

	// Seconds is a fixed interval between runs.
	Seconds Duration `yaml:"seconds"`

	// Splay delays each run by a random duration up to this bound,
	// spreading load when many minions share a schedule.
	Splay Duration `yaml:"splay"`

	// MaxRunning bounds concurrent runs of this entry. Default 1.
	MaxRunning int `yaml:"maxrunning"`
}

// LoadMaster loads the master config from dir (DefaultConfigDir when
// empty), applies defaults, and validates.
func LoadMaster(dir string) (*Master, error) {
	if dir == "" {
		dir = DefaultConfigDir
	}
	m := &Master{}
	if err := load(filepath.Join(dir, "master"), filepath.Join(dir, "master.d"), m); err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (m *Master) ApplyDefaults() {
	if m.Interface == "" {
		m.Interface = "0.0.0.0"
	}
	if m.PublishPort == 0 {
		m.PublishPort = 4505
	}
	if m.RetPort == 0 {
		m.RetPort = 4506
	}
	if m.PKIDir == "" {
		m.PKIDir = "/etc/salt/pki/master"
	}
	if m.CacheDir == "" {
		m.CacheDir = "/var/cache/salt/master"
	}
	if m.SockDir == "" {
		m.SockDir = "/var/run/salt/master"
	}
	if m.WorkerThreads == 0 {
		m.WorkerThreads = 5
	}
	if m.KeepJobs == 0 {
		m.KeepJobs = Duration(24 * 60 * 60 * 1e9) // 24h
	}
	if m.LoopInterval == 0 {
		m.LoopInterval = Duration(60 * 1e9)
	}
	if m.Timeout == 0 {
		m.Timeout = Duration(5 * 1e9)
	}
	if m.SignPubMessages == nil {
		signed := true
		m.SignPubMessages = &signed
	}
	if len(m.FileserverBackend) == 0 {
		m.FileserverBackend = []string{"roots"}
	}
	if m.FileRoots == nil {
		m.FileRoots = map[string][]string{"base": {"/srv/salt"}}
	}
	if m.PillarRoots == nil {
		m.PillarRoots = map[string][]string{"base": {"/srv/pillar"}}
	}
	if m.GitfsBase == "" {
		m.GitfsBase = "master"
	}
	if m.ReactorWorkerThreads == 0 {
		m.ReactorWorkerThreads = 10
	}
	if m.LogLevel == "" {
		m.LogLevel = "warn"
	}
}

// Validate checks invariants that would otherwise surface as
// confusing runtime failures.
func (m *Master) Validate() error {
	if m.PublishPort == m.RetPort {
		return fmt.Errorf("config: publish_port and ret_port must differ (both %d)", m.RetPort)
	}
	for _, backend := range m.FileserverBackend {
		switch backend {
		case "roots", "gitfs":
		default:
			return fmt.Errorf("config: unknown fileserver backend %q", backend)
		}
		if backend == "gitfs" && len(m.GitfsRemotes) == 0 {
			return fmt.Errorf("config: fileserver_backend lists gitfs but gitfs_remotes is empty")
		}
	}
	for env, dirs := range m.FileRoots {
		if len(dirs) == 0 {
			return fmt.Errorf("config: file_roots environment %q has no directories", env)
		}
	}
	for name, entry := range m.Schedule {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("config: schedule entry %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks the entry is runnable.
func (e ScheduleEntry) Validate() error {
	if e.Function == "" {
		return fmt.Errorf("function is required")
	}
	if (e.Cron == "") == (e.Seconds == 0) {
		return fmt.Errorf("exactly one of cron or seconds must be set")
	}
	if e.MaxRunning < 0 {
		return fmt.Errorf("maxrunning must not be negative")
	}
	return nil
}

// RootKeyPath is where the master drops the token that authorizes
// local clients (salt, salt-run, salt-key) to publish.
func (m *Master) RootKeyPath() string {
	return filepath.Join(m.CacheDir, ".root_key")
}

// EnsureDirs creates the runtime directories the master needs.
func (m *Master) EnsureDirs() error {
	for _, dir := range []string{m.PKIDir, m.CacheDir, m.SockDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}
