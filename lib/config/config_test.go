// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMasterDefaults(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadMaster(dir)
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if m.PublishPort != 4505 || m.RetPort != 4506 {
		t.Errorf("ports = %d/%d, want 4505/4506", m.PublishPort, m.RetPort)
	}
	if m.WorkerThreads != 5 {
		t.Errorf("worker_threads = %d, want 5", m.WorkerThreads)
	}
	if got := m.FileRoots["base"]; len(got) != 1 || got[0] != "/srv/salt" {
		t.Errorf("file_roots base = %v", got)
	}
	if !*m.SignPubMessages {
		t.Error("sign_pub_messages should default to true")
	}
}

func TestLoadMasterDropInsOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "master"), "worker_threads: 3\nlog_level: info\n")
	writeFile(t, filepath.Join(dir, "master.d", "10-tuning.conf"), "worker_threads: 12\n")

	m, err := LoadMaster(dir)
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if m.WorkerThreads != 12 {
		t.Errorf("worker_threads = %d, want drop-in value 12", m.WorkerThreads)
	}
	if m.LogLevel != "info" {
		t.Errorf("log_level = %q, want base value info", m.LogLevel)
	}
}

func TestReactorSpecYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "master"), `
reactor:
  - 'salt/minion/*/start':
      - /srv/reactor/start.sls
      - /srv/reactor/notify.sls
`)
	m, err := LoadMaster(dir)
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if len(m.Reactor) != 1 {
		t.Fatalf("reactor entries = %d, want 1", len(m.Reactor))
	}
	if m.Reactor[0].TagGlob != "salt/minion/*/start" {
		t.Errorf("tag glob = %q", m.Reactor[0].TagGlob)
	}
	if len(m.Reactor[0].SLS) != 2 {
		t.Errorf("sls list = %v", m.Reactor[0].SLS)
	}
}

func TestMasterPortCollision(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "master"), "publish_port: 4506\n")
	if _, err := LoadMaster(dir); err == nil {
		t.Fatal("expected error for colliding ports")
	}
}

func TestGitfsBackendRequiresRemotes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "master"), "fileserver_backend:\n  - gitfs\n")
	if _, err := LoadMaster(dir); err == nil {
		t.Fatal("expected error for gitfs without remotes")
	}
}

func TestLoadMinionMasterList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "minion"), `
id: web1
master:
  - master1.example.com
  - master2.example.com
master_type: failover
master_alive_interval: 30
`)
	m, err := LoadMinion(dir)
	if err != nil {
		t.Fatalf("LoadMinion: %v", err)
	}
	if len(m.Masters) != 2 {
		t.Fatalf("masters = %v", m.Masters)
	}
	if m.MasterType != MasterTypeFailover {
		t.Errorf("master_type = %q", m.MasterType)
	}
	if m.MasterAliveInterval.Std() != 30*time.Second {
		t.Errorf("master_alive_interval = %v", m.MasterAliveInterval.Std())
	}
}

func TestLoadMinionSingleMasterScalar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "minion"), "id: web1\nmaster: salt.example.com\n")
	m, err := LoadMinion(dir)
	if err != nil {
		t.Fatalf("LoadMinion: %v", err)
	}
	if len(m.Masters) != 1 || m.Masters[0] != "salt.example.com" {
		t.Fatalf("masters = %v", m.Masters)
	}
	if m.AcceptanceWaitTime.Std() != 10*time.Second {
		t.Errorf("acceptance_wait_time = %v, want documented 10s default", m.AcceptanceWaitTime.Std())
	}
	if m.AuthTries != 7 {
		t.Errorf("auth_tries = %d, want 7", m.AuthTries)
	}
}

func TestMultipleMastersWithoutFailoverRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "minion"), "id: web1\nmaster:\n  - a\n  - b\n")
	_, err := LoadMinion(dir)
	if err == nil || !strings.Contains(err.Error(), "failover") {
		t.Fatalf("err = %v, want failover requirement", err)
	}
}

func TestMinionIDValidation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "minion"), "id: ../escape\n")
	if _, err := LoadMinion(dir); err == nil {
		t.Fatal("expected error for path-traversal id")
	}
}

func TestScheduleEntryValidate(t *testing.T) {
	cases := []struct {
		name  string
		entry ScheduleEntry
		ok    bool
	}{
		{"cron", ScheduleEntry{Function: "test.ping", Cron: "*/5 * * * *"}, true},
		{"seconds", ScheduleEntry{Function: "test.ping", Seconds: Duration(60 * 1e9)}, true},
		{"both", ScheduleEntry{Function: "test.ping", Cron: "* * * * *", Seconds: Duration(1e9)}, false},
		{"neither", ScheduleEntry{Function: "test.ping"}, false},
		{"no function", ScheduleEntry{Seconds: Duration(1e9)}, false},
	}
	for _, tc := range cases {
		err := tc.entry.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: err = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestDurationForms(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "minion"), "id: web1\nacceptance_wait_time: 2.5\nmaster_alive_interval: 1m30s\n")
	m, err := LoadMinion(dir)
	if err != nil {
		t.Fatalf("LoadMinion: %v", err)
	}
	if m.AcceptanceWaitTime.Std() != 2500*time.Millisecond {
		t.Errorf("fractional seconds = %v", m.AcceptanceWaitTime.Std())
	}
	if m.MasterAliveInterval.Std() != 90*time.Second {
		t.Errorf("duration string = %v", m.MasterAliveInterval.Std())
	}
}
