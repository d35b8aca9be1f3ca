// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package pillar

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/saltstack/salt/lib/testutil"
	"github.com/saltstack/salt/tgt"
)

func webTarget() tgt.Target {
	return tgt.Target{
		ID: "web1",
		Grains: map[string]any{
			"os":        "Ubuntu",
			"os_family": "Debian",
			"roles":     []any{"frontend"},
		},
	}
}

func newCompiler(t *testing.T, files map[string]string) *Compiler {
	t.Helper()
	root := testutil.WriteTree(t, t.TempDir(), files)
	return NewCompilerFromRoots(map[string][]string{"base": {root}}, nil)
}

func TestCompileMatchesAndMerges(t *testing.T) {
	compiler := newCompiler(t, map[string]string{
		"top.sls": `
base:
  '*':
    - common
  'web*':
    - web
  'db*':
    - db
`,
		"common.sls": "ntp:\n  server: pool.ntp.org\nzone: UTC\n",
		"web.sls":    "ntp:\n  server: web-ntp.internal\nnginx:\n  workers: 4\n",
		"db.sls":     "postgres:\n  version: 16\n",
	})

	pillar, err := compiler.Compile(webTarget(), "base")
	if err != nil {
		t.Fatal(err)
	}

	// web.sls is declared after common.sls, so its ntp server wins.
	ntp := pillar["ntp"].(map[string]any)
	if ntp["server"] != "web-ntp.internal" {
		t.Errorf("ntp.server = %v", ntp["server"])
	}
	if pillar["zone"] != "UTC" {
		t.Errorf("zone = %v, earlier keys must survive the merge", pillar["zone"])
	}
	if _, ok := pillar["postgres"]; ok {
		t.Error("db.sls leaked into a web minion's pillar")
	}
}

func TestCompileGrainMatcher(t *testing.T) {
	compiler := newCompiler(t, map[string]string{
		"top.sls": `
base:
  'os_family:Debian':
    - match: grain
    - apt
`,
		"apt.sls": "apt:\n  proxy: http://cache:3142\n",
	})

	pillar, err := compiler.Compile(webTarget(), "base")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pillar["apt"]; !ok {
		t.Error("grain-matched SLS missing from pillar")
	}

	redhat := tgt.Target{ID: "rh1", Grains: map[string]any{"os_family": "RedHat"}}
	pillar, err = compiler.Compile(redhat, "base")
	if err != nil {
		t.Fatal(err)
	}
	if len(pillar) != 0 {
		t.Errorf("pillar = %v, want empty for non-matching grains", pillar)
	}
}

func TestCompileIncludeAndTemplates(t *testing.T) {
	compiler := newCompiler(t, map[string]string{
		"top.sls": "base:\n  '*':\n    - app\n",
		"app.sls": `
include:
  - defaults
app:
  listen: '{{ grain "os" }}-host'
  debug: false
`,
		"defaults.sls": "app:\n  debug: true\n  retries: 3\n",
	})

	pillar, err := compiler.Compile(webTarget(), "base")
	if err != nil {
		t.Fatal(err)
	}
	app := pillar["app"].(map[string]any)
	if app["debug"] != false {
		t.Error("including file must override its includes")
	}
	if app["retries"] != 3 {
		t.Errorf("retries = %v, include values must survive", app["retries"])
	}
	if app["listen"] != "Ubuntu-host" {
		t.Errorf("listen = %v, template grain lookup failed", app["listen"])
	}
}

func TestCompileIncludeCycle(t *testing.T) {
	compiler := newCompiler(t, map[string]string{
		"top.sls": "base:\n  '*':\n    - a\n",
		"a.sls":   "include:\n  - b\nfrom_a: 1\n",
		"b.sls":   "include:\n  - a\nfrom_b: 1\n",
	})

	pillar, err := compiler.Compile(webTarget(), "base")
	if err != nil {
		t.Fatal(err)
	}
	if pillar["from_a"] != 1 || pillar["from_b"] != 1 {
		t.Errorf("pillar = %v, cycle must resolve with both files merged", pillar)
	}
}

func TestCompileMissingTopYieldsEmptyPillar(t *testing.T) {
	compiler := NewCompilerFromRoots(map[string][]string{"base": {t.TempDir()}}, nil)
	pillar, err := compiler.Compile(webTarget(), "base")
	if err != nil {
		t.Fatal(err)
	}
	if len(pillar) != 0 {
		t.Errorf("pillar = %v", pillar)
	}
}

func TestSealedValueRoundTrip(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "pillar.key")
	recipient, err := GenerateIdentity(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	unsealer, err := LoadIdentity(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if unsealer.Recipient() != recipient {
		t.Fatalf("recipient mismatch: %s vs %s", unsealer.Recipient(), recipient)
	}

	ciphertext, err := Seal("hunter2", []string{recipient})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(ciphertext, "hunter2") {
		t.Fatal("plaintext visible in ciphertext")
	}

	compiler := newCompiler(t, map[string]string{
		"top.sls":     "base:\n  '*':\n    - secrets\n",
		"secrets.sls": "db_password: !sealed " + ciphertext + "\n",
	})
	compiler.unsealer = unsealer

	pillar, err := compiler.Compile(webTarget(), "base")
	if err != nil {
		t.Fatal(err)
	}
	if pillar["db_password"] != "hunter2" {
		t.Errorf("db_password = %v", pillar["db_password"])
	}
}

func TestSealedValueWithoutKeyFails(t *testing.T) {
	compiler := newCompiler(t, map[string]string{
		"top.sls":     "base:\n  '*':\n    - secrets\n",
		"secrets.sls": "db_password: !sealed aGVsbG8=\n",
	})
	if _, err := compiler.Compile(webTarget(), "base"); err == nil {
		t.Fatal("sealed value without sealed_key_file must fail compilation")
	}
}

func TestGenerateIdentityRefusesOverwrite(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "pillar.key")
	if _, err := GenerateIdentity(keyFile); err != nil {
		t.Fatal(err)
	}
	if _, err := GenerateIdentity(keyFile); err == nil {
		t.Fatal("second GenerateIdentity must refuse to overwrite")
	}
}
