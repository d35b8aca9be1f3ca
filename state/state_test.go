// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/saltstack/salt/tgt"
)

// mapSource serves SLS files from memory.
type mapSource map[string]string

func (m mapSource) ReadFile(ctx context.Context, env, relpath string) ([]byte, error) {
	content, ok := m[env+"/"+relpath]
	if !ok {
		return nil, fmt.Errorf("no file %s in env %s", relpath, env)
	}
	return []byte(content), nil
}

func compile(t *testing.T, source mapSource, names ...string) []*Chunk {
	t.Helper()
	compiler := &Compiler{Source: source, Grains: map[string]any{"os": "Ubuntu"}}
	chunks, err := compiler.Compile(context.Background(), "base", names)
	if err != nil {
		t.Fatal(err)
	}
	return chunks
}

func apply(t *testing.T, chunks []*Chunk, test bool) []*Result {
	t.Helper()
	runtime := NewRuntime(nil)
	results, err := runtime.Apply(context.Background(), chunks, test)
	if err != nil {
		t.Fatal(err)
	}
	return results
}

func TestCompileNormalization(t *testing.T) {
	source := mapSource{"base/web.sls": `
vim:
  pkg.installed

/etc/motd:
  file.managed:
    - name: /etc/motd.d/greeting
    - mode: '0600'
    - order: 1
    - require:
      - pkg: vim
`}
	chunks := compile(t, source, "web")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}

	// order: 1 puts the file chunk first.
	file := chunks[0]
	if file.Fun != "file.managed" || file.ID != "/etc/motd" {
		t.Fatalf("first chunk = %s %s", file.Fun, file.ID)
	}
	if file.Name != "/etc/motd.d/greeting" {
		t.Errorf("name = %q", file.Name)
	}
	if file.Args["mode"] != "0600" {
		t.Errorf("mode = %v", file.Args["mode"])
	}
	if len(file.Require) != 1 || file.Require[0] != (Ref{State: "pkg", ID: "vim"}) {
		t.Errorf("require = %v", file.Require)
	}

	pkg := chunks[1]
	if pkg.Fun != "pkg.installed" || pkg.Name != "vim" {
		t.Errorf("second chunk = %s %s", pkg.Fun, pkg.Name)
	}
}

func TestCompileInclude(t *testing.T) {
	source := mapSource{
		"base/app.sls":  "include:\n  - base\napp:\n  test.nop\n",
		"base/base.sls": "groundwork:\n  test.nop\n",
	}
	chunks := compile(t, source, "app")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].ID != "groundwork" {
		t.Errorf("included SLS must compile before the includer, got %s first", chunks[0].ID)
	}
}

func TestRequireRunsDependencyFirst(t *testing.T) {
	source := mapSource{"base/s.sls": `
second:
  test.succeed_without_changes:
    - require:
      - test: first

first:
  test.succeed_without_changes
`}
	results := apply(t, compile(t, source, "s"), false)
	if results[0].ID != "first" || results[1].ID != "second" {
		t.Errorf("run order = %s, %s", results[0].ID, results[1].ID)
	}
	for _, result := range results {
		if !result.Succeeded() {
			t.Errorf("%s failed: %s", result.ID, result.Comment)
		}
	}
}

func TestRequireFailurePropagates(t *testing.T) {
	source := mapSource{"base/s.sls": `
broken:
  test.fail_without_changes

dependent:
  test.succeed_without_changes:
    - require:
      - test: broken
`}
	results := apply(t, compile(t, source, "s"), false)
	byID := map[string]*Result{}
	for _, result := range results {
		byID[result.ID] = result
	}
	if byID["broken"].Succeeded() {
		t.Error("broken must fail")
	}
	dependent := byID["dependent"]
	if dependent.Succeeded() {
		t.Error("dependent must fail when its requisite failed")
	}
	if !strings.Contains(dependent.Comment, "requisite failed") {
		t.Errorf("comment = %q", dependent.Comment)
	}
}

func TestRecursiveRequisiteIsAnError(t *testing.T) {
	source := mapSource{"base/s.sls": `
a:
  test.nop:
    - require:
      - test: b

b:
  test.nop:
    - require:
      - test: a
`}
	runtime := NewRuntime(nil)
	_, err := runtime.Apply(context.Background(), compile(t, source, "s"), false)
	if err == nil || !strings.Contains(err.Error(), "recursive requisite") {
		t.Fatalf("err = %v, want recursive requisite", err)
	}
}

func TestOnChangesGating(t *testing.T) {
	source := mapSource{"base/s.sls": `
quiet:
  test.succeed_without_changes

noisy:
  test.succeed_with_changes

skipped:
  test.nop:
    - onchanges:
      - test: quiet

ran:
  test.nop:
    - onchanges:
      - test: noisy
`}
	results := apply(t, compile(t, source, "s"), false)
	byID := map[string]*Result{}
	for _, result := range results {
		byID[result.ID] = result
	}
	if !strings.Contains(byID["skipped"].Comment, "no changes") {
		t.Errorf("skipped comment = %q", byID["skipped"].Comment)
	}
	if byID["ran"].Comment != "success" {
		t.Errorf("ran comment = %q, state must have executed", byID["ran"].Comment)
	}
}

func TestOnFailGating(t *testing.T) {
	source := mapSource{"base/s.sls": `
fragile:
  test.fail_without_changes

rescue:
  test.nop:
    - onfail:
      - test: fragile

bystander:
  test.succeed_without_changes

not_needed:
  test.nop:
    - onfail:
      - test: bystander
`}
	results := apply(t, compile(t, source, "s"), false)
	byID := map[string]*Result{}
	for _, result := range results {
		byID[result.ID] = result
	}
	if byID["rescue"].Comment != "success" {
		t.Errorf("rescue comment = %q, must run after its onfail target failed", byID["rescue"].Comment)
	}
	if !strings.Contains(byID["not_needed"].Comment, "did not fail") {
		t.Errorf("not_needed comment = %q", byID["not_needed"].Comment)
	}
}

func TestMissingRequisiteFails(t *testing.T) {
	source := mapSource{"base/s.sls": `
orphan:
  test.nop:
    - require:
      - test: ghost
`}
	results := apply(t, compile(t, source, "s"), false)
	if results[0].Succeeded() {
		t.Error("chunk with an unknown requisite must fail")
	}
	if !strings.Contains(results[0].Comment, "not found") {
		t.Errorf("comment = %q", results[0].Comment)
	}
}

func TestFileManagedLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	source := mapSource{"base/s.sls": fmt.Sprintf(`
%s:
  file.managed:
    - contents: "hello\n"
    - mode: '0640'
`, path)}
	chunks := compile(t, source, "s")

	// Test mode predicts the change without creating the file.
	results := apply(t, chunks, true)
	if results[0].Result != nil {
		t.Errorf("test-mode result = %v, want nil", *results[0].Result)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("test mode created the file")
	}

	results = apply(t, chunks, false)
	if !results[0].Succeeded() || len(results[0].Changes) == 0 {
		t.Fatalf("apply failed: %+v", results[0])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello\n" {
		t.Errorf("contents = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	// Second apply is a no-op.
	results = apply(t, chunks, false)
	if len(results[0].Changes) != 0 {
		t.Errorf("second apply reported changes: %v", results[0].Changes)
	}
}

func TestFileManagedFromSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	source := mapSource{
		"base/s.sls": fmt.Sprintf("%s:\n  file.managed:\n    - source: salt://files/nginx.conf\n", path),
	}
	chunks := compile(t, source, "s")

	runtime := NewRuntime(nil)
	runtime.SetFetcher(func(ctx context.Context, env, relpath string) ([]byte, error) {
		if env != "base" || relpath != "files/nginx.conf" {
			return nil, fmt.Errorf("unexpected fetch %s/%s", env, relpath)
		}
		return []byte("worker_processes 2;\n"), nil
	})
	results, err := runtime.Apply(context.Background(), chunks, false)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Succeeded() {
		t.Fatalf("apply failed: %s", results[0].Comment)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "worker_processes 2;\n" {
		t.Errorf("contents = %q", data)
	}
}

func TestCmdRunGuards(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	source := mapSource{"base/s.sls": fmt.Sprintf(`
guarded:
  cmd.run:
    - name: touch %[1]s
    - unless: test -e %[1]s
`, marker)}
	chunks := compile(t, source, "s")

	results := apply(t, chunks, false)
	if !results[0].Succeeded() || len(results[0].Changes) == 0 {
		t.Fatalf("first run: %+v", results[0])
	}

	results = apply(t, chunks, false)
	if results[0].Comment != "unless condition is true" {
		t.Errorf("second run comment = %q", results[0].Comment)
	}
}

func TestCmdRunFailureCode(t *testing.T) {
	source := mapSource{"base/s.sls": "bad:\n  cmd.run:\n    - name: exit 3\n"}
	results := apply(t, compile(t, source, "s"), false)
	if results[0].Succeeded() {
		t.Error("nonzero exit must fail the state")
	}
	if results[0].Changes["retcode"] != 3 {
		t.Errorf("retcode = %v", results[0].Changes["retcode"])
	}
}

func TestPkgInstalled(t *testing.T) {
	source := mapSource{"base/s.sls": "vim:\n  pkg.installed\n"}
	chunks := compile(t, source, "s")

	runtime := NewRuntime(nil)
	backend := NewFakePkgBackend(nil)
	runtime.Pkg = backend

	results, err := runtime.Apply(context.Background(), chunks, false)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Succeeded() || len(results[0].Changes) == 0 {
		t.Fatalf("install: %+v", results[0])
	}
	if installed, _ := backend.Installed(context.Background(), "vim"); !installed {
		t.Error("vim not installed in the backend")
	}

	results, err = runtime.Apply(context.Background(), chunks, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results[0].Changes) != 0 {
		t.Errorf("second install reported changes: %v", results[0].Changes)
	}
}

func TestHighstateTopMatching(t *testing.T) {
	source := mapSource{
		"base/top.sls": `
base:
  '*':
    - common
  'web*':
    - web
  'os:RedHat':
    - match: grain
    - rhel
`,
		"base/common.sls": "common_marker:\n  test.nop\n",
		"base/web.sls":    "web_marker:\n  test.nop\n",
		"base/rhel.sls":   "rhel_marker:\n  test.nop\n",
	}
	compiler := &Compiler{Source: source, Grains: map[string]any{"os": "Ubuntu"}}
	target := tgt.Target{ID: "web1", Grains: map[string]any{"os": "Ubuntu"}}

	chunks, err := compiler.Highstate(context.Background(), target, "base")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, chunk := range chunks {
		ids = append(ids, chunk.ID)
	}
	if len(ids) != 2 || ids[0] != "common_marker" || ids[1] != "web_marker" {
		t.Errorf("ids = %v", ids)
	}
}
