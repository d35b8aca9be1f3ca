// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FetchFile resolves a salt:// source URL to file contents. The minion
// wires this to the master's fileserver; masterless mode wires it to
// the local roots backend.
type FetchFile func(ctx context.Context, env, relpath string) ([]byte, error)

func (r *Runtime) registerBuiltins() {
	r.Register("test.nop", stateTestNop)
	r.Register("test.succeed_without_changes", stateTestSucceed)
	r.Register("test.fail_without_changes", stateTestFail)
	r.Register("test.succeed_with_changes", stateTestSucceedChanges)
	r.Register("test.fail_with_changes", stateTestFailChanges)
	r.Register("file.managed", r.stateFileManaged)
	r.Register("file.directory", stateFileDirectory)
	r.Register("file.absent", stateFileAbsent)
	r.Register("file.symlink", stateFileSymlink)
	r.Register("cmd.run", stateCmdRun)
	r.Register("pkg.installed", r.statePkgInstalled)
	r.Register("pkg.removed", r.statePkgRemoved)
}

// SetFetcher wires the salt:// resolver used by file.managed sources.
func (r *Runtime) SetFetcher(fetch FetchFile) { r.fetch = fetch }

func stateTestNop(ctx context.Context, call *Call) (*Outcome, error) {
	return unchanged("success"), nil
}

func stateTestSucceed(ctx context.Context, call *Call) (*Outcome, error) {
	return unchanged("success without changes"), nil
}

func stateTestFail(ctx context.Context, call *Call) (*Outcome, error) {
	return &Outcome{Result: boolPtr(false), Comment: "failure without changes"}, nil
}

func stateTestSucceedChanges(ctx context.Context, call *Call) (*Outcome, error) {
	changes := map[string]any{"testing": map[string]any{"old": "unchanged", "new": "something pretended to change"}}
	if call.Test {
		return wouldChange("would report changes", changes), nil
	}
	return applied("success with changes", changes), nil
}

func stateTestFailChanges(ctx context.Context, call *Call) (*Outcome, error) {
	changes := map[string]any{"testing": map[string]any{"old": "unchanged", "new": "something pretended to change"}}
	return &Outcome{Result: boolPtr(false), Comment: "failure with changes", Changes: changes}, nil
}

// parseMode reads an octal file mode argument ("0644").
func parseMode(call *Call, fallback os.FileMode) (os.FileMode, error) {
	raw, ok := call.Args["mode"]
	if !ok {
		return fallback, nil
	}
	var text string
	switch value := raw.(type) {
	case string:
		text = value
	case int:
		text = strconv.Itoa(value)
	default:
		return 0, fmt.Errorf("mode must be a string or integer, got %T", raw)
	}
	parsed, err := strconv.ParseUint(text, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", text, err)
	}
	return os.FileMode(parsed), nil
}

// sourceContents resolves the desired contents of a managed file from
// either the contents argument or a salt:// source.
func (r *Runtime) sourceContents(ctx context.Context, call *Call) ([]byte, error) {
	if contents, ok := call.Args["contents"].(string); ok {
		return []byte(contents), nil
	}
	source, ok := call.Args["source"].(string)
	if !ok {
		return nil, fmt.Errorf("file.managed needs contents or source")
	}
	relpath, ok := strings.CutPrefix(source, "salt://")
	if !ok {
		return nil, fmt.Errorf("unsupported source scheme in %q", source)
	}
	if r.fetch == nil {
		return nil, fmt.Errorf("no fileserver available for source %q", source)
	}
	env := call.StringArg("saltenv", "base")
	return r.fetch(ctx, env, relpath)
}

func (r *Runtime) stateFileManaged(ctx context.Context, call *Call) (*Outcome, error) {
	want, err := r.sourceContents(ctx, call)
	if err != nil {
		return nil, err
	}
	mode, err := parseMode(call, 0o644)
	if err != nil {
		return nil, err
	}

	path := call.Name
	current, readErr := os.ReadFile(path)
	info, statErr := os.Stat(path)
	contentOK := readErr == nil && bytes.Equal(current, want)
	modeOK := statErr == nil && info.Mode().Perm() == mode
	if contentOK && modeOK {
		return unchanged(fmt.Sprintf("file %s is in the correct state", path)), nil
	}

	changes := map[string]any{}
	if !contentOK {
		changes["diff"] = "content updated"
	}
	if !modeOK {
		changes["mode"] = mode.String()
	}
	if call.Test {
		return wouldChange(fmt.Sprintf("file %s would be updated", path), changes), nil
	}

	if call.BoolArg("makedirs", false) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, want, mode); err != nil {
		return nil, err
	}
	// WriteFile does not chmod an existing file.
	if err := os.Chmod(path, mode); err != nil {
		return nil, err
	}
	return applied(fmt.Sprintf("file %s updated", path), changes), nil
}

func stateFileDirectory(ctx context.Context, call *Call) (*Outcome, error) {
	mode, err := parseMode(call, 0o755)
	if err != nil {
		return nil, err
	}
	path := call.Name
	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() && info.Mode().Perm() == mode {
		return unchanged(fmt.Sprintf("directory %s is in the correct state", path)), nil
	}
	if statErr == nil && !info.IsDir() {
		return nil, fmt.Errorf("%s exists and is not a directory", path)
	}

	changes := map[string]any{"directory": "new"}
	if statErr == nil {
		changes = map[string]any{"mode": mode.String()}
	}
	if call.Test {
		return wouldChange(fmt.Sprintf("directory %s would be created", path), changes), nil
	}
	if err := os.MkdirAll(path, mode); err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		return nil, err
	}
	return applied(fmt.Sprintf("directory %s updated", path), changes), nil
}

func stateFileAbsent(ctx context.Context, call *Call) (*Outcome, error) {
	path := call.Name
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return unchanged(fmt.Sprintf("%s is already absent", path)), nil
	}
	changes := map[string]any{"removed": path}
	if call.Test {
		return wouldChange(fmt.Sprintf("%s would be removed", path), changes), nil
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, err
	}
	return applied(fmt.Sprintf("removed %s", path), changes), nil
}

func stateFileSymlink(ctx context.Context, call *Call) (*Outcome, error) {
	target, ok := call.Args["target"].(string)
	if !ok {
		return nil, fmt.Errorf("file.symlink needs a target")
	}
	path := call.Name
	current, err := os.Readlink(path)
	if err == nil && current == target {
		return unchanged(fmt.Sprintf("symlink %s is in the correct state", path)), nil
	}

	changes := map[string]any{"new": map[string]any{"symlink": path, "target": target}}
	if call.Test {
		return wouldChange(fmt.Sprintf("symlink %s would point to %s", path, target), changes), nil
	}
	if err == nil || !os.IsNotExist(err) {
		// Replace whatever occupies the path, dangling link included.
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, removeErr
		}
	}
	if err := os.Symlink(target, path); err != nil {
		return nil, err
	}
	return applied(fmt.Sprintf("symlink %s -> %s", path, target), changes), nil
}

// runShell executes command through the shell and returns its combined
// output and exit status.
func runShell(ctx context.Context, command, cwd string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), exitErr.ExitCode(), nil
		}
		return string(output), -1, err
	}
	return string(output), 0, nil
}

func stateCmdRun(ctx context.Context, call *Call) (*Outcome, error) {
	cwd := call.StringArg("cwd", "")

	// creates: skip when the named path already exists.
	if creates, ok := call.Args["creates"].(string); ok {
		if _, err := os.Stat(creates); err == nil {
			return unchanged(fmt.Sprintf("%s exists", creates)), nil
		}
	}
	// unless: skip when the guard succeeds.
	if unless, ok := call.Args["unless"].(string); ok {
		if _, code, err := runShell(ctx, unless, cwd); err == nil && code == 0 {
			return unchanged("unless condition is true"), nil
		}
	}
	// onlyif: skip unless the guard succeeds.
	if onlyif, ok := call.Args["onlyif"].(string); ok {
		if _, code, err := runShell(ctx, onlyif, cwd); err != nil || code != 0 {
			return unchanged("onlyif condition is false"), nil
		}
	}

	if call.Test {
		return wouldChange(fmt.Sprintf("command %q would be run", call.Name), nil), nil
	}

	output, code, err := runShell(ctx, call.Name, cwd)
	if err != nil {
		return nil, err
	}
	changes := map[string]any{"stdout": strings.TrimRight(output, "\n"), "retcode": code}
	if code != 0 {
		return &Outcome{
			Result:  boolPtr(false),
			Comment: fmt.Sprintf("command %q exited with code %d", call.Name, code),
			Changes: changes,
		}, nil
	}
	return applied(fmt.Sprintf("command %q run", call.Name), changes), nil
}

// PkgBackend abstracts the package manager behind pkg.* states.
type PkgBackend interface {
	// Installed reports whether name is installed.
	Installed(ctx context.Context, name string) (bool, error)

	// Install installs name.
	Install(ctx context.Context, name string) error

	// Remove uninstalls name.
	Remove(ctx context.Context, name string) error
}

// FakePkgBackend tracks package state in memory. It backs tests and
// hosts without a supported package manager.
type FakePkgBackend struct {
	mu       sync.Mutex
	packages map[string]bool
}

// NewFakePkgBackend returns a backend with the given packages
// pre-installed.
func NewFakePkgBackend(installed []string) *FakePkgBackend {
	packages := map[string]bool{}
	for _, name := range installed {
		packages[name] = true
	}
	return &FakePkgBackend{packages: packages}
}

var _ PkgBackend = (*FakePkgBackend)(nil)

func (f *FakePkgBackend) Installed(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packages[name], nil
}

func (f *FakePkgBackend) Install(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packages[name] = true
	return nil
}

func (f *FakePkgBackend) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packages, name)
	return nil
}

func (r *Runtime) statePkgInstalled(ctx context.Context, call *Call) (*Outcome, error) {
	name := call.Name
	installed, err := r.Pkg.Installed(ctx, name)
	if err != nil {
		return nil, err
	}
	if installed {
		return unchanged(fmt.Sprintf("package %s is already installed", name)), nil
	}
	changes := map[string]any{name: map[string]any{"old": "", "new": "installed"}}
	if call.Test {
		return wouldChange(fmt.Sprintf("package %s would be installed", name), changes), nil
	}
	if err := r.Pkg.Install(ctx, name); err != nil {
		return nil, err
	}
	return applied(fmt.Sprintf("package %s installed", name), changes), nil
}

func (r *Runtime) statePkgRemoved(ctx context.Context, call *Call) (*Outcome, error) {
	name := call.Name
	installed, err := r.Pkg.Installed(ctx, name)
	if err != nil {
		return nil, err
	}
	if !installed {
		return unchanged(fmt.Sprintf("package %s is not installed", name)), nil
	}
	changes := map[string]any{name: map[string]any{"old": "installed", "new": ""}}
	if call.Test {
		return wouldChange(fmt.Sprintf("package %s would be removed", name), changes), nil
	}
	if err := r.Pkg.Remove(ctx, name); err != nil {
		return nil, err
	}
	return applied(fmt.Sprintf("package %s removed", name), changes), nil
}
