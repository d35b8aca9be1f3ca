// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saltstack/salt/lib/clock"
)

// Result is the outcome of one chunk.
type Result struct {
	// ID, SLS, Fun and Name identify the chunk.
	ID   string `cbor:"__id__" yaml:"__id__"`
	SLS  string `cbor:"__sls__" yaml:"__sls__"`
	Fun  string `cbor:"fun" yaml:"fun"`
	Name string `cbor:"name" yaml:"name"`

	// Result is true on success, false on failure, nil when test mode
	// predicts a change.
	Result *bool `cbor:"result" yaml:"result"`

	// Changes describes what was (or would be) modified.
	Changes map[string]any `cbor:"changes" yaml:"changes"`

	// Comment explains the outcome.
	Comment string `cbor:"comment" yaml:"comment"`

	// Duration is the function's execution time.
	Duration time.Duration `cbor:"duration" yaml:"duration"`

	// RunNum is the position in the executed sequence.
	RunNum int `cbor:"__run_num__" yaml:"__run_num__"`
}

// Succeeded reports whether the chunk did not fail. Test-mode nil
// counts as success for requisite purposes.
func (r *Result) Succeeded() bool {
	return r.Result == nil || *r.Result
}

// Call is what a state function receives.
type Call struct {
	// Name is the subject: a path for file states, a command for cmd
	// states, a package for pkg states.
	Name string

	// Args holds the remaining keyword arguments.
	Args map[string]any

	// Test requests a dry run: report what would change, mutate
	// nothing.
	Test bool

	// WatchTriggered is true when a watch requisite reported changes
	// in this run.
	WatchTriggered bool
}

// StringArg returns a string argument or fallback.
func (c *Call) StringArg(key, fallback string) string {
	if value, ok := c.Args[key].(string); ok {
		return value
	}
	return fallback
}

// BoolArg returns a boolean argument or fallback.
func (c *Call) BoolArg(key string, fallback bool) bool {
	if value, ok := c.Args[key].(bool); ok {
		return value
	}
	return fallback
}

// Outcome is what a state function returns. A nil Result with Test set
// means "would change"; outside test mode functions set Result
// explicitly or return an error.
type Outcome struct {
	Changes map[string]any
	Comment string
	Result  *bool
}

func boolPtr(v bool) *bool { return &v }

// unchanged is the outcome for an already-satisfied state.
func unchanged(comment string) *Outcome {
	return &Outcome{Result: boolPtr(true), Comment: comment}
}

// applied is the outcome for a successful change.
func applied(comment string, changes map[string]any) *Outcome {
	return &Outcome{Result: boolPtr(true), Comment: comment, Changes: changes}
}

// wouldChange is the test-mode outcome for a pending change.
func wouldChange(comment string, changes map[string]any) *Outcome {
	return &Outcome{Result: nil, Comment: comment, Changes: changes}
}

// Func is a registered state function.
type Func func(ctx context.Context, call *Call) (*Outcome, error)

// Runtime executes compiled chunks.
type Runtime struct {
	funcs  map[string]Func
	logger *slog.Logger
	clock  clock.Clock

	// Pkg backs the pkg.* states.
	Pkg PkgBackend

	// fetch resolves salt:// sources, set via SetFetcher.
	fetch FetchFile
}

// NewRuntime returns a runtime with the builtin state functions
// registered and a fake package backend. Callers running for real
// replace Pkg before Apply.
func NewRuntime(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Runtime{
		funcs:  map[string]Func{},
		logger: logger.With("component", "state"),
		clock:  clock.Real(),
		Pkg:    NewFakePkgBackend(nil),
	}
	r.registerBuiltins()
	return r
}

// Register adds (or replaces) a state function.
func (r *Runtime) Register(fun string, fn Func) {
	r.funcs[fun] = fn
}

// Apply executes chunks in requisite order and returns one Result per
// chunk, in execution order.
func (r *Runtime) Apply(ctx context.Context, chunks []*Chunk, test bool) ([]*Result, error) {
	run := &runState{
		runtime: r,
		test:    test,
		results: map[string]*Result{},
		chunks:  chunks,
	}
	for _, chunk := range chunks {
		if err := run.exec(ctx, chunk, nil); err != nil {
			return nil, err
		}
	}
	return run.ordered, nil
}

// runState tracks one Apply invocation.
type runState struct {
	runtime *Runtime
	test    bool
	chunks  []*Chunk
	results map[string]*Result // chunk key -> result
	ordered []*Result
}

func chunkKey(c *Chunk) string {
	return c.Fun + "\x00" + c.ID
}

// find resolves a requisite reference to the chunks it names. A ref
// matches on ID or on Name, constrained to the ref's state module when
// one was given.
func (s *runState) find(ref Ref) []*Chunk {
	var matched []*Chunk
	for _, chunk := range s.chunks {
		if ref.State != "" && moduleOf(chunk.Fun) != ref.State {
			continue
		}
		if chunk.ID == ref.ID || chunk.Name == ref.ID {
			matched = append(matched, chunk)
		}
	}
	return matched
}

func moduleOf(fun string) string {
	for i := 0; i < len(fun); i++ {
		if fun[i] == '.' {
			return fun[:i]
		}
	}
	return fun
}

// exec runs chunk once, running its requisites first. visiting is the
// requisite chain, used to detect cycles.
func (s *runState) exec(ctx context.Context, chunk *Chunk, visiting []string) error {
	key := chunkKey(chunk)
	if _, done := s.results[key]; done {
		return nil
	}
	for _, ancestor := range visiting {
		if ancestor == key {
			return fmt.Errorf("state: recursive requisite involving %s in %s", chunk.ID, chunk.SLS)
		}
	}
	visiting = append(visiting, key)

	// Run every requisite first, whatever its flavor.
	for _, ref := range chunk.requisites() {
		targets := s.find(ref)
		if len(targets) == 0 {
			s.record(chunk, &Result{
				Result:  boolPtr(false),
				Comment: fmt.Sprintf("requisite %s not found", ref),
			})
			return nil
		}
		for _, target := range targets {
			if err := s.exec(ctx, target, visiting); err != nil {
				return err
			}
		}
	}

	if outcome, done := s.gate(chunk); done {
		s.record(chunk, outcome)
		return nil
	}

	s.run(ctx, chunk)
	return nil
}

// gate evaluates requisite conditions after the requisites have run.
// It returns a synthetic result when the chunk must not execute.
func (s *runState) gate(chunk *Chunk) (*Result, bool) {
	check := func(refs []Ref, ok func(*Result) bool) (string, bool) {
		for _, ref := range refs {
			for _, target := range s.find(ref) {
				result := s.results[chunkKey(target)]
				if !ok(result) {
					return ref.String(), false
				}
			}
		}
		return "", true
	}

	if ref, ok := check(chunk.Require, (*Result).Succeeded); !ok {
		return &Result{
			Result:  boolPtr(false),
			Comment: fmt.Sprintf("one or more requisite failed: %s", ref),
		}, true
	}
	if ref, ok := check(chunk.Watch, (*Result).Succeeded); !ok {
		return &Result{
			Result:  boolPtr(false),
			Comment: fmt.Sprintf("one or more requisite failed: %s", ref),
		}, true
	}

	if len(chunk.OnFail) > 0 {
		anyFailed := false
		for _, ref := range chunk.OnFail {
			for _, target := range s.find(ref) {
				if !s.results[chunkKey(target)].Succeeded() {
					anyFailed = true
				}
			}
		}
		if !anyFailed {
			return &Result{
				Result:  boolPtr(true),
				Comment: "state not run: onfail requisites did not fail",
			}, true
		}
	}

	if len(chunk.OnChanges) > 0 {
		anyChanged := false
		for _, ref := range chunk.OnChanges {
			for _, target := range s.find(ref) {
				if len(s.results[chunkKey(target)].Changes) > 0 {
					anyChanged = true
				}
			}
		}
		if !anyChanged {
			return &Result{
				Result:  boolPtr(true),
				Comment: "state not run: onchanges requisites reported no changes",
			}, true
		}
	}

	return nil, false
}

// watchTriggered reports whether any watch requisite changed.
func (s *runState) watchTriggered(chunk *Chunk) bool {
	for _, ref := range chunk.Watch {
		for _, target := range s.find(ref) {
			if len(s.results[chunkKey(target)].Changes) > 0 {
				return true
			}
		}
	}
	return false
}

// run invokes the chunk's state function and records the result.
func (s *runState) run(ctx context.Context, chunk *Chunk) {
	fn, ok := s.runtime.funcs[chunk.Fun]
	if !ok {
		s.record(chunk, &Result{
			Result:  boolPtr(false),
			Comment: fmt.Sprintf("state function %q is not available", chunk.Fun),
		})
		return
	}

	call := &Call{
		Name:           chunk.Name,
		Args:           chunk.Args,
		Test:           s.test,
		WatchTriggered: s.watchTriggered(chunk),
	}
	start := s.runtime.clock.Now()
	outcome, err := fn(ctx, call)
	duration := s.runtime.clock.Now().Sub(start)

	result := &Result{Duration: duration}
	if err != nil {
		result.Result = boolPtr(false)
		result.Comment = err.Error()
	} else {
		result.Result = outcome.Result
		result.Comment = outcome.Comment
		result.Changes = outcome.Changes
	}
	s.record(chunk, result)
}

func (s *runState) record(chunk *Chunk, result *Result) {
	result.ID = chunk.ID
	result.SLS = chunk.SLS
	result.Fun = chunk.Fun
	result.Name = chunk.Name
	result.RunNum = len(s.ordered)
	if result.Changes == nil {
		result.Changes = map[string]any{}
	}
	s.results[chunkKey(chunk)] = result
	s.ordered = append(s.ordered, result)
	s.runtime.logger.Debug("state executed",
		"fun", chunk.Fun, "id", chunk.ID, "result", result.Result, "comment", result.Comment)
}
