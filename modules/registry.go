// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package modules holds the execution module registry: the
// "<module>.<function>" calls a minion can run, whether published from
// a master or invoked locally through salt-call. Registration is
// explicit; the daemon builds one registry at startup with the host
// hooks it can actually serve.
package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Func is one execution module function. args are the positional
// arguments from the command line, kwargs the key=value ones.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps dotted function names to implementations.
type Registry struct {
	funcs map[string]Func
	docs  map[string]string
}

// NewRegistry returns an empty registry. Use Populate to install the
// builtin modules.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}, docs: map[string]string{}}
}

// Register installs fn under name ("test.ping") with a one-line doc
// string for sys.doc.
func (r *Registry) Register(name, doc string, fn Func) {
	r.funcs[name] = fn
	r.docs[name] = doc
}

// Call invokes the named function.
func (r *Registry) Call(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("'%s' is not available", name)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return fn(ctx, args, kwargs)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Functions lists registered names, sorted, optionally filtered to one
// module prefix ("test").
func (r *Registry) Functions(module string) []string {
	var names []string
	for name := range r.funcs {
		if module == "" || strings.HasPrefix(name, module+".") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Docs returns name -> doc line for the given module prefix ("" for
// all).
func (r *Registry) Docs(module string) map[string]string {
	docs := map[string]string{}
	for name, doc := range r.docs {
		if module == "" || strings.HasPrefix(name, module+".") || name == module {
			docs[name] = doc
		}
	}
	return docs
}

// argString fetches a positional argument as a string.
func argString(args []any, index int) (string, error) {
	if index >= len(args) {
		return "", fmt.Errorf("missing argument %d", index+1)
	}
	value, ok := args[index].(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string, got %T", index+1, args[index])
	}
	return value, nil
}
