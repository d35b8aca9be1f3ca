// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package state compiles and applies configuration state. SLS files
// render through lib/render into high data: IDs declaring state
// function calls with arguments and requisites. The compiler
// normalizes high data into low chunks; the runtime executes chunks in
// requisite order through registered state functions and reports one
// Result per chunk.
//
// Test mode runs the same pipeline but no function mutates the system;
// chunks that would change something report a nil result.
package state
