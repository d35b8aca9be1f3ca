// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package grains

// kernelRelease is unavailable off Linux.
func kernelRelease() string { return "" }
