// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package grains

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// kernelRelease returns the running kernel release (uname -r).
func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return string(bytes.TrimRight(uts.Release[:], "\x00"))
}
