// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package version holds the release string shared by every Salt
// binary and the saltversion grain.
package version

import (
	"fmt"
	"runtime"
)

// Release is the Salt release.
const Release = "1.0.0"

// Info renders the release with build environment details, for
// --version output.
func Info() string {
	return fmt.Sprintf("%s (%s %s/%s)", Release, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
