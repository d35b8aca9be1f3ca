// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "github.com/saltstack/salt/lib/glob"

// Match reports whether tag matches the glob pattern. Syntax is
// fnmatch-style ('*' crosses slashes), so "salt/job/*" matches
// "salt/job/123/ret/web1". This is the matching used by reactor
// bindings and event subscriptions.
func Match(pattern, tag string) bool {
	return glob.Match(pattern, tag)
}
