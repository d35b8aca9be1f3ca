// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package modules

import (
	"context"
	"fmt"
	"runtime"
)

func registerStatus(r *Registry) {
	unsupported := func(name string) Func {
		return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, fmt.Errorf("%s is not supported on %s", name, runtime.GOOS)
		}
	}
	r.Register("status.uptime", "Return system uptime in seconds.", unsupported("status.uptime"))
	r.Register("status.loadavg", "Return the 1, 5 and 15 minute load averages.", unsupported("status.loadavg"))
	r.Register("status.meminfo", "Return total and free memory in bytes.", unsupported("status.meminfo"))
}
