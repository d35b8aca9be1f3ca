// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package modules

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

func registerStatus(r *Registry) {
	r.Register("status.uptime", "Return system uptime in seconds.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			var info unix.Sysinfo_t
			if err := unix.Sysinfo(&info); err != nil {
				return nil, fmt.Errorf("status.uptime: %w", err)
			}
			return map[string]any{"seconds": int64(info.Uptime)}, nil
		})
	r.Register("status.loadavg", "Return the 1, 5 and 15 minute load averages.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			var info unix.Sysinfo_t
			if err := unix.Sysinfo(&info); err != nil {
				return nil, fmt.Errorf("status.loadavg: %w", err)
			}
			// Loads are fixed-point with a 16-bit fractional part.
			const scale = 1 << 16
			return map[string]any{
				"1-min":  float64(info.Loads[0]) / scale,
				"5-min":  float64(info.Loads[1]) / scale,
				"15-min": float64(info.Loads[2]) / scale,
			}, nil
		})
	r.Register("status.meminfo", "Return total and free memory in bytes.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			var info unix.Sysinfo_t
			if err := unix.Sysinfo(&info); err != nil {
				return nil, fmt.Errorf("status.meminfo: %w", err)
			}
			unit := uint64(info.Unit)
			return map[string]any{
				"total": uint64(info.Totalram) * unit,
				"free":  uint64(info.Freeram) * unit,
				"swap":  uint64(info.Totalswap) * unit,
			}, nil
		})
}
