// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Salt-call runs an execution module function on this host directly,
// without a publish from the master. With --local it needs no master
// at all: states and pillar come from the local file_roots and
// pillar_roots.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/saltstack/salt/lib/cli"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/version"
	"github.com/saltstack/salt/minion"
	"github.com/saltstack/salt/modules"
	"github.com/saltstack/salt/output"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configDir   string
		logLevel    string
		out         string
		noColor     bool
		local       bool
		showVersion bool
	)

	root := &cli.Command{
		Name:    "salt-call",
		Summary: "Run an execution module function on this host.",
		Usage:   "salt-call [flags] <function> [arguments...]",
		Examples: []cli.Example{
			{Description: "apply the highstate", Command: "salt-call state.apply"},
			{Description: "inspect grains without a master", Command: "salt-call --local grains.items"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("salt-call", pflag.ContinueOnError)
			flags.StringVarP(&configDir, "config-dir", "c", "", "minion configuration directory")
			flags.StringVarP(&logLevel, "log-level", "l", "", "override the configured log level")
			flags.StringVar(&out, "out", output.FormatNested, "output format: nested, json, yaml, raw")
			flags.BoolVar(&noColor, "no-color", false, "disable colored output")
			flags.BoolVar(&local, "local", false, "run masterless against local file and pillar roots")
			flags.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flags
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Printf("salt-call %s\n", version.Info())
				return nil
			}
			if len(args) < 1 {
				return fmt.Errorf("a function is required")
			}
			fun := args[0]
			callArgs, kwargs := modules.ParseArgs(args[1:])

			cfg, err := config.LoadMinion(configDir)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			level, err := config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if configDir == "" {
				configDir = config.DefaultConfigDir
			}
			grainsPath := filepath.Join(configDir, "grains")
			ctx := context.Background()

			var result any
			if local {
				host, err := minion.NewLocal(cfg, grainsPath, logger)
				if err != nil {
					return err
				}
				registry := modules.NewRegistry()
				modules.Populate(registry, host)
				result, err = registry.Call(ctx, fun, callArgs, kwargs)
				if err != nil {
					return err
				}
			} else {
				mnn, err := minion.New(cfg, grainsPath, nil, logger)
				if err != nil {
					return err
				}
				if _, err := mnn.Connect(ctx); err != nil {
					return err
				}
				result, err = mnn.Call(ctx, fun, callArgs, kwargs)
				if err != nil {
					return err
				}
			}

			rendered, err := output.Format(out, map[string]any{"local": result}, colorEnabled(noColor))
			if err != nil {
				return err
			}
			fmt.Println(rendered)
			return nil
		},
	}
	return root.Execute(args)
}

func colorEnabled(noColor bool) bool {
	return !noColor && term.IsTerminal(int(os.Stdout.Fd()))
}
