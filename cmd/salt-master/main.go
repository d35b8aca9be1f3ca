// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Salt-master is the coordination daemon. It serves the publish and
// request ports, manages minion keys, compiles pillar, serves files,
// caches job results, and runs the reactor and scheduler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/saltstack/salt/lib/cli"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/version"
	"github.com/saltstack/salt/master"
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
		showVersion bool
	)

	root := &cli.Command{
		Name:    "salt-master",
		Summary: "The Salt coordination daemon.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("salt-master", pflag.ContinueOnError)
			flags.StringVarP(&configDir, "config-dir", "c", "", "configuration directory")
			flags.StringVarP(&logLevel, "log-level", "l", "", "override the configured log level")
			flags.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flags
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Printf("salt-master %s\n", version.Info())
				return nil
			}
			cfg, err := config.LoadMaster(configDir)
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
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mst, err := master.New(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			logger.Info("master starting",
				"version", version.Release,
				"ret", mst.RetAddress(),
				"publish", mst.PubAddress())
			return mst.Run(ctx)
		},
	}
	return root.Execute(args)
}
