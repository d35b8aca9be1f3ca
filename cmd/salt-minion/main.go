// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Salt-minion is the agent daemon. It authenticates to the master,
// subscribes to the publish stream, executes the jobs that target it,
// and delivers their returns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/saltstack/salt/lib/cli"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/version"
	"github.com/saltstack/salt/minion"
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
		minionID    string
		showVersion bool
	)

	root := &cli.Command{
		Name:    "salt-minion",
		Summary: "The Salt agent daemon.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("salt-minion", pflag.ContinueOnError)
			flags.StringVarP(&configDir, "config-dir", "c", "", "configuration directory")
			flags.StringVarP(&logLevel, "log-level", "l", "", "override the configured log level")
			flags.StringVar(&minionID, "id", "", "override the configured minion ID")
			flags.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flags
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Printf("salt-minion %s\n", version.Info())
				return nil
			}
			cfg, err := config.LoadMinion(configDir)
			if err != nil {
				return err
			}
			if minionID != "" {
				cfg.ID = minionID
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

			if configDir == "" {
				configDir = config.DefaultConfigDir
			}
			mnn, err := minion.New(cfg, filepath.Join(configDir, "grains"), nil, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("minion starting", "version", version.Release, "id", cfg.ID)
			return mnn.Run(ctx)
		},
	}
	return root.Execute(args)
}
