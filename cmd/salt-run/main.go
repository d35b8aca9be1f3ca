// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Salt-run invokes runner functions on the local master: job cache
// queries, minion presence checks, fileserver maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/saltstack/salt/client"
	"github.com/saltstack/salt/lib/cli"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/version"
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
		out         string
		noColor     bool
		timeout     time.Duration
		showVersion bool
	)

	root := &cli.Command{
		Name:    "salt-run",
		Summary: "Invoke runner functions on the master.",
		Usage:   "salt-run [flags] <function> [arguments...]",
		Examples: []cli.Example{
			{Description: "list minions that responded to a ping", Command: "salt-run manage.up"},
			{Description: "inspect a cached job", Command: "salt-run jobs.lookup_jid 20260823201530123456"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("salt-run", pflag.ContinueOnError)
			flags.StringVarP(&configDir, "config-dir", "c", "", "master configuration directory")
			flags.StringVar(&out, "out", output.FormatNested, "output format: nested, json, yaml, raw")
			flags.BoolVar(&noColor, "no-color", false, "disable colored output")
			flags.DurationVarP(&timeout, "timeout", "t", 30*time.Second, "how long to wait for the runner")
			flags.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flags
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Printf("salt-run %s\n", version.Info())
				return nil
			}
			if len(args) < 1 {
				return fmt.Errorf("a runner function is required")
			}
			fun := args[0]
			callArgs, kwargs := modules.ParseArgs(args[1:])

			cfg, err := config.LoadMaster(configDir)
			if err != nil {
				return err
			}
			local, err := client.New(cfg)
			if err != nil {
				return err
			}
			defer local.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			result, err := local.Runner(ctx, fun, callArgs, kwargs)
			if err != nil {
				return err
			}
			rendered, err := output.Format(out, result, colorEnabled(noColor))
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
