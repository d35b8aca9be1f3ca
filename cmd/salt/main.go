// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Salt is the master-side command runner: it publishes an execution
// module function to the minions matching a target expression, waits
// for their returns, and renders them.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/saltstack/salt/client"
	"github.com/saltstack/salt/lib/cli"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/version"
	"github.com/saltstack/salt/modules"
	"github.com/saltstack/salt/output"
	"github.com/saltstack/salt/tgt"
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
		timeout     time.Duration
		out         string
		noColor     bool
		usePCRE     bool
		useList     bool
		useGrain    bool
		useCompound bool
		nodegroup   bool
		showVersion bool
	)

	root := &cli.Command{
		Name:    "salt",
		Summary: "Run execution module functions on matching minions.",
		Usage:   "salt [flags] <target> <function> [arguments...]",
		Examples: []cli.Example{
			{Description: "ping every minion", Command: "salt '*' test.ping"},
			{Description: "restart nginx on the web tier", Command: "salt -G 'role:web' service.restart nginx"},
			{Description: "apply the highstate to one minion", Command: "salt web1 state.apply"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("salt", pflag.ContinueOnError)
			flags.StringVarP(&configDir, "config-dir", "c", "", "master configuration directory")
			flags.DurationVarP(&timeout, "timeout", "t", 0, "how long to wait for minion returns")
			flags.StringVar(&out, "out", output.FormatNested, "output format: nested, json, yaml, raw")
			flags.BoolVar(&noColor, "no-color", false, "disable colored output")
			flags.BoolVarP(&usePCRE, "pcre", "E", false, "target is a regular expression")
			flags.BoolVarP(&useList, "list", "L", false, "target is a comma-separated ID list")
			flags.BoolVarP(&useGrain, "grain", "G", false, "target matches grain values (path:glob)")
			flags.BoolVarP(&useCompound, "compound", "C", false, "target is a compound expression")
			flags.BoolVarP(&nodegroup, "nodegroup", "N", false, "target names a configured nodegroup")
			flags.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flags
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Printf("salt %s\n", version.Info())
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("a target and a function are required")
			}
			target, fun := args[0], args[1]
			kind, err := targetKind(usePCRE, useList, useGrain, useCompound, nodegroup)
			if err != nil {
				return err
			}
			if nodegroup {
				target = "N@" + target
			}
			callArgs, kwargs := modules.ParseArgs(args[2:])
			callArgs = modules.PackKwargs(callArgs, kwargs)

			cfg, err := config.LoadMaster(configDir)
			if err != nil {
				return err
			}
			local, err := client.New(cfg)
			if err != nil {
				return err
			}
			defer local.Close()
			if timeout > 0 {
				local.Timeout = timeout
			}

			returns, missing, err := local.Run(context.Background(), fun, callArgs, target, kind)
			if err != nil {
				return err
			}

			result := make(map[string]any, len(returns))
			failed := false
			for id, ret := range returns {
				result[id] = ret.Value
				if !ret.Success || ret.Retcode != 0 {
					failed = true
				}
			}
			rendered, err := output.Format(out, result, colorEnabled(noColor))
			if err != nil {
				return err
			}
			fmt.Println(rendered)

			if len(missing) > 0 {
				sort.Strings(missing)
				return fmt.Errorf("minions did not return: %s", strings.Join(missing, ", "))
			}
			if failed {
				return fmt.Errorf("one or more minions reported failure")
			}
			return nil
		},
	}
	return root.Execute(args)
}

// targetKind resolves the mutually exclusive targeting flags.
func targetKind(usePCRE, useList, useGrain, useCompound, nodegroup bool) (tgt.Kind, error) {
	kind := tgt.Glob
	set := 0
	for _, choice := range []struct {
		on   bool
		kind tgt.Kind
	}{
		{usePCRE, tgt.PCRE},
		{useList, tgt.List},
		{useGrain, tgt.Grain},
		{useCompound, tgt.Compound},
		{nodegroup, tgt.Compound},
	} {
		if choice.on {
			kind = choice.kind
			set++
		}
	}
	if set > 1 {
		return "", fmt.Errorf("targeting flags are mutually exclusive")
	}
	return kind, nil
}

func colorEnabled(noColor bool) bool {
	return !noColor && term.IsTerminal(int(os.Stdout.Fd()))
}
