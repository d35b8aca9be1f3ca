// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Salt-ssh runs commands on roster hosts over plain SSH. No minion,
// no keys to accept: the roster file says who is reachable and how.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/saltstack/salt/lib/cli"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/version"
	"github.com/saltstack/salt/output"
	"github.com/saltstack/salt/sshclient"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		rosterFile  string
		out         string
		noColor     bool
		rawShell    bool
		timeout     time.Duration
		showVersion bool
	)

	root := &cli.Command{
		Name:    "salt-ssh",
		Summary: "Run commands on roster hosts over SSH.",
		Usage:   "salt-ssh [flags] <target> <command...>",
		Examples: []cli.Example{
			{Description: "run a shell command on the web tier", Command: "salt-ssh -r 'web*' 'uptime'"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("salt-ssh", pflag.ContinueOnError)
			flags.StringVar(&rosterFile, "roster-file", filepath.Join(config.DefaultConfigDir, "roster"), "roster file path")
			flags.StringVar(&out, "out", output.FormatNested, "output format: nested, json, yaml, raw")
			flags.BoolVar(&noColor, "no-color", false, "disable colored output")
			flags.BoolVarP(&rawShell, "raw-shell", "r", false, "run a raw shell command instead of a module function")
			flags.DurationVarP(&timeout, "timeout", "t", 10*time.Second, "SSH connection timeout")
			flags.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flags
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Printf("salt-ssh %s\n", version.Info())
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("a target and a command are required")
			}
			if !rawShell {
				return fmt.Errorf("only raw shell mode is supported; pass -r")
			}
			target := args[0]
			command := strings.Join(args[1:], " ")

			roster, err := sshclient.LoadRoster(rosterFile)
			if err != nil {
				return err
			}
			ssh := &sshclient.Client{Roster: roster, Timeout: timeout}
			results, err := ssh.Run(context.Background(), target, command)
			if err != nil {
				return err
			}

			rendered := make(map[string]any, len(results))
			failed := false
			for id, result := range results {
				entry := map[string]any{
					"stdout":  result.Stdout,
					"stderr":  result.Stderr,
					"retcode": result.Retcode,
				}
				if result.Err != "" {
					entry["error"] = result.Err
					failed = true
				}
				if result.Retcode != 0 {
					failed = true
				}
				rendered[id] = entry
			}
			text, err := output.Format(out, rendered, colorEnabled(noColor))
			if err != nil {
				return err
			}
			fmt.Println(text)
			if failed {
				return fmt.Errorf("one or more hosts failed")
			}
			return nil
		},
	}
	return root.Execute(args)
}

func colorEnabled(noColor bool) bool {
	return !noColor && term.IsTerminal(int(os.Stdout.Fd()))
}
