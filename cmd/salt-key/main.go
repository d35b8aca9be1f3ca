// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Salt-key manages the minion keys held by the local master: listing,
// accepting, rejecting, deleting and fingerprinting. While the master
// is running, changes go through its wheel interface so salt/key
// events fire; with the master stopped, the PKI directory is mutated
// directly. Either way it must run on the master host.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/saltstack/salt/client"
	"github.com/saltstack/salt/event"
	"github.com/saltstack/salt/lib/cli"
	"github.com/saltstack/salt/lib/config"
	"github.com/saltstack/salt/lib/glob"
	"github.com/saltstack/salt/lib/version"
	"github.com/saltstack/salt/output"
	"github.com/saltstack/salt/pki"
)

// wheelTimeout bounds one wheel request to the running master.
const wheelTimeout = 10 * time.Second

// Section headers in listing order.
var sections = []struct {
	state pki.State
	title string
}{
	{pki.Accepted, "Accepted Keys"},
	{pki.Denied, "Denied Keys"},
	{pki.Pending, "Unaccepted Keys"},
	{pki.Rejected, "Rejected Keys"},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configDir string
		out       string
		noColor   bool
		yes       bool
	)

	loadConfig := func() (*config.Master, error) {
		return config.LoadMaster(configDir)
	}
	render := func(v any) error {
		rendered, err := output.Format(out, v, colorEnabled(noColor))
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	}
	commonFlags := func(name string) *pflag.FlagSet {
		flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flags.StringVarP(&configDir, "config-dir", "c", "", "master configuration directory")
		flags.StringVar(&out, "out", output.FormatNested, "output format: nested, json, yaml, raw")
		flags.BoolVar(&noColor, "no-color", false, "disable colored output")
		return flags
	}
	confirmFlags := func(name string) *pflag.FlagSet {
		flags := commonFlags(name)
		flags.BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
		return flags
	}

	var showVersion bool
	root := &cli.Command{
		Name:    "salt-key",
		Summary: "Manage the minion keys known to this master.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("salt-key", pflag.ContinueOnError)
			flags.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flags
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Printf("salt-key %s\n", version.Info())
				return nil
			}
			return fmt.Errorf("a subcommand is required; run 'salt-key --help' for usage")
		},
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Summary: "List keys by acceptance state.",
				Flags:   func() *pflag.FlagSet { return commonFlags("list") },
				Run: func(args []string) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					store, err := pki.NewStore(cfg.PKIDir)
					if err != nil {
						return err
					}
					listing, err := store.List()
					if err != nil {
						return err
					}
					result := map[string]any{}
					for _, section := range sections {
						ids := listing[section.state]
						sort.Strings(ids)
						result[section.title] = ids
					}
					return render(result)
				},
			},
			{
				Name:    "accept",
				Summary: "Accept pending keys matching a glob.",
				Usage:   "salt-key accept [flags] <match>",
				Flags:   func() *pflag.FlagSet { return confirmFlags("accept") },
				Run: func(args []string) error {
					return keyAction(args, loadConfig, render, yes, "accepted", "key.accept",
						[]pki.State{pki.Pending},
						func(store *pki.Store, id string) error { return store.Accept(id, false) })
				},
			},
			{
				Name:    "reject",
				Summary: "Reject pending keys matching a glob.",
				Usage:   "salt-key reject [flags] <match>",
				Flags:   func() *pflag.FlagSet { return confirmFlags("reject") },
				Run: func(args []string) error {
					return keyAction(args, loadConfig, render, yes, "rejected", "key.reject",
						[]pki.State{pki.Pending},
						func(store *pki.Store, id string) error { return store.Reject(id) })
				},
			},
			{
				Name:    "delete",
				Summary: "Delete keys matching a glob, whatever their state.",
				Usage:   "salt-key delete [flags] <match>",
				Flags:   func() *pflag.FlagSet { return confirmFlags("delete") },
				Run: func(args []string) error {
					return keyAction(args, loadConfig, render, yes, "deleted", "key.delete",
						[]pki.State{pki.Accepted, pki.Pending, pki.Rejected, pki.Denied},
						func(store *pki.Store, id string) error { return store.Delete(id) })
				},
			},
			{
				Name:    "finger",
				Summary: "Print key fingerprints matching a glob.",
				Usage:   "salt-key finger [flags] <match>",
				Flags:   func() *pflag.FlagSet { return commonFlags("finger") },
				Run: func(args []string) error {
					if len(args) != 1 {
						return fmt.Errorf("a match expression is required")
					}
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					store, err := pki.NewStore(cfg.PKIDir)
					if err != nil {
						return err
					}
					listing, err := store.List()
					if err != nil {
						return err
					}
					result := map[string]any{}
					for _, section := range sections {
						fingers := map[string]any{}
						for _, id := range listing[section.state] {
							if !glob.Match(args[0], id) {
								continue
							}
							pemBytes, _, err := store.Get(id)
							if err != nil {
								return err
							}
							finger, err := pki.Fingerprint(pemBytes)
							if err != nil {
								return err
							}
							fingers[id] = finger
						}
						if len(fingers) > 0 {
							result[section.title] = fingers
						}
					}
					return render(result)
				},
			},
		},
	}
	return root.Execute(args)
}

// keyAction applies one key operation to every key matching the glob
// in any of the given states, prompting unless -y was passed. A
// running master (detected by its event socket) handles the change
// through its wheel interface and fires salt/key events; otherwise
// the store is mutated directly.
func keyAction(args []string, loadConfig func() (*config.Master, error), render func(any) error,
	yes bool, verb, wheelFun string, states []pki.State, apply func(*pki.Store, string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("a match expression is required")
	}
	match := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := pki.NewStore(cfg.PKIDir)
	if err != nil {
		return err
	}
	listing, err := store.List()
	if err != nil {
		return err
	}
	var matched []string
	for _, state := range states {
		for _, id := range listing[state] {
			if glob.Match(match, id) {
				matched = append(matched, id)
			}
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("no keys match %q", match)
	}
	sort.Strings(matched)

	if !yes {
		fmt.Printf("The following keys will be %s:\n", verb)
		for _, id := range matched {
			fmt.Printf("  %s\n", id)
		}
		if !confirm() {
			return fmt.Errorf("aborted")
		}
	}

	if masterRunning(cfg) {
		local, err := client.New(cfg)
		if err != nil {
			return err
		}
		defer local.Close()
		ctx, cancel := context.WithTimeout(context.Background(), wheelTimeout)
		defer cancel()
		changed, err := local.Wheel(ctx, wheelFun, map[string]any{"match": match})
		if err != nil {
			return err
		}
		return render(map[string]any{verb: changed})
	}

	for _, id := range matched {
		if err := apply(store, id); err != nil {
			return err
		}
	}
	return render(map[string]any{verb: matched})
}

// masterRunning reports whether the master's event socket exists.
func masterRunning(cfg *config.Master) bool {
	_, err := os.Stat(filepath.Join(cfg.SockDir, event.PubSocketName))
	return err == nil
}

// confirm asks on the terminal; a non-interactive stdin counts as no.
func confirm() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal; pass -y to proceed")
		return false
	}
	fmt.Print("Proceed? [n/Y] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "" || answer == "y" || answer == "yes"
}

func colorEnabled(noColor bool) bool {
	return !noColor && term.IsTerminal(int(os.Stdout.Fd()))
}
