// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package grains collects static facts about the host a minion runs
// on. Grains are gathered once at daemon start (and on explicit
// refresh), merged with operator-defined grains from the minion
// config and /etc/salt/grains, and shipped to the master during
// authentication so targeting can match on them without a round trip.
package grains

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/lib/version"
)

// Version is the release reported in the saltversion grain.
const Version = version.Release

// Grains is a string-keyed fact map. Values are scalars, string
// lists, or nested maps.
type Grains map[string]any

// Collect gathers the host's grains and merges overrides on top:
// first staticPath (/etc/salt/grains, YAML map, missing file is
// fine), then configGrains from the minion config file, which wins.
func Collect(id string, configGrains map[string]any, staticPath string) (Grains, error) {
	g := collectHost()
	g["id"] = id

	if staticPath != "" {
		static, err := loadStatic(staticPath)
		if err != nil {
			return nil, err
		}
		for key, value := range static {
			g[key] = value
		}
	}
	for key, value := range configGrains {
		g[key] = value
	}
	return g, nil
}

func collectHost() Grains {
	g := Grains{
		"kernel":      capitalize(runtime.GOOS),
		"cpuarch":     runtime.GOARCH,
		"osarch":      runtime.GOARCH,
		"num_cpus":    runtime.NumCPU(),
		"saltversion": Version,
		"path":        os.Getenv("PATH"),
	}

	if hostname, err := os.Hostname(); err == nil {
		g["nodename"] = hostname
		g["host"] = shortName(hostname)
		g["fqdn"] = hostname
		// Resolve a fuller FQDN when the resolver cooperates.
		if names, err := net.LookupAddr(firstNonLoopbackIP()); err == nil && len(names) > 0 {
			g["fqdn"] = strings.TrimSuffix(names[0], ".")
		}
	}

	g["os"], g["os_family"] = osName()
	g["kernelrelease"] = kernelRelease()

	if addrs := interfaceAddrs(); len(addrs) > 0 {
		g["ipv4"] = addrs
	}
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		g["machine_id"] = strings.TrimSpace(string(machineID))
	}
	return g
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func shortName(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		return hostname[:i]
	}
	return hostname
}

func firstNonLoopbackIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func interfaceAddrs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var result []string
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			result = append(result, ipNet.IP.String())
		}
	}
	return result
}

// osName identifies the distribution from /etc/os-release on Linux;
// other platforms report the GOOS name for both grains.
func osName() (string, string) {
	if runtime.GOOS != "linux" {
		name := capitalize(runtime.GOOS)
		return name, name
	}
	raw, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "Linux", "Linux"
	}
	fields := parseOSRelease(string(raw))
	name := fields["NAME"]
	if name == "" {
		name = "Linux"
	}
	family := familyFor(fields["ID"], fields["ID_LIKE"])
	return name, family
}

func parseOSRelease(content string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"`)
	}
	return fields
}

func familyFor(id, idLike string) string {
	ids := append([]string{id}, strings.Fields(idLike)...)
	for _, candidate := range ids {
		switch candidate {
		case "debian", "ubuntu":
			return "Debian"
		case "rhel", "fedora", "centos":
			return "RedHat"
		case "suse", "opensuse":
			return "Suse"
		case "arch":
			return "Arch"
		case "alpine":
			return "Alpine"
		}
	}
	return "Linux"
}

func loadStatic(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("grains: reading %s: %w", path, err)
	}
	static := map[string]any{}
	if err := yaml.Unmarshal(raw, &static); err != nil {
		return nil, fmt.Errorf("grains: parsing %s: %w", path, err)
	}
	return static, nil
}

// DefaultStaticPath returns the conventional static grains file next
// to the minion config.
func DefaultStaticPath(configDir string) string {
	return filepath.Join(configDir, "grains")
}

// Get traverses a colon-delimited key path ("os", "levels:deep:key")
// and returns the value, or nil when any segment is missing.
func (g Grains) Get(path string) any {
	var current any = map[string]any(g)
	for _, segment := range strings.Split(path, ":") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = node[segment]
		if !ok {
			return nil
		}
	}
	return current
}
