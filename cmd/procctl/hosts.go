package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/edgeproc/internal/bootstrap"
	"github.com/danmuck/edgeproc/internal/config"
	"github.com/danmuck/edgeproc/internal/registry"
)

// resolveHost turns a configured host name, or a bare address, into a
// registry host. Only configured hosts can be bootstrapped.
func resolveHost(cfg config.Controller, name string) (registry.Host, error) {
	entry, ok := cfg.Host(name)
	if !ok {
		addr := name
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, fmt.Sprint(cfg.Port))
		}
		return registry.Host{Name: name, Addr: addr}, nil
	}
	host := registry.Host{
		Name: entry.Name,
		Addr: entry.Addr,
		Bootstrap: bootstrap.Config{
			Root:            cfg.RemoteRoot,
			Collator:        cfg.Collator,
			Binaries:        cfg.Binaries,
			StepTimeout:     cfg.StepTimeout,
			TransferTimeout: cfg.TransferTimeout,
			ProbeAttempts:   cfg.ProbeAttempts,
		},
	}
	switch entry.Shell {
	case "local":
		host.Shell = bootstrap.StartLocal
	case "ssh":
		sshHost, _, err := net.SplitHostPort(entry.Addr)
		if err != nil {
			return registry.Host{}, err
		}
		shell := bootstrap.SSHShell{
			Host:                        sshHost,
			Port:                        entry.SSHPort,
			User:                        entry.User,
			KeyPath:                     expandHome(entry.Key),
			KnownHostsPath:              expandHome(entry.KnownHosts),
			InsecureSkipHostKeyChecking: entry.Insecure,
			Timeout:                     cfg.StepTimeout,
		}
		host.Shell = shell.Open
	}
	return host, nil
}

// splitAgentAddr returns the host and port the agent is dialed on, so a
// bootstrapped agent listens where later sessions connect.
func splitAgentAddr(addr string) (string, int, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad agent port %q", portText)
	}
	return host, port, nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
