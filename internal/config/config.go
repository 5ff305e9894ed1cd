// Package config loads the TOML files of the agent, collator and
// controller. File values are applied over defaults only where a key is
// present.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAgentPort    = 7420
	DefaultCollatorPort = 7421
	DefaultRemoteRoot   = ".edgeproc"
)

type Agent struct {
	Listen        string
	Root          string
	PortBase      int
	PortCount     int
	StopWait      time.Duration
	DrainWait     time.Duration
	ShutdownWait  time.Duration
	MaxWait       time.Duration
	LogFile       string
	Collator      string
	InstallerName string
}

func DefaultAgent() Agent {
	return Agent{
		Listen:        fmt.Sprintf("0.0.0.0:%d", DefaultAgentPort),
		Root:          DefaultRemoteRoot,
		PortBase:      12400,
		PortCount:     100,
		StopWait:      5 * time.Second,
		DrainWait:     2 * time.Second,
		ShutdownWait:  15 * time.Second,
		MaxWait:       time.Second,
		InstallerName: "install",
	}
}

type agentFile struct {
	Listen        string `toml:"listen"`
	Port          int    `toml:"port"`
	Root          string `toml:"root"`
	PortBase      int    `toml:"port_base"`
	PortCount     int    `toml:"port_count"`
	StopWait      string `toml:"stop_wait"`
	DrainWait     string `toml:"drain_wait"`
	ShutdownWait  string `toml:"shutdown_wait"`
	MaxWait       string `toml:"max_wait"`
	LogFile       string `toml:"log_file"`
	Collator      string `toml:"collator"`
	InstallerName string `toml:"installer_name"`
}

func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	var raw agentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Agent{}, fmt.Errorf("load agent config: %w", err)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("port") {
		cfg.Listen = WithPort(cfg.Listen, raw.Port)
	}
	if meta.IsDefined("root") {
		cfg.Root = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("port_base") {
		cfg.PortBase = raw.PortBase
	}
	if meta.IsDefined("port_count") {
		cfg.PortCount = raw.PortCount
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"stop_wait", raw.StopWait, &cfg.StopWait},
		{"drain_wait", raw.DrainWait, &cfg.DrainWait},
		{"shutdown_wait", raw.ShutdownWait, &cfg.ShutdownWait},
		{"max_wait", raw.MaxWait, &cfg.MaxWait},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		if *d.dst, err = parseDuration(d.key, d.raw); err != nil {
			return Agent{}, err
		}
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("collator") {
		cfg.Collator = strings.TrimSpace(raw.Collator)
	}
	if meta.IsDefined("installer_name") {
		cfg.InstallerName = strings.TrimSpace(raw.InstallerName)
	}
	if err := ValidateAgent(cfg); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func ValidateAgent(cfg Agent) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("agent config missing listen")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("agent config listen %q: %w", cfg.Listen, err)
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return fmt.Errorf("agent config missing root")
	}
	if cfg.PortBase <= 0 || cfg.PortBase > 65535 || cfg.PortCount < 0 || cfg.PortBase+cfg.PortCount > 65536 {
		return fmt.Errorf("agent config port pool %d+%d out of range", cfg.PortBase, cfg.PortCount)
	}
	if cfg.LogFile != "" && cfg.Collator != "" {
		return fmt.Errorf("agent config sets both log_file and collator")
	}
	return nil
}

type Collator struct {
	Listen string
	Output string
}

func DefaultCollator() Collator {
	return Collator{
		Listen: fmt.Sprintf("0.0.0.0:%d", DefaultCollatorPort),
		Output: "collated.log",
	}
}

type collatorFile struct {
	Listen string `toml:"listen"`
	Output string `toml:"output"`
}

func LoadCollator(path string) (Collator, error) {
	cfg := DefaultCollator()
	var raw collatorFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Collator{}, fmt.Errorf("load collator config: %w", err)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("output") {
		cfg.Output = strings.TrimSpace(raw.Output)
	}
	if strings.TrimSpace(cfg.Listen) == "" || strings.TrimSpace(cfg.Output) == "" {
		return Collator{}, fmt.Errorf("collator config needs listen and output")
	}
	return cfg, nil
}

// HostEntry is one `[[host]]` table of the controller config.
type HostEntry struct {
	Name       string `toml:"name"`
	Addr       string `toml:"addr"`
	Shell      string `toml:"shell"`
	User       string `toml:"user"`
	Key        string `toml:"key"`
	KnownHosts string `toml:"known_hosts"`
	Insecure   bool   `toml:"insecure"`
	SSHPort    string `toml:"ssh_port"`
}

type Controller struct {
	Port            int
	RemoteRoot      string
	Collator        string
	Binaries        string
	StepTimeout     time.Duration
	TransferTimeout time.Duration
	ProbeAttempts   int
	PackageTTL      time.Duration
	Hosts           []HostEntry
}

func DefaultController() Controller {
	return Controller{
		Port:            DefaultAgentPort,
		RemoteRoot:      DefaultRemoteRoot,
		StepTimeout:     15 * time.Second,
		TransferTimeout: 5 * time.Minute,
		ProbeAttempts:   8,
		PackageTTL:      10 * time.Minute,
	}
}

type controllerFile struct {
	Port            int         `toml:"port"`
	RemoteRoot      string      `toml:"remote_root"`
	Collator        string      `toml:"collator"`
	Binaries        string      `toml:"binaries"`
	StepTimeout     string      `toml:"step_timeout"`
	TransferTimeout string      `toml:"transfer_timeout"`
	ProbeAttempts   int         `toml:"probe_attempts"`
	PackageTTL      string      `toml:"package_ttl"`
	Hosts           []HostEntry `toml:"host"`
}

func LoadController(path string) (Controller, error) {
	cfg := DefaultController()
	var raw controllerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Controller{}, fmt.Errorf("load controller config: %w", err)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("remote_root") {
		cfg.RemoteRoot = strings.TrimSpace(raw.RemoteRoot)
	}
	if meta.IsDefined("collator") {
		cfg.Collator = strings.TrimSpace(raw.Collator)
	}
	if meta.IsDefined("binaries") {
		cfg.Binaries = strings.TrimSpace(raw.Binaries)
	}
	if meta.IsDefined("step_timeout") {
		if cfg.StepTimeout, err = parseDuration("step_timeout", raw.StepTimeout); err != nil {
			return Controller{}, err
		}
	}
	if meta.IsDefined("transfer_timeout") {
		if cfg.TransferTimeout, err = parseDuration("transfer_timeout", raw.TransferTimeout); err != nil {
			return Controller{}, err
		}
	}
	if meta.IsDefined("probe_attempts") {
		cfg.ProbeAttempts = raw.ProbeAttempts
	}
	if meta.IsDefined("package_ttl") {
		if cfg.PackageTTL, err = parseDuration("package_ttl", raw.PackageTTL); err != nil {
			return Controller{}, err
		}
	}
	if meta.IsDefined("host") {
		cfg.Hosts = normalizeHosts(raw.Hosts, cfg.Port)
	}
	if err := ValidateController(cfg); err != nil {
		return Controller{}, err
	}
	return cfg, nil
}

func normalizeHosts(in []HostEntry, port int) []HostEntry {
	out := make([]HostEntry, 0, len(in))
	for _, h := range in {
		h.Name = strings.TrimSpace(h.Name)
		h.Addr = strings.TrimSpace(h.Addr)
		h.Shell = strings.ToLower(strings.TrimSpace(h.Shell))
		if h.Addr == "" {
			h.Addr = h.Name
		}
		if _, _, err := net.SplitHostPort(h.Addr); err != nil {
			h.Addr = net.JoinHostPort(h.Addr, fmt.Sprint(port))
		}
		out = append(out, h)
	}
	return out
}

func ValidateController(cfg Controller) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("controller config port %d out of range", cfg.Port)
	}
	seen := make(map[string]bool, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host[%d] invalid: name is required", i)
		}
		if seen[h.Name] {
			return fmt.Errorf("host[%d] invalid: duplicate name %q", i, h.Name)
		}
		seen[h.Name] = true
		switch h.Shell {
		case "", "local":
		case "ssh":
			if h.User == "" || h.Key == "" {
				return fmt.Errorf("host[%d] invalid: ssh shell needs user and key", i)
			}
		default:
			return fmt.Errorf("host[%d] invalid: unknown shell %q", i, h.Shell)
		}
	}
	return nil
}

// Host finds a host entry by name.
func (c Controller) Host(name string) (HostEntry, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostEntry{}, false
}

// WithPort replaces the port of a host:port address.
func WithPort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
