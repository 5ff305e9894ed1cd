package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/edgeproc/internal/config"
)

func TestResolveHost(t *testing.T) {
	cfg := config.DefaultController()
	cfg.Hosts = []config.HostEntry{
		{Name: "edge-a", Addr: "10.0.0.5:7420", Shell: "ssh", User: "ops", Key: "~/.ssh/id_ed25519", SSHPort: "22"},
		{Name: "local", Addr: "127.0.0.1:7420", Shell: "local"},
		{Name: "plain", Addr: "10.0.0.6:7420"},
	}

	bare, err := resolveHost(cfg, "10.0.0.9")
	if err != nil {
		t.Fatalf("resolve bare: %v", err)
	}
	if bare.Addr != "10.0.0.9:7420" || bare.Shell != nil {
		t.Fatalf("bare host=%+v", bare)
	}

	ssh, err := resolveHost(cfg, "edge-a")
	if err != nil {
		t.Fatalf("resolve ssh: %v", err)
	}
	if ssh.Shell == nil || ssh.Bootstrap.Root != cfg.RemoteRoot {
		t.Fatalf("ssh host=%+v", ssh)
	}

	local, err := resolveHost(cfg, "local")
	if err != nil || local.Shell == nil {
		t.Fatalf("local host=%+v err=%v", local, err)
	}

	plain, err := resolveHost(cfg, "plain")
	if err != nil || plain.Shell != nil {
		t.Fatalf("plain host=%+v err=%v", plain, err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/.ssh/key"); got != filepath.Join(home, ".ssh/key") {
		t.Fatalf("expandHome=%q", got)
	}
	if got := expandHome("/etc/key"); got != "/etc/key" {
		t.Fatalf("absolute path changed: %q", got)
	}
}

func TestSplitAgentAddr(t *testing.T) {
	cases := []struct {
		addr string
		host string
		port int
	}{
		{"10.0.0.5:7500", "10.0.0.5", 7500},
		{"[fd00::5]:7420", "fd00::5", 7420},
		{"edge-a.lan:7421", "edge-a.lan", 7421},
	}
	for _, tc := range cases {
		host, port, err := splitAgentAddr(tc.addr)
		if err != nil || host != tc.host || port != tc.port {
			t.Fatalf("splitAgentAddr(%q) = %q, %d, %v", tc.addr, host, port, err)
		}
	}
	for _, bad := range []string{"fd00::5", "10.0.0.5:http", "10.0.0.5:0"} {
		if _, _, err := splitAgentAddr(bad); err == nil {
			t.Fatalf("splitAgentAddr(%q) accepted", bad)
		}
	}
}
