// procd is the per-host agent: it owns the local instances and serves the
// control protocol on one TCP port.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/edgeproc/internal/config"
	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/logsink"
	"github.com/danmuck/edgeproc/internal/procman"
	"github.com/danmuck/edgeproc/internal/reactor"
	"github.com/danmuck/edgeproc/internal/rpc"
	"github.com/spf13/pflag"
)

func main() {
	status, err := run(os.Args[1:])
	if err != nil {
		logging.Fatal(err)
	}
	os.Exit(status)
}

func run(args []string) (int, error) {
	cfg, err := parseFlags(args)
	if err != nil {
		return 2, err
	}
	logging.ConfigureRuntime("procd")

	r, err := reactor.New(reactor.WithMaxWait(cfg.MaxWait))
	if err != nil {
		return 1, err
	}
	defer r.Close()

	sink, logPath, err := openSink(r, cfg)
	if err != nil {
		return 1, err
	}
	defer sink.Close()

	m, err := procman.New(r, sink, procman.Config{
		Root:          cfg.Root,
		PortBase:      cfg.PortBase,
		PortCount:     cfg.PortCount,
		StopWait:      cfg.StopWait,
		DrainWait:     cfg.DrainWait,
		ShutdownWait:  cfg.ShutdownWait,
		InstallerName: cfg.InstallerName,
		LogFile:       logPath,
	})
	if err != nil {
		return 1, err
	}
	r.SetExitHook(func(status int) {
		logging.Infof("procd exiting status=%d", status)
		m.Close()
	})

	server, err := rpc.Listen(r, cfg.Listen, m)
	if err != nil {
		return 1, err
	}
	defer server.Close()
	logging.Infof("procd listening addr=%s root=%q ports=%d+%d", server.Addr(), cfg.Root, cfg.PortBase, cfg.PortCount)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		r.Post(func() {
			logging.Infof("procd signal received sig=%v", sig)
			m.StopAll(func() { r.RequestExit(0) })
		})
	}()

	return r.Run()
}

func parseFlags(args []string) (config.Agent, error) {
	fs := pflag.NewFlagSet("procd", pflag.ContinueOnError)
	configPath := fs.String("config", "", "agent config file (TOML)")
	listen := fs.String("listen", "", "listen address host:port")
	port := fs.Int("port", 0, "listen port (keeps the configured host)")
	root := fs.String("root", "", "agent root directory")
	collator := fs.String("collator", "", "stream instance output to this collator address")
	logFile := fs.String("log-file", "", "append instance output to this file")
	portBase := fs.Int("port-base", 0, "first port of the allocation pool")
	portCount := fs.Int("port-count", 0, "size of the allocation pool")
	stopWait := fs.Duration("stop-wait", 0, "grace period between SIGTERM and SIGKILL")
	if err := fs.Parse(args); err != nil {
		return config.Agent{}, err
	}

	cfg := config.DefaultAgent()
	if *configPath != "" {
		loaded, err := config.LoadAgent(*configPath)
		if err != nil {
			return config.Agent{}, err
		}
		cfg = loaded
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}
	if fs.Changed("port") {
		cfg.Listen = config.WithPort(cfg.Listen, *port)
	}
	if fs.Changed("root") {
		cfg.Root = *root
	}
	if fs.Changed("collator") {
		cfg.Collator = *collator
		cfg.LogFile = ""
	}
	if fs.Changed("log-file") {
		cfg.LogFile = *logFile
		if !fs.Changed("collator") {
			cfg.Collator = ""
		}
	}
	if fs.Changed("port-base") {
		cfg.PortBase = *portBase
	}
	if fs.Changed("port-count") {
		cfg.PortCount = *portCount
	}
	if fs.Changed("stop-wait") {
		cfg.StopWait = *stopWait
	}
	if err := config.ValidateAgent(cfg); err != nil {
		return config.Agent{}, err
	}
	return cfg, nil
}

// openSink prefers the collator and falls back to the log file (or the
// default file under root) when the collator connection is lost.
func openSink(r *reactor.Reactor, cfg config.Agent) (logsink.Sink, string, error) {
	path := cfg.LogFile
	if path == "" {
		path = filepath.Join(cfg.Root, "logs", "instances.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	file, err := logsink.OpenFile(path)
	if err != nil {
		return nil, "", err
	}
	if cfg.Collator == "" {
		return file, path, nil
	}
	host, _ := os.Hostname()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := logsink.DialRemote(ctx, r, cfg.Collator, host, logsink.RemoteOptions{
		Timeout:  rpc.DefaultClientTimeout,
		Fallback: file,
	})
	if err != nil {
		logging.Warnf("procd collator unavailable addr=%s err=%v file=%q", cfg.Collator, err, path)
		return file, path, nil
	}
	return remote, path, nil
}
