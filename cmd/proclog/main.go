// proclog collates instance output streamed by agents into one file.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgeproc/internal/config"
	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/logsink"
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
	fs := pflag.NewFlagSet("proclog", pflag.ContinueOnError)
	configPath := fs.String("config", "", "collator config file (TOML)")
	listen := fs.String("listen", "", "listen address host:port")
	output := fs.String("output", "", "collated output file")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	cfg := config.DefaultCollator()
	if *configPath != "" {
		loaded, err := config.LoadCollator(*configPath)
		if err != nil {
			return 2, err
		}
		cfg = loaded
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}
	if fs.Changed("output") {
		cfg.Output = *output
	}
	logging.ConfigureRuntime("proclog")

	out, err := logsink.OpenFile(cfg.Output)
	if err != nil {
		return 1, err
	}
	defer out.Close()

	r, err := reactor.New()
	if err != nil {
		return 1, err
	}
	defer r.Close()

	collator := logsink.NewCollator(out)
	server, err := rpc.Listen(r, cfg.Listen, collator)
	if err != nil {
		return 1, err
	}
	defer server.Close()
	logging.Infof("proclog listening addr=%s output=%q", server.Addr(), cfg.Output)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)
	go func() {
		if _, ok := <-signals; ok {
			r.Post(func() { r.RequestExit(0) })
		}
	}()
	return r.Run()
}
