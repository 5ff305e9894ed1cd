// procctl drives agents from the controller side: bootstrap hosts, push
// packages and manage instances.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/edgeproc/internal/config"
	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/registry"
	"github.com/danmuck/edgeproc/internal/rpc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	timeout    time.Duration
	noColor    bool

	controller config.Controller
)

var rootCmd = &cobra.Command{
	Use:           "procctl [command]",
	Short:         "procctl: control edgeproc agents",
	Long:          `procctl bootstraps remote agents, uploads packages and creates, starts, stops and queries instances on them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime("procctl")
		if noColor {
			color.NoColor = true
		}
		controller = config.DefaultController()
		if configPath == "" {
			return nil
		}
		cfg, err := config.LoadController(configPath)
		if err != nil {
			return err
		}
		controller = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "controller config file (TOML)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for each agent request (wait is bounded only by the command)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// registryOptions lets tests swap the dialer and bootstrapper.
var registryOptions []registry.Option

// session connects to one host and returns the registry holding it.
// Connecting may bootstrap the agent, which bounds its own steps, so only
// the command context applies here.
func session(cmd *cobra.Command, hostName string) (*registry.Registry, func(), error) {
	host, err := resolveHost(controller, hostName)
	if err != nil {
		return nil, nil, err
	}
	opts := []registry.Option{
		registry.WithPackageTTL(controller.PackageTTL),
		registry.WithDialer(func(ctx context.Context, addr string) (*rpc.Client, error) {
			return rpc.Dial(ctx, addr, timeout)
		}),
	}
	reg := registry.New(append(opts, registryOptions...)...)
	if _, err := reg.Connect(cmd.Context(), host); err != nil {
		_ = reg.Close()
		return nil, nil, err
	}
	return reg, func() { _ = reg.Close() }, nil
}

// request bounds one agent request by --timeout.
func request(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func ok(format string, args ...any) {
	fmt.Printf("%s %s\n", color.GreenString("ok"), fmt.Sprintf(format, args...))
}
