package main

import (
	"context"
	"fmt"

	"github.com/danmuck/edgeproc/internal/bootstrap"
	"github.com/danmuck/edgeproc/internal/registry"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cmdBootstrap, cmdCall, cmdCreate, cmdStart, cmdStop, cmdDestroy, cmdQuery, cmdWait, cmdShutdown)
}

var cmdBootstrap = &cobra.Command{
	Use:   "bootstrap <host>",
	Short: "Provision and launch the agent on a configured host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, err := resolveHost(controller, args[0])
		if err != nil {
			return err
		}
		if host.Shell == nil {
			return fmt.Errorf("host %s has no shell configured", args[0])
		}
		cfg := host.Bootstrap
		cfg.Host, cfg.Port, err = splitAgentAddr(host.Addr)
		if err != nil {
			return fmt.Errorf("host %s: %w", args[0], err)
		}
		ctx := cmd.Context()
		sh, err := host.Shell(ctx)
		if err != nil {
			return err
		}
		res, err := bootstrap.Run(ctx, sh, cfg)
		if err != nil {
			return err
		}
		transferred := "present"
		if res.Transferred {
			transferred = color.YellowString("transferred")
		}
		ok("%s arch=%s agent=%s pid=%d addr=%s", args[0], res.Arch, transferred, res.PID, res.Addr)
		return nil
	},
}

var cmdCall = &cobra.Command{
	Use:   "call <host> <verb> [args...]",
	Short: "Send one raw request to an agent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, done, err := session(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := request(cmd)
		defer cancel()
		hc, err := reg.Host(args[0])
		if err != nil {
			return err
		}
		resp, err := hc.Client().Call(ctx, args[1], args[2:]...)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return fmt.Errorf("%s: status %d: %s", args[1], resp.Status, resp.Message)
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var cmdCreate = &cobra.Command{
	Use:   "create <host> <name> [pkg=P] [bin=B] [arg=A]... [env=K=V]...",
	Short: "Create an instance, running its package installer if one is given",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, done, err := session(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := request(cmd)
		defer cancel()
		if err := reg.Create(ctx, args[0], args[1], args[2:]...); err != nil {
			return err
		}
		ok("created %s on %s", args[1], args[0])
		return nil
	},
}

type instanceSession struct {
	cmd  *cobra.Command
	reg  *registry.Registry
	name string
}

// request bounds one agent request of the command.
func (s *instanceSession) request() (context.Context, context.CancelFunc) {
	return request(s.cmd)
}

// instanceCommand builds the commands that act on one existing instance.
func instanceCommand(use, short string, extra int, fn func(cmd *cobra.Command, args []string, s *instanceSession) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2 + extra),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, done, err := session(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := request(cmd)
			err = reg.Attach(ctx, args[0], args[1])
			cancel()
			if err != nil {
				return err
			}
			return fn(cmd, args, &instanceSession{cmd: cmd, reg: reg, name: args[1]})
		},
	}
}

var cmdStart = instanceCommand("start <host> <name>", "Start an instance", 0,
	func(cmd *cobra.Command, args []string, s *instanceSession) error {
		ctx, cancel := s.request()
		defer cancel()
		pid, err := s.reg.Start(ctx, s.name)
		if err != nil {
			return err
		}
		ok("started %s pid=%d", s.name, pid)
		return nil
	})

var cmdStop = instanceCommand("stop <host> <name>", "Stop an instance (SIGTERM, then SIGKILL)", 0,
	func(cmd *cobra.Command, args []string, s *instanceSession) error {
		ctx, cancel := s.request()
		defer cancel()
		msg, err := s.reg.Stop(ctx, s.name)
		if err != nil {
			return err
		}
		ok("stopped %s: %s", s.name, msg)
		return nil
	})

var cmdDestroy = instanceCommand("destroy <host> <name>", "Remove a stopped instance", 0,
	func(cmd *cobra.Command, args []string, s *instanceSession) error {
		ctx, cancel := s.request()
		defer cancel()
		if err := s.reg.Destroy(ctx, s.name); err != nil {
			return err
		}
		ok("destroyed %s", s.name)
		return nil
	})

var cmdQuery = instanceCommand("query <host> <name> <field>", "Read pid, exit, status, rundir or binding:<key>", 1,
	func(cmd *cobra.Command, args []string, s *instanceSession) error {
		ctx, cancel := s.request()
		defer cancel()
		value, err := s.reg.Query(ctx, s.name, args[2])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	})

var cmdWait = instanceCommand("wait <host> <name>", "Block until an instance settles", 0,
	func(cmd *cobra.Command, args []string, s *instanceSession) error {
		msg, err := s.reg.Wait(s.cmd.Context(), s.name)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	})

var cmdShutdown = &cobra.Command{
	Use:   "shutdown <host>",
	Short: "Stop every instance on the agent and exit it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, done, err := session(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := request(cmd)
		defer cancel()
		hc, err := reg.Host(args[0])
		if err != nil {
			return err
		}
		if _, err := hc.Do(ctx, "shutdown"); err != nil {
			return err
		}
		ok("%s shut down", args[0])
		return nil
	},
}
