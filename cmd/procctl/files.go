package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/danmuck/edgeproc/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	putMode   string
	initForce bool
)

func init() {
	cmdPut.Flags().StringVar(&putMode, "mode", "", "octal mode for the remote file (default 644)")
	cmdConfigInit.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	cmdConfig.AddCommand(cmdConfigInit, cmdConfigValidate)
	rootCmd.AddCommand(cmdPush, cmdGet, cmdPut, cmdConfig)
}

var cmdPush = &cobra.Command{
	Use:   "push <host> <pkg> <file>",
	Short: "Upload a package file unless the agent already has it, then activate it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, done, err := session(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := request(cmd)
		defer cancel()
		info, uploaded, err := reg.PushPackage(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		state := "unchanged"
		if uploaded {
			state = color.YellowString("uploaded")
		}
		ok("%s/%s %s size=%d digest=%s", args[1], info.Name, state, info.Size, info.Digest)
		return nil
	},
}

var cmdGet = &cobra.Command{
	Use:   "get <host> <remote> <local>",
	Short: "Copy a file from the agent",
	Args:  cobra.ExactArgs(3),
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
		tmp, err := os.CreateTemp(filepath.Dir(args[2]), "."+filepath.Base(args[2])+".*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		n, err := hc.Client().CallForPayload(ctx, "get-file", tmp, args[1])
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if err := os.Rename(tmp.Name(), args[2]); err != nil {
			return err
		}
		ok("%s:%s -> %s (%d bytes)", args[0], args[1], args[2], n)
		return nil
	},
}

var cmdPut = &cobra.Command{
	Use:   "put <host> <local> <remote>",
	Short: "Copy a file to the agent",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		mode := putMode
		if mode == "" {
			mode = strconv.FormatUint(uint64(st.Mode().Perm()), 8)
		}
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
		req := []string{args[2], strconv.FormatInt(st.Size(), 10), mode}
		resp, err := hc.Client().CallWithPayload(ctx, "put-file", req, f, st.Size())
		if err != nil {
			return err
		}
		if !resp.OK() {
			return fmt.Errorf("put-file: %s", resp.Message)
		}
		ok("%s -> %s:%s (%s bytes)", args[1], args[0], args[2], resp.Message)
		return nil
	},
}

var cmdConfig = &cobra.Command{
	Use:   "config",
	Short: "Write or validate agent, collator and controller config files",
}

var cmdConfigInit = &cobra.Command{
	Use:   "init <agent|collator|controller> <path>",
	Short: "Write a config template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(args[1], args[0], initForce); err != nil {
			return err
		}
		ok("wrote %s config template to %s", args[0], args[1])
		return nil
	},
}

var cmdConfigValidate = &cobra.Command{
	Use:   "validate <agent|collator|controller> <path>",
	Short: "Load a config file and report problems",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Validate(args[1], args[0]); err != nil {
			return err
		}
		ok("validated %s config at %s", args[0], args[1])
		return nil
	},
}
