package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(newCommand(os.Stdin, os.Stdout, os.Stderr))
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}

	root := createRootCommand(c, globalFlags)
	root.AddCommand(
		createKeyCommand(c, globalFlags),
		createStartCommand(c, globalFlags),
		createKillCommand(c, globalFlags),
		createStatusCommand(c, globalFlags, statusFlags),
	)
	return root
}

// createRootCommand creates the interactive root command with the persistent flags
func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mobdtimer",
		Short: "Shared mob-programming timer",
		Long: `mobdtimer runs a countdown shared by everyone working in the same
git repository. The timer lives in a remote store under a key derived from
the repository's remote URL, so starting or killing it in one terminal
updates every other terminal.

Interactive commands:
  s <minutes>   start a timer
  k             kill the running timer
  q             quit

Examples:
  mobdtimer                                # interactive session
  mobdtimer start 10                       # start a 10 minute timer and exit
  mobdtimer status -o json
  mobdtimer --store-url=sqlite://timers.db # share through a local file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Interactive(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.StoreURL, "store-url", "", "timer store: https://<firebase>, postgres://..., sqlite://<path>")
	pf.StringVar(&flags.RemoteURL, "remote-url", "", "remote URL to derive the key from (skips git)")
	pf.StringVar(&flags.RepoDir, "repo-dir", ".", "repository directory")
	pf.StringVar(&flags.Remote, "remote", "origin", "git remote name")
	pf.StringVar(&flags.User, "user", "", "name recorded with started timers")
	pf.StringVar(&flags.LogFile, "log-file", "", "write logs to a rotating file instead of the terminal")
	pf.StringVar(&flags.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve /status, /metrics and /healthz on this address (interactive only)")
	pf.DurationVar(&flags.Timeout, "timeout", 10*time.Second, "store request timeout")

	return root
}

func createKeyCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the timer key of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Key(cmd, flags)
		},
	}
}

func createStartCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <minutes>",
		Short: "Start a shared timer and exit",
		Long: `Write a new end time for the shared timer. Every interactive session
following the same key starts counting down.

Examples:
  mobdtimer start 7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd, flags, args[0])
		},
	}
}

func createKillCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Kill the shared timer and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd, flags)
		},
	}
}

func createStatusCommand(c *command, flags *GlobalFlags, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the shared timer",
		Long: `Show the shared timer as recorded in the store.

Examples:
  mobdtimer status
  mobdtimer status -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd, flags, *statusFlags)
		},
	}
	cmd.Flags().StringVarP(&statusFlags.Output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}
