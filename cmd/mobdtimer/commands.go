package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openpubmobus/mobdtimer"
	"github.com/openpubmobus/mobdtimer/internal/config"
	"github.com/openpubmobus/mobdtimer/internal/logger"
	"github.com/openpubmobus/mobdtimer/internal/repl"
	"github.com/openpubmobus/mobdtimer/internal/server"
)

// command implements the CLI actions against injectable streams.
type command struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// isTerminal decides whether the interactive session uses readline.
	isTerminal func() bool
}

func newCommand(stdin io.Reader, stdout, stderr io.Writer) *command {
	c := &command{stdin: stdin, stdout: stdout, stderr: stderr, isTerminal: func() bool { return false }}
	if stdin == os.Stdin {
		c.isTerminal = readline.DefaultIsTerminal
	}
	return c
}

// loadConfig reads and validates configuration for cmd.
func (c *command) loadConfig(cmd *cobra.Command, flags *GlobalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openSession builds the logger and a session. The returned cleanup closes both.
func (c *command) openSession(ctx context.Context, cfg config.Config, opts mobdtimer.Options, console io.Writer) (*mobdtimer.Session, *slog.Logger, func(), error) {
	log, logCloser, err := logger.New(cfg.Log, console)
	if err != nil {
		return nil, nil, nil, err
	}
	opts.Logger = log
	s, err := mobdtimer.New(ctx, opts)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, err
	}
	return s, log, func() {
		if err := s.Close(); err != nil {
			log.Warn("Closing store failed", "error", err)
		}
		_ = logCloser.Close()
	}, nil
}

// Interactive runs the command loop and the change listener side by side.
func (c *command) Interactive(cmd *cobra.Command, flags *GlobalFlags) error {
	ctx := cmd.Context()
	cfg, err := c.loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	var (
		in        repl.LineReader
		out       = c.stdout
		logOutput = c.stderr
	)
	if c.isTerminal() {
		term, err := repl.NewTerminal()
		if err != nil {
			return err
		}
		defer func() { _ = term.Close() }()
		in, out, logOutput = term, term.Stdout(), term.Stderr()
	} else {
		in = repl.NewReader(c.stdin, c.stderr)
	}

	opts := mobdtimer.OptionsFromConfig(cfg)
	opts.Status = out
	s, log, cleanup, err := c.openSession(ctx, cfg, opts, logOutput)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := mobdtimer.RegisterMetricsDefault(); err != nil {
		log.Warn("Metrics registration failed", "error", err)
	}
	if cfg.MetricsAddr != "" {
		srv, err := server.NewServer(cfg.MetricsAddr, "", s, log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	_, _ = fmt.Fprintf(out, "repo key: %s\n", s.Key())

	listenCtx, stopListening := context.WithCancel(ctx)
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		if err := s.Listen(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Change listener stopped", "error", err)
		}
	}()
	defer func() {
		stopListening()
		<-listenDone
	}()

	err = repl.NewLoop(sessionController{s: s}, log).Run(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Key prints the canonical key without touching the store.
func (c *command) Key(cmd *cobra.Command, flags *GlobalFlags) error {
	cfg, err := c.loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	key, err := mobdtimer.ResolveKey(cmd.Context(), mobdtimer.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout, key)
	return nil
}

// Start publishes a timer of arg minutes.
func (c *command) Start(cmd *cobra.Command, flags *GlobalFlags, arg string) error {
	minutes, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return &repl.ArgumentError{Value: arg, Err: err}
	}
	s, cleanup, err := c.oneShot(cmd, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	end, err := s.Start(cmd.Context(), minutes)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout, "timer started: ends at %s\n", time.Unix(end, 0).Format("15:04:05"))
	return nil
}

// Kill publishes an end time of now.
func (c *command) Kill(cmd *cobra.Command, flags *GlobalFlags) error {
	s, cleanup, err := c.oneShot(cmd, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := s.Kill(cmd.Context()); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout, "timer killed")
	return nil
}

// statusOutput is the printed form of the shared timer.
type statusOutput struct {
	Key       string `json:"key" yaml:"key"`
	Running   bool   `json:"running" yaml:"running"`
	EndTime   int64  `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	Remaining string `json:"remaining,omitempty" yaml:"remaining,omitempty"`
	StartedBy string `json:"startedBy,omitempty" yaml:"startedBy,omitempty"`
}

func (c *command) Status(cmd *cobra.Command, flags *GlobalFlags, statusFlags StatusFlags) error {
	switch statusFlags.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", statusFlags.Output)
	}
	s, cleanup, err := c.oneShot(cmd, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := s.Status(cmd.Context())
	if err != nil {
		return err
	}
	outp := statusOutput{Key: st.Key, Running: st.Active}
	if st.Remote != nil {
		outp.EndTime = st.Remote.EndTime
		outp.StartedBy = st.Remote.StartedBy
	}
	if st.Active {
		outp.Remaining = st.Remaining.Round(time.Second).String()
	}
	return printStatus(c.stdout, statusFlags.Output, outp)
}

func printStatus(w io.Writer, format string, st statusOutput) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		b, err := yaml.Marshal(st)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	_, _ = fmt.Fprintf(w, "key:        %s\n", st.Key)
	if !st.Running {
		_, err := fmt.Fprintln(w, "state:      idle")
		return err
	}
	_, _ = fmt.Fprintln(w, "state:      running")
	_, _ = fmt.Fprintf(w, "ends at:    %s\n", time.Unix(st.EndTime, 0).Format("15:04:05"))
	_, _ = fmt.Fprintf(w, "remaining:  %s\n", st.Remaining)
	if st.StartedBy != "" {
		_, _ = fmt.Fprintf(w, "started by: %s\n", st.StartedBy)
	}
	return nil
}

// oneShot opens a write-only session for the non-interactive subcommands.
func (c *command) oneShot(cmd *cobra.Command, flags *GlobalFlags) (*mobdtimer.Session, func(), error) {
	cfg, err := c.loadConfig(cmd, flags)
	if err != nil {
		return nil, nil, err
	}
	opts := mobdtimer.OptionsFromConfig(cfg)
	opts.WriteOnly = true
	s, _, cleanup, err := c.openSession(cmd.Context(), cfg, opts, c.stderr)
	if err != nil {
		return nil, nil, err
	}
	return s, cleanup, nil
}

// sessionController adapts a Session to the command loop.
type sessionController struct {
	s *mobdtimer.Session
}

func (c sessionController) Start(ctx context.Context, minutes uint64) error {
	_, err := c.s.Start(ctx, minutes)
	return err
}

func (c sessionController) Kill(ctx context.Context) error { return c.s.Kill(ctx) }
