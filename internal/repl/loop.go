package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Controller executes the timer commands.
type Controller interface {
	Start(ctx context.Context, minutes uint64) error
	Kill(ctx context.Context) error
}

// LineReader yields input lines without their trailing newline. It returns
// io.EOF when input is exhausted.
type LineReader interface {
	ReadLine() (string, error)
}

// DefaultMaxInputErrors is how many consecutive read failures end the loop.
const DefaultMaxInputErrors = 3

// Loop reads commands and dispatches them to a Controller.
type Loop struct {
	ctrl           Controller
	logger         *slog.Logger
	maxInputErrors int
}

func NewLoop(ctrl Controller, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{ctrl: ctrl, logger: logger, maxInputErrors: DefaultMaxInputErrors}
}

type readResult struct {
	line string
	err  error
}

// Run processes lines until "q", end of input or ctx cancellation. Command
// and controller errors are written to out as one line each and the loop
// continues. It returns nil on "q" and EOF, ctx.Err() on cancellation and
// the last read error after too many consecutive input failures.
func (l *Loop) Run(ctx context.Context, in LineReader, out io.Writer) error {
	// Reads happen on their own goroutine, one per request, so a blocked
	// read does not keep the loop from noticing cancellation.
	requests := make(chan struct{})
	results := make(chan readResult, 1)
	go func() {
		for range requests {
			line, err := in.ReadLine()
			results <- readResult{line: line, err: err}
		}
	}()
	defer close(requests)

	inputErrors := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		requests <- struct{}{}
		var r readResult
		select {
		case r = <-results:
		case <-ctx.Done():
			return ctx.Err()
		}

		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				l.logger.Debug("Input closed")
				return nil
			}
			inputErrors++
			_, _ = fmt.Fprintf(out, "input error: %v\n", r.err)
			if inputErrors >= l.maxInputErrors {
				return fmt.Errorf("reading input: %w", r.err)
			}
			continue
		}
		inputErrors = 0

		cmd, err := Parse(r.line)
		if err != nil {
			_, _ = fmt.Fprintln(out, err)
			continue
		}
		if quit := l.dispatch(ctx, cmd, out); quit {
			return nil
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, cmd Command, out io.Writer) bool {
	var err error
	switch cmd.Kind {
	case CmdNone:
		return false
	case CmdQuit:
		l.logger.Debug("Quit requested")
		return true
	case CmdKill:
		err = l.ctrl.Kill(ctx)
	case CmdStart:
		err = l.ctrl.Start(ctx, cmd.Minutes)
	}
	if err != nil {
		l.logger.Debug("Command failed", "command", cmd.Kind, "error", err)
		_, _ = fmt.Fprintln(out, err)
	}
	return false
}
