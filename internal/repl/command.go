// Package repl implements the line-oriented command loop of the
// interactive session.
package repl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Prompt is shown before every command line.
const Prompt = "mobdtimer> "

type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdQuit
	CmdKill
	CmdStart
)

func (k CommandKind) String() string {
	switch k {
	case CmdNone:
		return "none"
	case CmdQuit:
		return "quit"
	case CmdKill:
		return "kill"
	case CmdStart:
		return "start"
	default:
		return "unknown"
	}
}

// Command is one parsed input line.
type Command struct {
	Kind    CommandKind
	Minutes uint64 // CmdStart only
}

var (
	ErrInvalidCommand  = errors.New("invalid command")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ArgumentError reports a command argument that could not be parsed.
type ArgumentError struct {
	Value string
	Err   error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %q is not a whole number of minutes", ErrInvalidArgument, e.Value)
}

func (e *ArgumentError) Unwrap() []error { return []error{ErrInvalidArgument, e.Err} }

// Parse turns a line into a Command.
//
//	""           CmdNone
//	"q"          CmdQuit
//	"k"          CmdKill
//	"s <min>"    CmdStart
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{Kind: CmdNone}, nil
	}
	if len(fields) > 2 {
		return Command{}, ErrInvalidCommand
	}
	switch {
	case fields[0] == "q" && len(fields) == 1:
		return Command{Kind: CmdQuit}, nil
	case fields[0] == "k" && len(fields) == 1:
		return Command{Kind: CmdKill}, nil
	case fields[0] == "s" && len(fields) == 2:
		minutes, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return Command{}, &ArgumentError{Value: fields[1], Err: err}
		}
		return Command{Kind: CmdStart, Minutes: minutes}, nil
	default:
		return Command{}, ErrInvalidCommand
	}
}
