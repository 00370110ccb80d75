package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/chzyer/readline"
)

// Reader reads lines from any io.Reader, writing the prompt to a separate
// writer. It serves pipes and tests.
type Reader struct {
	scanner *bufio.Scanner
	prompt  io.Writer
}

// NewReader returns a Reader. prompt may be nil.
func NewReader(r io.Reader, prompt io.Writer) *Reader {
	return &Reader{scanner: bufio.NewScanner(r), prompt: prompt}
}

func (r *Reader) ReadLine() (string, error) {
	if r.prompt != nil {
		_, _ = io.WriteString(r.prompt, Prompt)
	}
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Terminal is an interactive line editor. Output written through Stdout and
// Stderr is drawn above the prompt instead of corrupting it.
type Terminal struct {
	rl *readline.Instance
}

func NewTerminal() (*Terminal, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          Prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "q",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Terminal{rl: rl}, nil
}

// ReadLine treats an interrupt as an empty line, like the shell does.
func (t *Terminal) ReadLine() (string, error) {
	line, err := t.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", nil
	}
	return line, err
}

func (t *Terminal) Stdout() io.Writer { return t.rl.Stdout() }

func (t *Terminal) Stderr() io.Writer { return t.rl.Stderr() }

func (t *Terminal) Close() error { return t.rl.Close() }
