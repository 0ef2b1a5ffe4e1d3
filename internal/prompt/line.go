package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// LinePrompter reads one line per prompt from any reader.
// End of input cancels the prompt.
type LinePrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewLinePrompter creates a LinePrompter.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

// Prompt writes the question and reads a line.
func (p *LinePrompter) Prompt(ctx context.Context, kind Kind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprintf(p.out, "%s: ", kind.Label())

	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return trimEOL(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrCancelled
		}
		return "", err
	}
	return trimEOL(line), nil
}

// ReadlinePrompter prompts on an interactive terminal with line editing.
// Ctrl+C and Ctrl+D cancel the prompt.
type ReadlinePrompter struct {
	mu sync.Mutex
	rl *readline.Instance

	// shared instances belong to someone else: their prompt is restored
	// after each question and Close leaves them open.
	shared  bool
	restore string
}

// NewReadlinePrompter creates a ReadlinePrompter over in and out.
func NewReadlinePrompter(in io.Reader, out io.Writer, historyFile string) (*ReadlinePrompter, error) {
	cfg := &readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "^D",
		Stdout:          out,
	}
	if rc, ok := in.(io.ReadCloser); ok {
		cfg.Stdin = rc
	} else {
		cfg.Stdin = io.NopCloser(in)
	}

	rl, err := readline.NewEx(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize readline: %w", err)
	}
	return &ReadlinePrompter{rl: rl}, nil
}

// NewSharedReadlinePrompter asks its questions on an existing readline
// instance, such as an interactive shell's, and puts restore back as the
// prompt afterwards.
func NewSharedReadlinePrompter(rl *readline.Instance, restore string) *ReadlinePrompter {
	return &ReadlinePrompter{rl: rl, shared: true, restore: restore}
}

// Prompt shows the question and blocks until a line is entered.
func (p *ReadlinePrompter) Prompt(ctx context.Context, kind Kind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rl.SetPrompt(kind.Label() + ": ")
	if p.shared {
		defer p.rl.SetPrompt(p.restore)
	}
	line, err := p.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt || err == io.EOF {
			return "", ErrCancelled
		}
		return "", err
	}
	return line, nil
}

// Close releases the terminal.
func (p *ReadlinePrompter) Close() error {
	if p.shared {
		return nil
	}
	return p.rl.Close()
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\r\n")
}
