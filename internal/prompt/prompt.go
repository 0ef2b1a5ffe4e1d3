// Package prompt obtains values from the user synchronously.
//
// Host functions called by a running module cannot yield: the module is
// blocked on the call until it returns. Every Prompter therefore blocks the
// calling goroutine until it has a final answer or the user declines.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrCancelled is returned when the user declines to provide input.
var ErrCancelled = errors.New("input cancelled")

// Kind is the kind of value being requested.
type Kind int

const (
	KindInteger Kind = iota
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Label is the question shown to the user.
func (k Kind) Label() string {
	switch k {
	case KindInteger:
		return "Input an integer"
	case KindFloat:
		return "Input a float"
	default:
		return "Please enter standard input"
	}
}

// Prompter asks the user for a value and blocks until it has one.
type Prompter interface {
	// Prompt returns the raw text the user entered, without the line
	// terminator, or ErrCancelled.
	Prompt(ctx context.Context, kind Kind) (string, error)
}

// Mode selects a Prompter implementation.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeReadline Mode = "readline"
	ModeLine     Mode = "line"
	ModeScript   Mode = "script"
)

// Options configures New.
type Options struct {
	In  io.Reader
	Out io.Writer

	// Answers are consumed in order by the script prompter.
	Answers []string

	// AnswersFile is a YAML answers file appended after Answers.
	AnswersFile string

	// HistoryFile is the readline history location; empty disables history.
	HistoryFile string
}

// New builds the prompter for mode. ModeAuto picks readline when In is a
// terminal and the line prompter otherwise, unless answers were supplied.
func New(mode Mode, opts Options) (Prompter, error) {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}

	if mode == ModeAuto || mode == "" {
		switch {
		case len(opts.Answers) > 0 || opts.AnswersFile != "":
			mode = ModeScript
		case IsTerminal(opts.In):
			mode = ModeReadline
		default:
			mode = ModeLine
		}
	}

	switch mode {
	case ModeReadline:
		return NewReadlinePrompter(opts.In, opts.Out, opts.HistoryFile)
	case ModeLine:
		return NewLinePrompter(opts.In, opts.Out), nil
	case ModeScript:
		answers := append([]string(nil), opts.Answers...)
		if opts.AnswersFile != "" {
			fromFile, err := LoadAnswers(opts.AnswersFile)
			if err != nil {
				return nil, err
			}
			answers = append(answers, fromFile...)
		}
		return NewScriptPrompter(answers...), nil
	default:
		return nil, fmt.Errorf("unknown input mode %q", mode)
	}
}

// IsTerminal reports whether r is an interactive terminal.
func IsTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
