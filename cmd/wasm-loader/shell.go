package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-loader/internal/config"
	"github.com/woxQAQ/wasm-loader/internal/driver"
	"github.com/woxQAQ/wasm-loader/internal/prompt"
)

const shellPrompt = "wasm> "

const shellHelp = `Commands:
  load <file.wasm>   compile a module (replaces the current one)
  exports            list the module's function exports
  select [name]      choose the export run in direct-call mode
  run [name]         run the module once
  reset              discard the module and the last result
  debug [on|off]     toggle allocation logging (saved to the config file)
  status             show the current state
  help               show this help
  exit               leave the shell`

func newShellCmd(a *app) *cobra.Command {
	var history string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session for loading and running modules",
		Long: `Start an interactive session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - Module input prompts answered in place

` + shellHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if history == "" {
				history = a.cfg.Input.History
			}
			if history == "" {
				home, _ := os.UserHomeDir()
				history = filepath.Join(home, ".wasm_loader_history")
			}
			return a.runShell(cmd, history)
		},
	}

	cmd.Flags().StringVar(&history, "history", "", "History file path (default: ~/.wasm_loader_history)")
	return cmd
}

func (a *app) runShell(cmd *cobra.Command, history string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            shellPrompt,
		HistoryFile:       history,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            out,
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	d, err := a.newDriver(ctx, prompt.NewSharedReadlinePrompter(rl, shellPrompt), a.observer(cmd, false))
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	sh := newShell(a, d, out)
	sh.pick = func(module string, funcs []string, current string) (string, error) {
		return pickExport(os.Stdin, out, module, funcs, current)
	}

	fmt.Fprintln(out, "wasm-loader shell (type 'help' for commands, Ctrl+D to exit)")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		if quit := sh.exec(ctx, line); quit {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// shell interprets session commands against one driver.
type shell struct {
	a   *app
	d   *driver.Driver
	out io.Writer
	s   styles

	// pick chooses an export interactively; nil disables the picker.
	pick func(module string, funcs []string, current string) (string, error)
}

func newShell(a *app, d *driver.Driver, out io.Writer) *shell {
	return &shell{a: a, d: d, out: out, s: newStyles(out)}
}

// exec runs one command line and reports whether the session should end.
func (sh *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	var err error
	switch name {
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprintln(sh.out, shellHelp)
	case "load":
		err = sh.load(ctx, args)
	case "exports":
		err = sh.exports()
	case "select":
		err = sh.selectExport(args)
	case "run":
		err = sh.run(ctx, args)
	case "reset":
		err = sh.d.Reset(ctx)
		if err == nil {
			fmt.Fprintln(sh.out, "Reset")
		}
	case "debug":
		err = sh.debug(args)
	case "status":
		sh.status()
	default:
		err = fmt.Errorf("unknown command %q (type 'help')", name)
	}

	if err != nil {
		fmt.Fprintln(sh.out, sh.s.failure.Render("Error: "+err.Error()))
	}
	return false
}

func (sh *shell) load(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: load <file.wasm>")
	}

	wasmBytes, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}

	report, err := sh.d.Compile(ctx, filepath.Base(args[0]), wasmBytes)
	renderReport(sh.out, report)
	if err != nil {
		return nil
	}

	if len(report.Functions) > 1 {
		fmt.Fprintln(sh.out, sh.s.muted.Render("Several functions are exported; choose one with 'select <name>'"))
	}
	return nil
}

func (sh *shell) exports() error {
	report := sh.d.Report()
	if report == nil {
		return driver.ErrNotLoaded
	}

	for _, name := range report.Functions {
		marker := "  "
		if name == report.SelectedExport {
			marker = "> "
		}
		fmt.Fprintf(sh.out, "%s%s\n", marker, sh.s.name.Render(name))
	}
	return nil
}

func (sh *shell) selectExport(args []string) error {
	report := sh.d.Report()
	if report == nil {
		return driver.ErrNotLoaded
	}

	var name string
	switch {
	case len(args) == 1:
		name = args[0]
	case len(args) == 0 && sh.pick != nil && len(report.Functions) > 1:
		picked, err := sh.pick(report.Name, report.Functions, report.SelectedExport)
		if err != nil {
			return err
		}
		name = picked
	default:
		return errors.New("usage: select <name>")
	}

	if err := sh.d.Select(name); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Selected %s\n", sh.s.name.Render(name))
	return nil
}

func (sh *shell) run(ctx context.Context, args []string) error {
	export := ""
	if len(args) > 0 {
		export = args[0]
	}

	fmt.Fprintln(sh.out, "Running...")
	result, err := sh.d.Run(ctx, export)
	if err != nil {
		return err
	}
	renderResult(sh.out, result)
	return nil
}

// debug toggles allocation logging and persists the choice.
func (sh *shell) debug(args []string) error {
	rc := sh.d.Context()
	verbose := !rc.Verbose()
	if len(args) > 0 {
		switch args[0] {
		case "on":
			verbose = true
		case "off":
			verbose = false
		default:
			return errors.New("usage: debug [on|off]")
		}
	}

	rc.SetVerbose(verbose)
	sh.a.cfg.Verbose = verbose

	state := "off"
	if verbose {
		state = "on"
	}

	path := sh.a.cfg.Path
	if path == "" {
		path = config.DefaultPath()
	}
	if err := sh.a.cfg.Save(path); err != nil {
		sh.a.logger.Warn("Failed to persist debug mode", zap.Error(err))
		fmt.Fprintf(sh.out, "Debug mode %s (not saved: %v)\n", state, err)
		return nil
	}

	fmt.Fprintf(sh.out, "Debug mode %s\n", state)
	return nil
}

func (sh *shell) status() {
	fmt.Fprintf(sh.out, "%s %s\n", sh.s.label.Render("State:"), sh.d.State())
	fmt.Fprintf(sh.out, "%s %v\n", sh.s.label.Render("Debug:"), sh.d.Context().Verbose())

	if report := sh.d.Report(); report != nil {
		fmt.Fprintf(sh.out, "%s %s\n", sh.s.label.Render("Module:"), report.Name)
		fmt.Fprintf(sh.out, "%s %s\n", sh.s.label.Render("Export:"), report.SelectedExport)
		fmt.Fprintf(sh.out, "%s %s\n", sh.s.label.Render("Entry:"), report.Status)
	}

	if result := sh.d.LastResult(); result != nil {
		line := statusLine(result)
		if line == "" {
			line = "exit code unknown"
		}
		fmt.Fprintf(sh.out, "%s %s\n", sh.s.label.Render("Last run:"), line)
	}
}
