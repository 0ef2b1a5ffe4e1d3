package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-loader/internal/driver"
	"github.com/woxQAQ/wasm-loader/internal/manifest"
	"github.com/woxQAQ/wasm-loader/internal/prompt"
	"github.com/woxQAQ/wasm-loader/internal/wasm"
	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

type runOptions struct {
	export      string
	pick        bool
	inputs      []string
	inputsFile  string
	manifestDir string
	asJSON      bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [file.wasm]",
		Short: "Compile and run a module once",
		Long: `Compile a module and run it once.

Input requested by the module (readInt, readFloat or standard input) is
answered from --input values, an answers file, or an interactive prompt.
Cancelling a numeric prompt gives the module 0.

With --manifest, every manifest.yaml found in the directory (or its
subdirectories) is run with its own entry, inputs and expectations.

The process exits with the module's exit code.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.manifestDir != "" {
				return a.runManifests(cmd, opts)
			}
			if len(args) == 0 {
				return errors.New("a module file or --manifest is required")
			}
			return a.runFile(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.export, "export", "e", "", "Function export to call in direct-call mode (default: entry from config)")
	cmd.Flags().BoolVar(&opts.pick, "pick", false, "Choose the export interactively when the module has several")
	cmd.Flags().StringSliceVarP(&opts.inputs, "input", "i", nil, "Answer for the module's next read (repeatable)")
	cmd.Flags().StringVar(&opts.inputsFile, "inputs", "", "YAML file with an answers list")
	cmd.Flags().StringVar(&opts.manifestDir, "manifest", "", "Directory holding manifest.yaml run descriptions")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the result as JSON")
	return cmd
}

// observer shows module output live unless the result is printed as JSON.
// Output is always logged at debug level.
func (a *app) observer(cmd *cobra.Command, asJSON bool) wasm.Observer {
	logged := wasm.NewLogObserver(a.logger)
	if asJSON {
		return logged
	}
	return wasm.Tee(wasm.NewWriterObserver(cmd.OutOrStdout()), logged)
}

func (a *app) runFile(cmd *cobra.Command, path string, opts *runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}

	p, err := a.newPrompter(cmd, opts.inputs, opts.inputsFile)
	if err != nil {
		return err
	}
	defer closePrompter(p)

	d, err := a.newDriver(ctx, p, a.observer(cmd, opts.asJSON))
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	report, err := d.Compile(ctx, filepath.Base(path), wasmBytes)
	if err != nil {
		if !opts.asJSON {
			renderReport(out, report)
		}
		return err
	}

	if err := a.chooseExport(cmd, d, report, opts); err != nil {
		return err
	}

	result, err := d.Run(ctx, "")
	if err != nil {
		return err
	}

	if opts.asJSON {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		renderResult(out, result)
	}
	return exitStatus(result)
}

// chooseExport applies --export, --pick or the configured entry, in that order.
func (a *app) chooseExport(cmd *cobra.Command, d *driver.Driver, report *protocol.CompileReport, opts *runOptions) error {
	switch {
	case opts.export != "":
		return d.Select(opts.export)

	case opts.pick && len(report.Functions) > 1:
		if !prompt.IsTerminal(cmd.InOrStdin()) {
			return errors.New("--pick needs an interactive terminal")
		}
		name, err := pickExport(cmd.InOrStdin(), cmd.ErrOrStderr(), report.Name, report.Functions, report.SelectedExport)
		if err != nil {
			return err
		}
		return d.Select(name)

	case a.cfg.Entry != "" && a.cfg.Entry != report.SelectedExport:
		if err := d.Select(a.cfg.Entry); err != nil {
			a.logger.Warn("Configured entry is not a function export",
				zap.String("entry", a.cfg.Entry),
				zap.Error(err),
			)
		}
	}
	return nil
}

// manifestRun is the JSON record of one manifest run.
type manifestRun struct {
	Name   string                    `json:"name"`
	Result *protocol.ExecutionResult `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

func (a *app) runManifests(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	s := newStyles(out)

	manifests, err := manifest.Discover([]string{opts.manifestDir}, a.logger)
	if err != nil {
		return err
	}

	d, err := a.newDriver(ctx, nil, a.observer(cmd, opts.asJSON))
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	runs := make([]manifestRun, 0, len(manifests))
	failed := 0

	for _, m := range manifests {
		if !opts.asJSON {
			fmt.Fprintf(out, "%s %s\n", s.title.Render("Run"), m.Name)
		}

		result, err := a.runManifest(cmd, d, m)
		run := manifestRun{Name: m.Name, Result: result}
		if err != nil {
			failed++
			run.Error = err.Error()
		}
		runs = append(runs, run)

		if opts.asJSON {
			continue
		}
		if result != nil {
			renderResult(out, result)
		}
		if err != nil {
			fmt.Fprintln(out, s.failure.Render(err.Error()))
		}
		fmt.Fprintln(out)
	}

	if opts.asJSON {
		if err := writeJSON(out, runs); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(manifests))
	}
	return nil
}

// runManifest runs one manifest. A manifest with expectations passes when
// they hold; one without passes when the module exits with 0.
func (a *app) runManifest(cmd *cobra.Command, d *driver.Driver, m *manifest.Manifest) (*protocol.ExecutionResult, error) {
	ctx := cmd.Context()

	d.Context().SetPrompter(prompt.NewScriptPrompter(m.Inputs...))
	d.Context().SetVerbose(a.cfg.Verbose || a.verbose || m.Verbose)

	wasmBytes, err := m.ReadWasm()
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	if _, err := d.Compile(ctx, m.Name, wasmBytes); err != nil {
		return nil, err
	}
	if m.Entry != "" {
		if err := d.Select(m.Entry); err != nil {
			return nil, err
		}
	}

	result, err := d.Run(ctx, "")
	if err != nil {
		return nil, err
	}

	if m.Expect != nil {
		return result, m.Check(result)
	}
	return result, exitStatus(result)
}

// exitStatus turns a non-zero or failed run into an exitCodeError.
func exitStatus(result *protocol.ExecutionResult) error {
	code := result.Code()
	if result.Status == protocol.RunStatusFailed {
		if code <= 0 {
			code = 1
		}
		return &exitCodeError{code: int(code)}
	}
	if result.ExitCodeKnown() && code != 0 {
		return &exitCodeError{code: int(code)}
	}
	return nil
}
