package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/woxQAQ/wasm-loader/internal/wasm"
)

func newInspectCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <file.wasm>",
		Short: "Compile a module and list its exports and imports",
		Long: `Compile a module without running it and report its exports, imports,
the run mode it would use and whether it has an entry point.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			wasmBytes, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read module: %w", err)
			}

			d, err := a.newDriver(ctx, nil, wasm.NopObserver)
			if err != nil {
				return err
			}
			defer d.Close(ctx)

			report, compileErr := d.Compile(ctx, filepath.Base(args[0]), wasmBytes)

			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				renderReport(cmd.OutOrStdout(), report)
			}
			return compileErr
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
