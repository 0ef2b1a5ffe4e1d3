package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-loader/internal/config"
	"github.com/woxQAQ/wasm-loader/internal/driver"
	"github.com/woxQAQ/wasm-loader/internal/prompt"
	"github.com/woxQAQ/wasm-loader/internal/wasm"
)

// app holds what every command shares: flags, configuration and the logger.
type app struct {
	configPath string
	logLevel   string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "wasm-loader",
		Short: "Load and run WebAssembly modules",
		Long: `wasm-loader - compile a WebAssembly module and run it on the host.

Modules that import the system interface (wasi_snapshot_preview1 or
wasi_unstable) run through _start with captured standard streams. Other
modules have an exported function called directly, with the env imports
(malloc, writeS, writeInt, writeFloat, readInt, readFloat, abort) provided
by the host, and report their result through an exit_code global.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to configuration file (default: user config dir)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log every allocation made for the module")

	root.AddCommand(newInspectCmd(a), newRunCmd(a), newShellCmd(a))
	return root
}

// init loads the configuration, applies flag overrides and builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger

	logger.Debug("Starting wasm-loader",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
		zap.String("config", cfg.Path),
	)
	return nil
}

// newLogger builds a development logger for debug and a production one otherwise.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// newPrompter builds the prompter for a command. Explicit answers always
// select the script prompter.
func (a *app) newPrompter(cmd *cobra.Command, answers []string, answersFile string) (prompt.Prompter, error) {
	mode := prompt.Mode(a.cfg.Input.Mode)
	if answersFile == "" {
		answersFile = a.cfg.Input.Script
	}
	if len(answers) > 0 || answersFile != "" {
		mode = prompt.ModeScript
	}

	return prompt.New(mode, prompt.Options{
		In:          cmd.InOrStdin(),
		Out:         cmd.ErrOrStderr(),
		Answers:     answers,
		AnswersFile: answersFile,
		HistoryFile: a.cfg.Input.History,
	})
}

// newDriver creates a driver configured from the loaded configuration.
func (a *app) newDriver(ctx context.Context, p prompt.Prompter, observer wasm.Observer) (*driver.Driver, error) {
	rc, err := driver.NewRuntimeContext(ctx, a.logger, driver.Options{
		Runtime:         a.cfg.Runtime(),
		Verbose:         a.cfg.Verbose || a.verbose,
		Prompter:        p,
		Observer:        observer,
		HeapBaseGlobals: a.cfg.Wasm.HeapBaseGlobals,
		StdinImports:    a.cfg.Wasm.StdinImports,
	})
	if err != nil {
		return nil, err
	}
	return driver.New(rc, a.logger), nil
}

// closePrompter releases prompters that hold a terminal.
func closePrompter(p prompt.Prompter) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}
