package driver

import (
	"context"
	"errors"

	"go.uber.org/zap"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
	"github.com/woxQAQ/wasm-loader/internal/prompt"
	"github.com/woxQAQ/wasm-loader/internal/wasm"
	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

// runMode is the calling convention of one run, chosen when the driver
// leaves Instantiated.
type runMode interface {
	// run executes the module and fills Mode, Export, Stdout, ExitCode and Err.
	run(ctx context.Context, d *Driver, inst *wasm.Instance, host *wasm.HostFunctions) *protocol.ExecutionResult

	// abandon releases the mode's resources when the run never started.
	abandon()
}

// systemInterfaceMode runs _start through the system interface.
type systemInterfaceMode struct {
	session *wasm.SystemInterface
}

func (m systemInterfaceMode) run(ctx context.Context, d *Driver, inst *wasm.Instance, _ *wasm.HostFunctions) *protocol.ExecutionResult {
	defer m.session.Release()

	result := &protocol.ExecutionResult{
		Mode:   protocol.RunModeSystemInterface,
		Export: abi.ExportStart,
	}

	if d.rc.readsStdin(d.compiled.Info.Imports) {
		m.primeStdin(ctx, d)
	}

	code, err := m.session.Run(ctx, inst)
	result.Stdout = wasm.CleanStdout(m.session.Stdout())
	result.Stderr = m.session.Stderr()
	result.ExitCode = protocol.ExitCode(code)

	if err != nil {
		result.Err = &wasm.TrapError{ModuleName: inst.Name, FunctionName: abi.ExportStart, Err: err}
		return result
	}

	d.logger.Info("Module exited",
		zap.String("stdout", result.Stdout),
		zap.Int32("exit_code", code),
	)
	return result
}

// primeStdin asks the user once for the module's standard input.
func (m systemInterfaceMode) primeStdin(ctx context.Context, d *Driver) {
	p := d.rc.currentPrompter()
	if p == nil {
		d.logger.Info("No prompter available, standard input left empty")
		return
	}

	text, err := p.Prompt(ctx, prompt.KindText)
	if err != nil {
		if errors.Is(err, prompt.ErrCancelled) {
			d.logger.Info("Input cancelled, standard input left empty")
		} else {
			d.logger.Warn("Prompt failed, standard input left empty", zap.Error(err))
		}
		return
	}
	m.session.PrimeStdin(text)
}

func (m systemInterfaceMode) abandon() {
	m.session.Release()
}

// directCallMode calls one exported function with no arguments and reads
// the exit_code global afterwards.
type directCallMode struct {
	export string
}

func (m directCallMode) run(ctx context.Context, d *Driver, inst *wasm.Instance, host *wasm.HostFunctions) (result *protocol.ExecutionResult) {
	result = &protocol.ExecutionResult{
		Mode:   protocol.RunModeDirectCall,
		Export: m.export,
	}

	// The exit code is read even when the call traps.
	defer func() {
		result.Stdout = host.Transcript().String()
		if code, ok := inst.GlobalInt(abi.GlobalExitCode); ok {
			d.logger.Info("Exit code", zap.Int32("exit_code", code))
			result.ExitCode = protocol.ExitCode(code)
		} else {
			d.logger.Info("No exit_code found")
			result.ExitCode = protocol.ExitCode(protocol.ExitCodeUnknown)
		}
	}()

	results, err := inst.Call(ctx, m.export)
	if err != nil {
		result.Err = &wasm.TrapError{ModuleName: inst.Name, FunctionName: m.export, Err: err}
		return result
	}

	if len(results) > 0 {
		d.logger.Debug("Export returned", zap.Uint64s("results", results))
	}
	return result
}

func (directCallMode) abandon() {}
