// Package driver runs compiled WebAssembly modules.
//
// A Driver moves through Unloaded, Compiled, Instantiated, Running and
// finally Succeeded or Failed. Every run gets a fresh instance and a fresh
// allocator; the compiled module survives until the next Compile or Reset.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
	"github.com/woxQAQ/wasm-loader/internal/wasm"
	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

// Status lines reported after compilation.
const (
	StatusEntryPointFound   = "Found _start function"
	StatusEntryPointMissing = "No _start function found"
)

// Driver orchestrates compile, instantiate and run for one module at a time.
type Driver struct {
	rc *RuntimeContext

	// mu serializes Compile, Select, Run and Reset.
	mu sync.Mutex

	state    atomic.Int32
	compiled *wasm.CompiledModule
	report   *protocol.CompileReport
	selected string
	last     *protocol.ExecutionResult

	logger *zap.Logger
}

// New creates a driver over rc. The driver owns rc and closes it in Close.
func New(rc *RuntimeContext, logger *zap.Logger) *Driver {
	return &Driver{
		rc:       rc,
		selected: abi.ExportStart,
		logger:   logger.With(zap.String("component", "driver")),
	}
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev != s {
		d.logger.Debug("State transition",
			zap.Stringer("from", prev),
			zap.Stringer("to", s),
		)
	}
}

// Context returns the runtime context the driver runs in.
func (d *Driver) Context() *RuntimeContext {
	return d.rc
}

// Compile lowers and compiles wasmBytes, replacing any module already held.
// On failure the driver is left Unloaded and the returned report carries the
// error text alongside the *wasm.CompileError.
func (d *Driver) Compile(ctx context.Context, name string, wasmBytes []byte) (*protocol.CompileReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A failure to close the previous module is logged and does not block loading.
	_ = d.resetLocked(ctx)

	compiled, err := d.rc.loader.LoadModuleFromMemory(ctx, name, wasmBytes)
	if err != nil {
		d.logger.Error("Failed to compile module", zap.String("module", name), zap.Error(err))
		return &protocol.CompileReport{Name: name, SizeBytes: int64(len(wasmBytes)), Error: err.Error()}, err
	}

	report := &protocol.CompileReport{
		Name:           compiled.Name,
		SizeBytes:      compiled.SizeBytes,
		Exports:        compiled.Info.Exports,
		Imports:        compiled.Info.Imports,
		Functions:      compiled.Info.FunctionExports(),
		SelectedExport: abi.ExportStart,
	}

	session := wasm.NewSystemInterface(d.logger)
	if err := session.ResolveImports(compiled); err == nil {
		report.SystemInterface = true
	} else {
		d.logger.Info("System interface not used", zap.String("module", name))
	}

	if compiled.Info.HasExport(abi.ExportStart, protocol.ExportKindFunction) {
		report.Status = StatusEntryPointFound
	} else {
		report.Status = StatusEntryPointMissing
	}
	d.logger.Info(report.Status, zap.String("module", name))

	d.compiled = compiled
	d.report = report
	d.selected = abi.ExportStart
	d.updateRunnable()
	d.setState(StateCompiled)

	return d.copyReport(), nil
}

// Select chooses the export called in direct-call mode.
func (d *Driver) Select(export string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.compiled == nil {
		return ErrNotLoaded
	}
	if !d.compiled.Info.HasExport(export, protocol.ExportKindFunction) {
		return &wasm.ExportNotFoundError{ModuleName: d.compiled.Name, FunctionName: export}
	}

	d.selected = export
	d.report.SelectedExport = export
	d.updateRunnable()

	d.logger.Info("Export selected", zap.String("export", export))
	return nil
}

// updateRunnable recomputes whether Run has anything to invoke.
func (d *Driver) updateRunnable() {
	d.report.Runnable = d.hasEntryPoint(d.selected)
}

// hasEntryPoint reports whether a run of export would find a function to
// call. System-interface runs always start at _start, whatever is selected.
func (d *Driver) hasEntryPoint(export string) bool {
	if d.report.SystemInterface {
		export = abi.ExportStart
	}
	return d.compiled.Info.HasExport(export, protocol.ExportKindFunction)
}

// Report returns a copy of the last compile report, or nil when unloaded.
func (d *Driver) Report() *protocol.CompileReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.copyReport()
}

func (d *Driver) copyReport() *protocol.CompileReport {
	if d.report == nil {
		return nil
	}
	r := *d.report
	return &r
}

// LastResult returns the result of the most recent run, or nil.
func (d *Driver) LastResult() *protocol.ExecutionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Run instantiates the module and runs it once.
//
// export overrides the selected export for this run; empty keeps the
// selection. A trap, a timeout or a system-interface fault still yields a
// result with Status failed and the fault in Err; the returned error is
// reserved for runs that could not start.
func (d *Driver) Run(ctx context.Context, export string) (*protocol.ExecutionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.compiled == nil {
		return nil, ErrNotLoaded
	}
	if export == "" {
		export = d.selected
	}

	useSystemInterface := d.report.SystemInterface
	if !d.hasEntryPoint(export) {
		d.logger.Warn("Run refused", zap.String("export", export), zap.Error(ErrNoEntryPoint))
		return nil, ErrNoEntryPoint
	}

	d.logger.Info("Running module",
		zap.String("module", d.compiled.Name),
		zap.Bool("system_interface", useSystemInterface),
	)

	if useSystemInterface {
		if err := d.rc.EnsureSystemInterface(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize system interface: %w", err)
		}
	}

	host := d.rc.newHost()

	var mode runMode
	config := &wasm.InstanceConfig{Host: host}
	if useSystemInterface {
		session := wasm.NewSystemInterface(d.logger)
		mode = systemInterfaceMode{session: session}
		config = session.InstanceConfig(host)
	} else {
		mode = directCallMode{export: export}
	}

	inst, err := d.rc.instances.Instantiate(ctx, d.compiled, config)
	if err != nil {
		mode.abandon()
		d.setState(StateCompiled)
		d.logger.Error("Failed to instantiate module", zap.Error(err))
		return nil, err
	}
	defer inst.Close(ctx)
	d.setState(StateInstantiated)

	d.wireAllocator(inst, host.Allocator())

	runCtx := ctx
	timeout := d.rc.runtime.Config().ExecutionTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	d.setState(StateRunning)
	startTime := time.Now()

	result := mode.run(runCtx, d, inst, host)
	result.Duration = time.Since(startTime).Milliseconds()

	if result.Err != nil && timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.Err = &wasm.TimeoutError{Duration: timeout}
	}

	if result.Err != nil {
		result.Status = protocol.RunStatusFailed
		result.Error = result.Err.Error()
		d.setState(StateFailed)
		d.logger.Error("Program failed",
			zap.String("export", result.Export),
			zap.Error(result.Err),
		)
	} else {
		result.Status = protocol.RunStatusSucceeded
		d.setState(StateSucceeded)
	}

	d.logger.Info("Run finished",
		zap.String("mode", string(result.Mode)),
		zap.Int32("exit_code", result.Code()),
		zap.Int64("duration_ms", result.Duration),
	)

	d.last = result
	return result, nil
}

// wireAllocator sets the heap base and hands the allocator the memory's
// growth capability.
func (d *Driver) wireAllocator(inst *wasm.Instance, allocator *wasm.Allocator) {
	base, global, ok := inst.HeapBase(d.rc.heapBaseGlobals...)
	if !ok {
		d.logger.Info("No heap_base_ptr found")
	} else {
		d.logger.Debug("Heap base", zap.String("global", global), zap.Uint32("base", base))
	}
	allocator.SetBase(base)

	if grower, pages, ok := inst.Grower(); ok {
		allocator.Attach(grower, pages)
	}
}

// Reset discards the compiled module and the last result. It is valid in
// every state and always leaves the driver Unloaded.
func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.resetLocked(ctx)
}

func (d *Driver) resetLocked(ctx context.Context) error {
	var err error
	if d.compiled != nil {
		err = d.compiled.Close(ctx)
		if err != nil {
			d.logger.Warn("Failed to close compiled module", zap.Error(err))
		}
	}

	d.compiled = nil
	d.report = nil
	d.selected = abi.ExportStart
	d.last = nil
	d.setState(StateUnloaded)
	return err
}

// Close resets the driver and shuts down its runtime context.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_ = d.resetLocked(ctx)
	return d.rc.Close(ctx)
}
