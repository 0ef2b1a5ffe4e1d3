package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
	"github.com/woxQAQ/wasm-loader/internal/prompt"
	"github.com/woxQAQ/wasm-loader/internal/wasm"
	wt "github.com/woxQAQ/wasm-loader/internal/wasm/wasmtest"
	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

func newDriver(t *testing.T, opts Options) *Driver {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	rc, err := NewRuntimeContext(ctx, logger, opts)
	require.NoError(t, err)

	d := New(rc, logger)
	t.Cleanup(func() { _ = d.Close(ctx) })
	return d
}

func compile(t *testing.T, d *Driver, name string, wasmBytes []byte) *protocol.CompileReport {
	t.Helper()
	report, err := d.Compile(context.Background(), name, wasmBytes)
	require.NoError(t, err)
	return report
}

// exitCodeModule sets exit_code to code from _start.
func exitCodeModule(code int32) []byte {
	b := wt.New()
	g := b.GlobalI32(0, true)
	b.ExportGlobal(abi.GlobalExitCode, g)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.I32Const(code), wt.GlobalSet(g)))
	return b.Bytes()
}

var iovecFn = wt.Vals(wt.I32, wt.I32, wt.I32, wt.I32)

func TestCompileReport(t *testing.T) {
	d := newDriver(t, Options{})
	assert.Equal(t, StateUnloaded, d.State())

	b := wt.New()
	b.Memory(1).ExportMemory(abi.ExportMemory)
	b.ExportFunc("main", b.Func(nil, nil))
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil))

	report := compile(t, d, "report", b.Bytes())

	assert.Equal(t, StateCompiled, d.State())
	assert.Equal(t, StatusEntryPointFound, report.Status)
	assert.Equal(t, []string{"main", abi.ExportStart}, report.Functions)
	assert.Equal(t, abi.ExportStart, report.SelectedExport)
	assert.True(t, report.Runnable)
	assert.False(t, report.SystemInterface)
	assert.Len(t, report.Exports, 3)
	assert.Equal(t, protocol.ExportKindMemory, report.Exports[0].Kind)
}

func TestCompileErrorLeavesUnloaded(t *testing.T) {
	d := newDriver(t, Options{})
	compile(t, d, "good", exitCodeModule(0))

	report, err := d.Compile(context.Background(), "bad", []byte("not wasm"))

	var compileErr *wasm.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "bad", compileErr.ModuleName)
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, StateUnloaded, d.State())
	assert.Nil(t, d.Report())
}

func TestRunDirectCallExitCode(t *testing.T) {
	d := newDriver(t, Options{})
	compile(t, d, "seven", exitCodeModule(7))

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, protocol.RunModeDirectCall, result.Mode)
	assert.Equal(t, abi.ExportStart, result.Export)
	assert.Equal(t, int32(7), result.Code())
	assert.True(t, result.ExitCodeKnown())
	assert.Equal(t, protocol.RunStatusSucceeded, result.Status)
	assert.Equal(t, StateSucceeded, d.State())
	assert.Same(t, result, d.LastResult())
}

func TestRunDirectCallWithoutExitCode(t *testing.T) {
	d := newDriver(t, Options{})

	b := wt.New()
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil))
	compile(t, d, "silent", b.Bytes())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	require.NotNil(t, result.ExitCode)
	assert.Equal(t, protocol.ExitCodeUnknown, *result.ExitCode)
	assert.False(t, result.ExitCodeKnown())
	assert.Equal(t, protocol.RunStatusSucceeded, result.Status)
}

func TestRunWithoutEntryPoint(t *testing.T) {
	d := newDriver(t, Options{})

	b := wt.New()
	b.ExportFunc("helper", b.Func(nil, nil))
	b.ExportFunc("main", b.Func(nil, nil))
	report := compile(t, d, "no-entry", b.Bytes())

	assert.Equal(t, StatusEntryPointMissing, report.Status)
	assert.False(t, report.Runnable)

	_, err := d.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoEntryPoint)
	assert.Equal(t, StateCompiled, d.State())

	// Selecting a function export makes the module runnable in direct-call mode.
	require.NoError(t, d.Select("main"))
	assert.True(t, d.Report().Runnable)
	assert.Equal(t, "main", d.Report().SelectedExport)

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "main", result.Export)
}

func TestSelectRejectsNonFunctions(t *testing.T) {
	d := newDriver(t, Options{})
	assert.ErrorIs(t, d.Select("main"), ErrNotLoaded)

	compile(t, d, "seven", exitCodeModule(7))

	var notFound *wasm.ExportNotFoundError
	assert.ErrorAs(t, d.Select(abi.GlobalExitCode), &notFound)
	assert.ErrorAs(t, d.Select("missing"), &notFound)
	assert.Equal(t, abi.ExportStart, d.Report().SelectedExport)
}

func TestRunWhenUnloaded(t *testing.T) {
	d := newDriver(t, Options{})

	_, err := d.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestRunTrapStillReadsExitCode(t *testing.T) {
	d := newDriver(t, Options{})

	b := wt.New()
	g := b.GlobalI32(0, true)
	b.ExportGlobal(abi.GlobalExitCode, g)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil,
		wt.I32Const(3), wt.GlobalSet(g), wt.Op(wt.Unreachable),
	))
	compile(t, d, "trap", b.Bytes())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	var trap *wasm.TrapError
	require.ErrorAs(t, result.Err, &trap)
	assert.Equal(t, abi.ExportStart, trap.FunctionName)
	assert.Equal(t, protocol.RunStatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, int32(3), result.Code())
	assert.Equal(t, StateFailed, d.State())

	// A failed run does not prevent another one.
	_, err = d.Run(context.Background(), "")
	require.NoError(t, err)
}

func TestReadIntCancelledYieldsZero(t *testing.T) {
	d := newDriver(t, Options{Prompter: prompt.NewScriptPrompter()})

	b := wt.New()
	readInt := b.ImportFunc(abi.EnvModule, abi.FuncReadInt, nil, wt.Vals(wt.I32))
	writeInt := b.ImportFunc(abi.EnvModule, abi.FuncWriteInt, wt.Vals(wt.I32), nil)
	g := b.GlobalI32(-1, true)
	b.ExportGlobal(abi.GlobalExitCode, g)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil,
		wt.Call(readInt), wt.GlobalSet(g),
		wt.I32Const(9), wt.Call(writeInt),
	))
	compile(t, d, "reader", b.Bytes())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, int32(0), result.Code())
	assert.Equal(t, "9\n", result.Stdout, "the run continues after a cancelled prompt")
	assert.Equal(t, protocol.RunStatusSucceeded, result.Status)
}

func TestReadIntAnswered(t *testing.T) {
	d := newDriver(t, Options{Prompter: prompt.NewScriptPrompter("41")})

	b := wt.New()
	readInt := b.ImportFunc(abi.EnvModule, abi.FuncReadInt, nil, wt.Vals(wt.I32))
	g := b.GlobalI32(-1, true)
	b.ExportGlobal(abi.GlobalExitCode, g)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.Call(readInt), wt.GlobalSet(g)))
	compile(t, d, "reader", b.Bytes())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int32(41), result.Code())
}

func TestHeapBaseSeedsAllocator(t *testing.T) {
	tests := []struct {
		name   string
		global string
		base   int32
		want   int32
	}{
		{"heap_base_ptr", abi.GlobalHeapBase, 13, 16},
		{"__heap_base", abi.GlobalLLVMHeapBase, 1024, 1024},
		{"absent", "unrelated", 99, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDriver(t, Options{Verbose: true})

			b := wt.New()
			malloc := b.ImportFunc(abi.EnvModule, abi.FuncMalloc, wt.Vals(wt.I32), wt.Vals(wt.I32))
			b.Memory(1).ExportMemory(abi.ExportMemory)
			base := b.GlobalI32(tt.base, false)
			b.ExportGlobal(tt.global, base)
			g := b.GlobalI32(-1, true)
			b.ExportGlobal(abi.GlobalExitCode, g)
			b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.I32Const(0), wt.Call(malloc), wt.GlobalSet(g)))
			compile(t, d, "malloc", b.Bytes())

			result, err := d.Run(context.Background(), "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Code())
		})
	}
}

func TestLinkErrorRevertsToCompiled(t *testing.T) {
	d := newDriver(t, Options{})

	b := wt.New()
	missing := b.ImportFunc(abi.EnvModule, "notProvided", nil, nil)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.Call(missing)))
	compile(t, d, "unlinkable", b.Bytes())

	_, err := d.Run(context.Background(), "")

	var linkErr *wasm.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, StateCompiled, d.State())
	assert.Nil(t, d.LastResult())
}

func TestRunSystemInterface(t *testing.T) {
	d := newDriver(t, Options{})

	b := wt.New()
	fdWrite := b.ImportFunc(abi.WASIModule, "fd_write", iovecFn, wt.Vals(wt.I32))
	b.Memory(1).ExportMemory(abi.ExportMemory)
	b.Data(0, []byte{16, 0, 0, 0, 12, 0, 0, 0})
	b.Data(16, []byte("\x1b[32mhi\x1b[0m\n"))
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil,
		wt.I32Const(1), wt.I32Const(0), wt.I32Const(1), wt.I32Const(8), wt.Call(fdWrite), wt.Op(wt.Drop),
	))

	report := compile(t, d, "hello", b.Bytes())
	assert.True(t, report.SystemInterface)
	assert.False(t, d.Context().SystemInterfaceReady())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, protocol.RunModeSystemInterface, result.Mode)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Equal(t, int32(0), result.Code())
	assert.Equal(t, StateSucceeded, d.State())
	assert.True(t, d.Context().SystemInterfaceReady())

	// The system interface is registered once and reused.
	_, err = d.Run(context.Background(), "")
	require.NoError(t, err)
}

func TestRunSystemInterfaceExit(t *testing.T) {
	d := newDriver(t, Options{})

	b := wt.New()
	procExit := b.ImportFunc(abi.WASIUnstableModule, "proc_exit", wt.Vals(wt.I32), nil)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.I32Const(7), wt.Call(procExit)))
	compile(t, d, "exit", b.Bytes())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, int32(7), result.Code())
	assert.NoError(t, result.Err)
}

func echoModule() []byte {
	b := wt.New()
	fdRead := b.ImportFunc(abi.WASIModule, abi.FuncFdRead, iovecFn, wt.Vals(wt.I32))
	fdWrite := b.ImportFunc(abi.WASIModule, "fd_write", iovecFn, wt.Vals(wt.I32))
	b.Memory(1).ExportMemory(abi.ExportMemory)
	b.Data(0, []byte{32, 0, 0, 0, 64, 0, 0, 0})
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil,
		wt.I32Const(0), wt.I32Const(0), wt.I32Const(1), wt.I32Const(8), wt.Call(fdRead), wt.Op(wt.Drop),
		wt.I32Const(0), wt.I32Const(0), wt.I32Load(8), wt.I32Store(4),
		wt.I32Const(1), wt.I32Const(0), wt.I32Const(1), wt.I32Const(12), wt.Call(fdWrite), wt.Op(wt.Drop),
	))
	return b.Bytes()
}

func TestRunSystemInterfacePrimesStdin(t *testing.T) {
	answers := prompt.NewScriptPrompter("abc")
	d := newDriver(t, Options{Prompter: answers})
	compile(t, d, "echo", echoModule())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "abc\n", result.Stdout)
	assert.Equal(t, 0, answers.Remaining())
}

// countingPrompter counts prompts before delegating.
type countingPrompter struct {
	prompt.Prompter
	calls int
}

func (p *countingPrompter) Prompt(ctx context.Context, kind prompt.Kind) (string, error) {
	p.calls++
	return p.Prompter.Prompt(ctx, kind)
}

func TestRunSystemInterfaceCancelledStdin(t *testing.T) {
	answers := &countingPrompter{Prompter: prompt.NewScriptPrompter()}
	d := newDriver(t, Options{Prompter: answers})
	compile(t, d, "echo", echoModule())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 1, answers.calls)
	assert.Equal(t, protocol.RunModeSystemInterface, result.Mode)
	assert.Empty(t, result.Stdout)
	assert.Equal(t, int32(0), result.Code())
	assert.Equal(t, protocol.RunStatusSucceeded, result.Status)
	assert.Equal(t, StateSucceeded, d.State())
	assert.Same(t, result, d.LastResult())
}

func TestSystemInterfaceWithoutStartIsNotRunnable(t *testing.T) {
	d := newDriver(t, Options{})

	b := wt.New()
	b.ImportFunc(abi.WASIModule, "fd_write", iovecFn, wt.Vals(wt.I32))
	b.Memory(1).ExportMemory(abi.ExportMemory)
	b.ExportFunc("main", b.Func(nil, nil))
	report := compile(t, d, "reactor", b.Bytes())

	assert.True(t, report.SystemInterface)
	assert.Equal(t, StatusEntryPointMissing, report.Status)
	assert.False(t, report.Runnable)

	_, err := d.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoEntryPoint)
	assert.Equal(t, StateCompiled, d.State())
	assert.Nil(t, d.LastResult())

	// System-interface runs always start at _start, so selecting main does not help.
	require.NoError(t, d.Select("main"))
	assert.False(t, d.Report().Runnable)

	_, err = d.Run(context.Background(), "main")
	assert.ErrorIs(t, err, ErrNoEntryPoint)
	assert.Equal(t, StateCompiled, d.State())
}

func TestCompileReplacesPreviousModule(t *testing.T) {
	d := newDriver(t, Options{})
	compile(t, d, "first", exitCodeModule(1))
	_, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	report := compile(t, d, "second", exitCodeModule(2))
	assert.Equal(t, "second", report.Name)
	assert.Equal(t, StateCompiled, d.State())
	assert.Nil(t, d.LastResult())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), result.Code())
}

func TestStdinPredicateIsConfigurable(t *testing.T) {
	answers := prompt.NewScriptPrompter("abc")
	d := newDriver(t, Options{Prompter: answers, StdinImports: []string{"fd_pread"}})
	compile(t, d, "echo", echoModule())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Empty(t, result.Stdout)
	assert.Equal(t, 1, answers.Remaining(), "stdin should not be primed")
}

func TestRunTimeout(t *testing.T) {
	config := wasm.DefaultRuntimeConfig()
	config.ExecutionTimeout = 50 * time.Millisecond
	d := newDriver(t, Options{Runtime: config})

	// loop forever: (loop (br 0))
	b := wt.New()
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.Op(0x03, 0x40, 0x0c, 0x00, wt.End)))
	compile(t, d, "spin", b.Bytes())

	result, err := d.Run(context.Background(), "")
	require.NoError(t, err)

	var timeout *wasm.TimeoutError
	require.ErrorAs(t, result.Err, &timeout)
	assert.Equal(t, config.ExecutionTimeout, timeout.Duration)
	assert.Equal(t, StateFailed, d.State())
	assert.Equal(t, protocol.ExitCodeUnknown, result.Code())
}

func TestResetFromEveryState(t *testing.T) {
	ctx := context.Background()

	setups := map[string]func(t *testing.T, d *Driver){
		"unloaded": func(*testing.T, *Driver) {},
		"compiled": func(t *testing.T, d *Driver) { compile(t, d, "m", exitCodeModule(0)) },
		"succeeded": func(t *testing.T, d *Driver) {
			compile(t, d, "m", exitCodeModule(0))
			_, _ = d.Run(ctx, "")
		},
		"failed": func(t *testing.T, d *Driver) {
			b := wt.New()
			b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.Op(wt.Unreachable)))
			compile(t, d, "m", b.Bytes())
			_, _ = d.Run(ctx, "")
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			d := newDriver(t, Options{})
			setup(t, d)

			require.NoError(t, d.Reset(ctx))

			assert.Equal(t, StateUnloaded, d.State())
			assert.Nil(t, d.Report())
			assert.Nil(t, d.LastResult())
			assert.Zero(t, d.Context().Runtime().InstanceCount())

			_, err := d.Run(ctx, "")
			assert.ErrorIs(t, err, ErrNotLoaded)
		})
	}
}

func TestInstancesAreNotShared(t *testing.T) {
	d := newDriver(t, Options{})

	// exit_code counts calls: a shared instance would report 2 on the second run.
	b := wt.New()
	g := b.GlobalI32(0, true)
	b.ExportGlobal(abi.GlobalExitCode, g)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil,
		wt.GlobalGet(g), wt.I32Const(1), wt.Op(0x6a), wt.GlobalSet(g),
	))
	compile(t, d, "counter", b.Bytes())

	for i := 0; i < 2; i++ {
		result, err := d.Run(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, int32(1), result.Code())
	}
	assert.Zero(t, d.Context().Runtime().InstanceCount())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.False(t, StateUnloaded.Loaded())
	assert.True(t, StateFailed.Loaded())
}

func TestRuntimeContextFlags(t *testing.T) {
	ctx := context.Background()
	rc, err := NewRuntimeContext(ctx, zaptest.NewLogger(t), Options{})
	require.NoError(t, err)

	assert.False(t, rc.Verbose())
	rc.SetVerbose(true)
	assert.True(t, rc.Verbose())

	require.NoError(t, rc.EnsureSystemInterface(ctx))
	require.NoError(t, rc.EnsureSystemInterface(ctx), "second call must be a no-op")

	require.NoError(t, rc.Close(ctx))
	assert.False(t, rc.SystemInterfaceReady())
	assert.Error(t, rc.EnsureSystemInterface(ctx))
}
