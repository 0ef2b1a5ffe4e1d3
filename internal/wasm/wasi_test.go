package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
	wt "github.com/woxQAQ/wasm-loader/internal/wasm/wasmtest"
	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

func newWASIRuntime(t *testing.T) *Runtime {
	t.Helper()
	runtime := newTestRuntime(t)
	if err := runtime.InstantiateSystemInterface(context.Background()); err != nil {
		t.Fatal(err)
	}
	return runtime
}

var iovecFn = wt.Vals(wt.I32, wt.I32, wt.I32, wt.I32)

// helloModule writes "hi\n" to stdout and returns normally.
func helloModule() []byte {
	b := wt.New()
	fdWrite := b.ImportFunc(abi.WASIModule, "fd_write", iovecFn, wt.Vals(wt.I32))
	b.Memory(1).ExportMemory(abi.ExportMemory)
	b.Data(0, []byte{16, 0, 0, 0, 3, 0, 0, 0})
	b.Data(16, []byte("hi\n"))
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil,
		wt.I32Const(1), wt.I32Const(0), wt.I32Const(1), wt.I32Const(8), wt.Call(fdWrite), wt.Op(wt.Drop),
	))
	return b.Bytes()
}

// exitModule calls proc_exit(code) through the given namespace.
func exitModule(namespace string, code int32) []byte {
	b := wt.New()
	procExit := b.ImportFunc(namespace, "proc_exit", wt.Vals(wt.I32), nil)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.I32Const(code), wt.Call(procExit)))
	return b.Bytes()
}

// echoModule copies one read from stdin to stdout.
func echoModule() []byte {
	b := wt.New()
	fdRead := b.ImportFunc(abi.WASIModule, abi.FuncFdRead, iovecFn, wt.Vals(wt.I32))
	fdWrite := b.ImportFunc(abi.WASIModule, "fd_write", iovecFn, wt.Vals(wt.I32))
	b.Memory(1).ExportMemory(abi.ExportMemory)
	b.Data(0, []byte{32, 0, 0, 0, 64, 0, 0, 0})
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil,
		// fd_read(0, iovs=0, 1, nread=8)
		wt.I32Const(0), wt.I32Const(0), wt.I32Const(1), wt.I32Const(8), wt.Call(fdRead), wt.Op(wt.Drop),
		// iov.len = nread
		wt.I32Const(0), wt.I32Const(0), wt.I32Load(8), wt.I32Store(4),
		// fd_write(1, iovs=0, 1, nwritten=12)
		wt.I32Const(1), wt.I32Const(0), wt.I32Const(1), wt.I32Const(12), wt.Call(fdWrite), wt.Op(wt.Drop),
	))
	return b.Bytes()
}

func runSession(t *testing.T, runtime *Runtime, wasmBytes []byte, stdin string) (*SystemInterface, int32, error) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	compiled := mustLoad(t, runtime, "wasi", wasmBytes)
	session := NewSystemInterface(logger)
	if err := session.ResolveImports(compiled); err != nil {
		t.Fatalf("ResolveImports: %v", err)
	}

	inst, err := NewInstanceManager(runtime, logger).Instantiate(ctx, compiled, session.InstanceConfig(nil))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	if stdin != "" {
		session.PrimeStdin(stdin)
	}
	code, err := session.Run(ctx, inst)
	return session, code, err
}

func TestSystemInterfaceStdout(t *testing.T) {
	session, code, err := runSession(t, newWASIRuntime(t), helloModule(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer session.Release()

	if code != 0 {
		t.Errorf("Exit code = %d, want 0", code)
	}
	if session.Stdout() != "hi\n" {
		t.Errorf("Stdout = %q, want %q", session.Stdout(), "hi\n")
	}
}

func TestSystemInterfaceExitCode(t *testing.T) {
	for _, ns := range SystemInterfaceModules {
		t.Run(ns, func(t *testing.T) {
			session, code, err := runSession(t, newWASIRuntime(t), exitModule(ns, 7), "")
			if err != nil {
				t.Fatal(err)
			}
			session.Release()

			if code != 7 {
				t.Errorf("Exit code = %d, want 7", code)
			}
		})
	}
}

func TestSystemInterfacePrimedStdin(t *testing.T) {
	session, _, err := runSession(t, newWASIRuntime(t), echoModule(), "abc")
	if err != nil {
		t.Fatal(err)
	}

	if session.Stdout() != "abc\n" {
		t.Errorf("Stdout = %q, want %q", session.Stdout(), "abc\n")
	}

	session.Release()
	session.Release()
	if session.Stdout() != "" {
		t.Error("Release should drop captured output")
	}
}

func TestSystemInterfaceUnprimedStdinIsEmpty(t *testing.T) {
	session, code, err := runSession(t, newWASIRuntime(t), echoModule(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer session.Release()

	if code != 0 || session.Stdout() != "" {
		t.Errorf("Exit code = %d, stdout = %q", code, session.Stdout())
	}
}

func TestSystemInterfaceTrap(t *testing.T) {
	b := wt.New()
	b.ImportFunc(abi.WASIModule, "proc_exit", wt.Vals(wt.I32), nil)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.Op(wt.Unreachable)))

	session, code, err := runSession(t, newWASIRuntime(t), b.Bytes(), "")
	defer session.Release()

	if err == nil {
		t.Fatal("Expected a trap")
	}
	if code != protocol.ExitCodeUnknown {
		t.Errorf("Exit code = %d, want %d", code, protocol.ExitCodeUnknown)
	}
}

func TestSystemInterfaceTimeout(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	config := DefaultRuntimeConfig()
	config.ExecutionTimeout = 50 * time.Millisecond
	runtime, err := NewRuntime(ctx, logger, config)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)
	if err := runtime.InstantiateSystemInterface(ctx); err != nil {
		t.Fatal(err)
	}

	// loop forever: (loop (br 0))
	b := wt.New()
	b.ImportFunc(abi.WASIModule, "proc_exit", wt.Vals(wt.I32), nil)
	b.ExportFunc(abi.ExportStart, b.Func(nil, nil, wt.Op(0x03, 0x40, 0x0c, 0x00, wt.End)))
	compiled := mustLoad(t, runtime, "spin", b.Bytes())

	session := NewSystemInterface(logger)
	defer session.Release()
	inst, err := NewInstanceManager(runtime, logger).Instantiate(ctx, compiled, session.InstanceConfig(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(ctx)

	runCtx, cancel := context.WithTimeout(ctx, config.ExecutionTimeout)
	defer cancel()

	_, err = session.Run(runCtx, inst)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestSystemInterfaceResolveImports(t *testing.T) {
	runtime := newTestRuntime(t)
	session := NewSystemInterface(zaptest.NewLogger(t))

	compiled := mustLoad(t, runtime, "env-only", printerModule())
	if err := session.ResolveImports(compiled); !errors.Is(err, ErrSystemInterfaceUnused) {
		t.Errorf("Expected ErrSystemInterfaceUnused, got %v", err)
	}
}

func TestMatchImports(t *testing.T) {
	imports := []protocol.Import{
		{Module: abi.WASIUnstableModule, Name: abi.FuncFdRead, Kind: protocol.ExportKindFunction},
		{Module: abi.EnvModule, Name: "memory", Kind: protocol.ExportKindMemory},
	}

	if !MatchImports(DefaultStdinImports...)(imports) {
		t.Error("Default predicate should match wasi_unstable.fd_read")
	}
	if !MatchImports(abi.FuncFdRead)(imports) {
		t.Error("Bare name should match any namespace")
	}
	if MatchImports("memory")(imports) {
		t.Error("Only function imports are considered")
	}
	if MatchImports(abi.WASIModule + "." + abi.FuncFdRead)(imports) {
		t.Error("Qualified name should not match another namespace")
	}
}
