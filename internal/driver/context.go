package driver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
	"github.com/woxQAQ/wasm-loader/internal/prompt"
	"github.com/woxQAQ/wasm-loader/internal/wasm"
)

// DefaultHeapBaseGlobals are the globals consulted, in order, for the heap base.
var DefaultHeapBaseGlobals = []string{abi.GlobalHeapBase, abi.GlobalLLVMHeapBase}

// Options configures a RuntimeContext.
type Options struct {
	// Runtime configures the wazero runtime. Defaults to wasm.DefaultRuntimeConfig.
	Runtime *wasm.RuntimeConfig

	// Verbose logs every allocation made on behalf of the module.
	Verbose bool

	// Prompter answers read requests. Nil means every read is cancelled.
	Prompter prompt.Prompter

	// Observer receives module output as it is emitted.
	Observer wasm.Observer

	// Lowerer runs before compilation. Defaults to wasm.NativeLowering.
	Lowerer wasm.Lowerer

	// HeapBaseGlobals overrides DefaultHeapBaseGlobals.
	HeapBaseGlobals []string

	// StdinImports overrides wasm.DefaultStdinImports.
	StdinImports []string
}

// RuntimeContext holds the long-lived state shared by every run: the wazero
// runtime, the user-facing collaborators and the process-wide flags.
type RuntimeContext struct {
	runtime   *wasm.Runtime
	loader    *wasm.ModuleLoader
	instances *wasm.InstanceManager

	mu              sync.Mutex
	verbose         bool
	prompter        prompt.Prompter
	observer        wasm.Observer
	heapBaseGlobals []string
	readsStdin      wasm.StdinPredicate

	// systemInterfaceReady is set once the system-interface modules are registered.
	systemInterfaceReady bool

	logger *zap.Logger
}

// NewRuntimeContext creates the wazero runtime and its collaborators.
func NewRuntimeContext(ctx context.Context, logger *zap.Logger, opts Options) (*RuntimeContext, error) {
	runtime, err := wasm.NewRuntime(ctx, logger, opts.Runtime)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	if opts.Observer == nil {
		opts.Observer = wasm.NopObserver
	}
	if len(opts.HeapBaseGlobals) == 0 {
		opts.HeapBaseGlobals = DefaultHeapBaseGlobals
	}
	if len(opts.StdinImports) == 0 {
		opts.StdinImports = wasm.DefaultStdinImports
	}

	rc := &RuntimeContext{
		runtime:         runtime,
		loader:          wasm.NewModuleLoader(runtime, opts.Lowerer, logger),
		instances:       wasm.NewInstanceManager(runtime, logger),
		verbose:         opts.Verbose,
		prompter:        opts.Prompter,
		observer:        opts.Observer,
		heapBaseGlobals: opts.HeapBaseGlobals,
		readsStdin:      wasm.MatchImports(opts.StdinImports...),
		logger:          logger.With(zap.String("component", "runtime-context")),
	}

	rc.logger.Debug("Runtime context initialized",
		zap.Bool("verbose", opts.Verbose),
		zap.Strings("heap_base_globals", opts.HeapBaseGlobals),
		zap.Strings("stdin_imports", opts.StdinImports),
	)

	return rc, nil
}

// EnsureSystemInterface registers the system-interface modules on first use.
func (rc *RuntimeContext) EnsureSystemInterface(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.systemInterfaceReady {
		return nil
	}
	if err := rc.runtime.InstantiateSystemInterface(ctx); err != nil {
		return err
	}
	rc.systemInterfaceReady = true
	return nil
}

// SystemInterfaceReady reports whether the system-interface modules are registered.
func (rc *RuntimeContext) SystemInterfaceReady() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.systemInterfaceReady
}

// Verbose reports whether allocation logging is on.
func (rc *RuntimeContext) Verbose() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.verbose
}

// SetVerbose toggles allocation logging for subsequent runs.
func (rc *RuntimeContext) SetVerbose(verbose bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.verbose = verbose
}

// SetPrompter replaces the prompter used by subsequent runs.
func (rc *RuntimeContext) SetPrompter(p prompt.Prompter) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.prompter = p
}

// Runtime returns the underlying Wasm runtime.
func (rc *RuntimeContext) Runtime() *wasm.Runtime {
	return rc.runtime
}

// newHost builds the env imports for one run around a fresh allocator.
func (rc *RuntimeContext) newHost() *wasm.HostFunctions {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return wasm.NewHostFunctions(rc.logger, wasm.HostConfig{
		Allocator: wasm.NewAllocator(rc.logger, rc.verbose),
		Observer:  rc.observer,
		Prompter:  rc.prompter,
		Verbose:   rc.verbose,
	})
}

func (rc *RuntimeContext) currentPrompter() prompt.Prompter {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.prompter
}

// Close shuts the runtime down. Every compiled module and instance is released.
func (rc *RuntimeContext) Close(ctx context.Context) error {
	rc.logger.Info("Shutting down runtime context")

	if err := rc.runtime.Close(ctx); err != nil {
		rc.logger.Error("Failed to shutdown Wasm runtime", zap.Error(err))
		return err
	}

	rc.mu.Lock()
	rc.systemInterfaceReady = false
	rc.mu.Unlock()
	return nil
}
