package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ModuleLoader lowers, inspects and compiles Wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	lowerer Lowerer
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader. A nil lowerer selects NativeLowering.
func NewModuleLoader(runtime *Runtime, lowerer Lowerer, logger *zap.Logger) *ModuleLoader {
	if lowerer == nil {
		lowerer = NewNativeLowering(logger)
	}
	return &ModuleLoader{
		runtime: runtime,
		lowerer: lowerer,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes() ([]byte, error)

	// Name returns a name/identifier for this module.
	Name() string
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	Path string
}

// Bytes reads the Wasm file.
func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Name returns the base name of the file.
func (f *FileModuleSource) Name() string {
	return filepath.Base(f.Path)
}

// MemoryModuleSource loads Wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// Bytes returns the Wasm bytecode.
func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

// Name returns the module name.
func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// LoadModule reads, lowers, inspects and compiles a module.
// Every failure after the bytes are read is a *CompileError.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", source.Name(), err)
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", source.Name()),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	lowered, err := l.lowerer.Lower(ctx, wasmBytes)
	if err != nil {
		return nil, &CompileError{ModuleName: source.Name(), Stage: "lower", Err: err}
	}

	info, err := Inspect(lowered)
	if err != nil {
		return nil, &CompileError{ModuleName: source.Name(), Stage: "inspect", Err: err}
	}

	// wazero.CompileModule decodes and validates the Wasm binary
	compiled, err := l.runtime.runtime.CompileModule(ctx, lowered)
	if err != nil {
		return nil, &CompileError{ModuleName: source.Name(), Err: err}
	}

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       source.Name(),
		Source:     source.Name(),
		SizeBytes:  int64(len(wasmBytes)),
		Info:       info,
		CompiledAt: time.Now().Unix(),
	}

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Int("exports", len(info.Exports)),
		zap.Int("imports", len(info.Imports)),
		zap.Duration("duration", time.Since(startTime)),
	)

	return compiledModule, nil
}

// LoadModuleFromFile is a convenience function for loading from a file path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	source := &FileModuleSource{Path: path}
	return l.LoadModule(ctx, source)
}

// LoadModuleFromMemory loads from a byte slice.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	source := &MemoryModuleSource{ModuleName: name, Data: data}
	return l.LoadModule(ctx, source)
}

// Close releases the compiled code.
func (c *CompiledModule) Close(ctx context.Context) error {
	if c == nil || c.Module == nil {
		return nil
	}
	return c.Module.Close(ctx)
}
