package wasm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
	"github.com/woxQAQ/wasm-loader/internal/prompt"
)

// HostFunctions implements the env import surface for a single run.
//
// Every function runs to completion before returning to the module. Input
// is obtained through a blocking Prompter, and anything the module prints is
// forwarded to the observer and recorded in the run's transcript.
type HostFunctions struct {
	allocator  *Allocator
	observer   Observer
	prompter   prompt.Prompter
	transcript *Transcript
	verbose    bool
	logger     *zap.Logger
}

// HostConfig holds the collaborators of a HostFunctions.
type HostConfig struct {
	// Allocator backs malloc. A fresh one is created when nil.
	Allocator *Allocator

	// Observer receives emitted text. Defaults to NopObserver.
	Observer Observer

	// Prompter answers readInt and readFloat. When nil every read yields 0.
	Prompter prompt.Prompter

	// Verbose logs every allocation.
	Verbose bool
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger, cfg HostConfig) *HostFunctions {
	if cfg.Allocator == nil {
		cfg.Allocator = NewAllocator(logger, cfg.Verbose)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver
	}
	if cfg.Prompter == nil {
		cfg.Prompter = prompt.NewScriptPrompter()
	}

	return &HostFunctions{
		allocator:  cfg.Allocator,
		observer:   cfg.Observer,
		prompter:   cfg.Prompter,
		transcript: &Transcript{},
		verbose:    cfg.Verbose,
		logger:     logger.With(zap.String("component", "wasm-host")),
	}
}

// Allocator returns the allocator behind malloc.
func (h *HostFunctions) Allocator() *Allocator {
	return h.allocator
}

// Transcript returns everything emitted so far.
func (h *HostFunctions) Transcript() *Transcript {
	return h.transcript
}

// Export registers the env functions on builder. declared holds the
// module's own env imports by name; numeric I/O functions adopt the value
// type the module declares when it is one the host can serve.
func (h *HostFunctions) Export(builder wazero.HostModuleBuilder, declared map[string]api.FunctionDefinition) {
	i32 := api.ValueTypeI32

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.malloc), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("size").
		Export(abi.FuncMalloc)

	for _, name := range []string{abi.FuncWriteS, abi.FuncWriteString} {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(h.writeString), []api.ValueType{i32, i32}, nil).
			WithParameterNames("address", "length").
			Export(name)
	}

	intType := pickType(declared[abi.FuncWriteInt], false, i32, api.ValueTypeI64)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(h.writeInt(intType), []api.ValueType{intType}, nil).
		WithParameterNames("value").
		Export(abi.FuncWriteInt)

	floatType := pickType(declared[abi.FuncWriteFloat], false, api.ValueTypeF32, api.ValueTypeF64)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(h.writeFloat(floatType), []api.ValueType{floatType}, nil).
		WithParameterNames("value").
		Export(abi.FuncWriteFloat)

	readIntType := pickType(declared[abi.FuncReadInt], true, i32, api.ValueTypeI64)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(h.readInt(readIntType), nil, []api.ValueType{readIntType}).
		Export(abi.FuncReadInt)

	readFloatType := pickType(declared[abi.FuncReadFloat], true, api.ValueTypeF64, api.ValueTypeF32)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(h.readFloat(readFloatType), nil, []api.ValueType{readFloatType}).
		Export(abi.FuncReadFloat)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.abort), []api.ValueType{i32, i32, i32, i32}, nil).
		WithParameterNames("message", "file", "line", "column").
		Export(abi.FuncAbort)
}

// malloc(size i32) -> i32
func (h *HostFunctions) malloc(_ context.Context, _ api.Module, stack []uint64) {
	size := api.DecodeU32(stack[0])
	addr := h.allocator.Allocate(size)

	if h.verbose {
		h.logger.Info("malloc",
			zap.Uint32("size", size),
			zap.Uint32("pointer", addr),
		)
	}

	stack[0] = api.EncodeU32(addr)
}

// writeS(address i32, length i32)
func (h *HostFunctions) writeString(_ context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	length := api.DecodeU32(stack[1])

	text, err := NewMemory(mod).ReadText(ptr, length)
	if err != nil {
		h.logger.Error("Failed to read string from Wasm memory",
			zap.Error(&HostFunctionError{FunctionName: abi.FuncWriteS, Err: err}),
		)
		return
	}

	h.emit(text)
}

func (h *HostFunctions) writeInt(vt api.ValueType) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		var v int64
		if vt == api.ValueTypeI64 {
			v = int64(stack[0])
		} else {
			v = int64(api.DecodeI32(stack[0]))
		}
		h.emit(strconv.FormatInt(v, 10))
	}
}

func (h *HostFunctions) writeFloat(vt api.ValueType) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		if vt == api.ValueTypeF64 {
			h.emit(formatNumber(api.DecodeF64(stack[0]), 64))
			return
		}
		h.emit(formatNumber(float64(api.DecodeF32(stack[0])), 32))
	}
}

func (h *HostFunctions) readInt(vt api.ValueType) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		var v int64
		if text, ok := h.ask(ctx, prompt.KindInteger); ok {
			if n, ok := prompt.ParseInt(text); ok {
				v = n
			} else {
				h.logger.Info("Input is not an integer, using 0", zap.String("input", text))
			}
		}

		if vt == api.ValueTypeI64 {
			stack[0] = uint64(v)
		} else {
			stack[0] = api.EncodeI32(int32(v))
		}
	}
}

func (h *HostFunctions) readFloat(vt api.ValueType) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		var v float64
		if text, ok := h.ask(ctx, prompt.KindFloat); ok {
			if f, ok := prompt.ParseFloat(text); ok {
				v = f
			} else {
				h.logger.Info("Input is not a number, using 0", zap.String("input", text))
			}
		}

		if vt == api.ValueTypeF32 {
			stack[0] = api.EncodeF32(float32(v))
		} else {
			stack[0] = api.EncodeF64(v)
		}
	}
}

// abort(message i32, file i32, line i32, column i32)
func (h *HostFunctions) abort(_ context.Context, mod api.Module, stack []uint64) {
	mem := NewMemory(mod)
	line := api.DecodeU32(stack[2])
	column := api.DecodeU32(stack[3])

	file, err := mem.ReadUTF16String(api.DecodeU32(stack[1]))
	if err != nil || file == "" {
		file = "unknown"
	}

	text := fmt.Sprintf("abort called at %s:%d:%d", file, line, column)
	if msg, err := mem.ReadUTF16String(api.DecodeU32(stack[0])); err == nil && msg != "" {
		text += ": " + msg
	}

	h.logger.Warn("Module called abort",
		zap.String("file", file),
		zap.Uint32("line", line),
		zap.Uint32("column", column),
	)
	h.emit(text)
}

// ask prompts once. ok is false when the user declined or the prompter failed.
func (h *HostFunctions) ask(ctx context.Context, kind prompt.Kind) (string, bool) {
	text, err := h.prompter.Prompt(ctx, kind)
	if err != nil {
		if errors.Is(err, prompt.ErrCancelled) {
			h.logger.Info("Input cancelled, using 0", zap.Stringer("kind", kind))
		} else {
			h.logger.Warn("Prompt failed, using 0",
				zap.Stringer("kind", kind),
				zap.Error(err),
			)
		}
		return "", false
	}

	h.logger.Info("User provided input",
		zap.Stringer("kind", kind),
		zap.String("input", text),
	)
	return text, true
}

func (h *HostFunctions) emit(text string) {
	h.transcript.Emit(text)
	h.observer.Emit(text)
}

// pickType returns the single param (or result) type def declares when it is
// fallback or one of alt, and fallback otherwise.
func pickType(def api.FunctionDefinition, results bool, fallback api.ValueType, alt ...api.ValueType) api.ValueType {
	if def == nil {
		return fallback
	}
	types := def.ParamTypes()
	if results {
		types = def.ResultTypes()
	}
	if len(types) != 1 {
		return fallback
	}
	for _, a := range alt {
		if types[0] == a {
			return a
		}
	}
	return fallback
}

// formatNumber renders v the way a script console prints numbers: plain
// decimals in the usual range, exponent notation at the extremes.
func formatNumber(v float64, bitSize int) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}

	if abs := math.Abs(v); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		return strconv.FormatFloat(v, 'g', -1, bitSize)
	}
	return strconv.FormatFloat(v, 'f', -1, bitSize)
}
