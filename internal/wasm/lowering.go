package wasm

import (
	"bytes"
	"context"

	"go.uber.org/zap"
)

// Lowerer rewrites module bytes before compilation so that every host
// function the module imports takes and returns only values the host
// calling convention can represent.
type Lowerer interface {
	Lower(ctx context.Context, wasmBytes []byte) ([]byte, error)
}

// LowererFunc adapts a function to the Lowerer interface.
type LowererFunc func(ctx context.Context, wasmBytes []byte) ([]byte, error)

// Lower calls f.
func (f LowererFunc) Lower(ctx context.Context, wasmBytes []byte) ([]byte, error) {
	return f(ctx, wasmBytes)
}

// NativeLowering is the identity transform. wazero passes 64-bit integers to
// host functions as uint64 stack values, so no signature needs widening; the
// header is still validated and 64-bit imports are reported in debug logs.
type NativeLowering struct {
	logger *zap.Logger
}

// NewNativeLowering creates the default lowering stage.
func NewNativeLowering(logger *zap.Logger) *NativeLowering {
	return &NativeLowering{
		logger: logger.With(zap.String("component", "wasm-lowering")),
	}
}

// Lower validates the header and returns the bytes unchanged.
func (n *NativeLowering) Lower(_ context.Context, wasmBytes []byte) ([]byte, error) {
	if err := readHeader(bytes.NewReader(wasmBytes)); err != nil {
		return nil, err
	}

	if info, err := Inspect(wasmBytes); err == nil && len(info.WideImports) > 0 {
		n.logger.Debug("Module imports functions with 64-bit integer signatures",
			zap.Strings("imports", info.WideImports),
		)
	}

	return wasmBytes, nil
}
