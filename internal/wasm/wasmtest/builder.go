// Package wasmtest assembles small WebAssembly binaries for tests.
//
// Only the constructs the loader's tests need are supported: function
// imports, one memory, integer globals, exports, active data segments and
// straight-line function bodies.
package wasmtest

import (
	"math"
)

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
	F32 byte = 0x7d
	F64 byte = 0x7c
)

// Single-byte instructions.
const (
	Unreachable byte = 0x00
	Drop        byte = 0x1a
	End         byte = 0x0b
)

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secCode     = 10
	secData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03
)

// Builder accumulates module contents. Function imports must be declared
// before any defined function so that indices stay stable.
type Builder struct {
	types   [][]byte
	imports [][]byte
	funcs   []uint32 // type index per defined function
	bodies  [][]byte
	memory  []byte
	globals [][]byte
	exports [][]byte
	data    [][]byte

	importedFuncs uint32
	globalCount   uint32
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{}
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	entry := append(encodeName(module), encodeName(name)...)
	entry = append(entry, kindFunc)
	entry = append(entry, uleb(uint64(b.typeIndex(params, results)))...)
	b.imports = append(b.imports, entry)
	b.importedFuncs++
	return b.importedFuncs - 1
}

// Func defines a function with the given body and returns its index. The
// trailing end opcode is appended automatically.
func (b *Builder) Func(params, results []byte, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, b.typeIndex(params, results))

	code := []byte{0x00} // no locals
	for _, instr := range body {
		code = append(code, instr...)
	}
	code = append(code, End)
	b.bodies = append(b.bodies, code)

	return b.importedFuncs + uint32(len(b.funcs)) - 1
}

// Memory declares the module's memory with min pages.
func (b *Builder) Memory(minPages uint32) *Builder {
	b.memory = append([]byte{0x00}, uleb(uint64(minPages))...)
	return b
}

// GlobalI32 defines an i32 global and returns its index.
func (b *Builder) GlobalI32(value int32, mutable bool) uint32 {
	return b.global(I32, mutable, I32Const(value))
}

// GlobalI64 defines an i64 global and returns its index.
func (b *Builder) GlobalI64(value int64, mutable bool) uint32 {
	return b.global(I64, mutable, append([]byte{0x42}, sleb(value)...))
}

// GlobalF32 defines an f32 global and returns its index.
func (b *Builder) GlobalF32(value float32) uint32 {
	return b.global(F32, false, F32Const(value))
}

func (b *Builder) global(vt byte, mutable bool, init []byte) uint32 {
	mut := byte(0)
	if mutable {
		mut = 1
	}
	entry := []byte{vt, mut}
	entry = append(entry, init...)
	entry = append(entry, End)
	b.globals = append(b.globals, entry)
	b.globalCount++
	return b.globalCount - 1
}

// ExportFunc exports function idx under name.
func (b *Builder) ExportFunc(name string, idx uint32) *Builder {
	return b.export(name, kindFunc, idx)
}

// ExportMemory exports the memory under name.
func (b *Builder) ExportMemory(name string) *Builder {
	return b.export(name, kindMemory, 0)
}

// ExportGlobal exports global idx under name.
func (b *Builder) ExportGlobal(name string, idx uint32) *Builder {
	return b.export(name, kindGlobal, idx)
}

func (b *Builder) export(name string, kind byte, idx uint32) *Builder {
	entry := append(encodeName(name), kind)
	entry = append(entry, uleb(uint64(idx))...)
	b.exports = append(b.exports, entry)
	return b
}

// Data places bytes in memory at offset when the module is instantiated.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	entry := []byte{0x00}
	entry = append(entry, I32Const(int32(offset))...)
	entry = append(entry, End)
	entry = append(entry, uleb(uint64(len(data)))...)
	entry = append(entry, data...)
	b.data = append(b.data, entry)
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	out = appendVecSection(out, secType, b.types)
	out = appendVecSection(out, secImport, b.imports)

	funcs := make([][]byte, len(b.funcs))
	for i, t := range b.funcs {
		funcs[i] = uleb(uint64(t))
	}
	out = appendVecSection(out, secFunction, funcs)

	if b.memory != nil {
		out = appendVecSection(out, secMemory, [][]byte{b.memory})
	}
	out = appendVecSection(out, secGlobal, b.globals)
	out = appendVecSection(out, secExport, b.exports)

	bodies := make([][]byte, len(b.bodies))
	for i, body := range b.bodies {
		bodies[i] = append(uleb(uint64(len(body))), body...)
	}
	out = appendVecSection(out, secCode, bodies)
	out = appendVecSection(out, secData, b.data)

	return out
}

// typeIndex interns a function type.
func (b *Builder) typeIndex(params, results []byte) uint32 {
	enc := []byte{0x60}
	enc = append(enc, uleb(uint64(len(params)))...)
	enc = append(enc, params...)
	enc = append(enc, uleb(uint64(len(results)))...)
	enc = append(enc, results...)

	for i, t := range b.types {
		if string(t) == string(enc) {
			return uint32(i)
		}
	}
	b.types = append(b.types, enc)
	return uint32(len(b.types) - 1)
}

func appendVecSection(out []byte, id byte, entries [][]byte) []byte {
	if len(entries) == 0 {
		return out
	}
	payload := uleb(uint64(len(entries)))
	for _, e := range entries {
		payload = append(payload, e...)
	}
	out = append(out, id)
	out = append(out, uleb(uint64(len(payload)))...)
	return append(out, payload...)
}

// Instructions.

// I32Const pushes v.
func I32Const(v int32) []byte {
	return append([]byte{0x41}, sleb(int64(v))...)
}

// F32Const pushes v.
func F32Const(v float32) []byte {
	bits := math.Float32bits(v)
	return []byte{0x43, byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

// F64Const pushes v.
func F64Const(v float64) []byte {
	bits := math.Float64bits(v)
	out := []byte{0x44}
	for i := 0; i < 8; i++ {
		out = append(out, byte(bits>>(8*i)))
	}
	return out
}

// Call calls function idx.
func Call(idx uint32) []byte {
	return append([]byte{0x10}, uleb(uint64(idx))...)
}

// GlobalGet pushes global idx.
func GlobalGet(idx uint32) []byte {
	return append([]byte{0x23}, uleb(uint64(idx))...)
}

// GlobalSet pops into global idx.
func GlobalSet(idx uint32) []byte {
	return append([]byte{0x24}, uleb(uint64(idx))...)
}

// LocalGet pushes local idx.
func LocalGet(idx uint32) []byte {
	return append([]byte{0x20}, uleb(uint64(idx))...)
}

// I32Load loads an aligned i32 from the address on the stack plus offset.
func I32Load(offset uint32) []byte {
	return append([]byte{0x28, 0x02}, uleb(uint64(offset))...)
}

// I32Store stores an aligned i32 (address, value on the stack) at offset.
func I32Store(offset uint32) []byte {
	return append([]byte{0x36, 0x02}, uleb(uint64(offset))...)
}

// Op wraps single-byte opcodes for use as body instructions.
func Op(ops ...byte) []byte {
	return ops
}

// Vals is shorthand for a list of value types.
func Vals(types ...byte) []byte {
	return types
}

func encodeName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
