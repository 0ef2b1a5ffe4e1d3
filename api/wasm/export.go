//go:build wasm

package wasm

import "unsafe"

// Guest-side bindings for the functions the host exports under "env".
// Modules built with GOOS=wasip1 or tinygo can import this package instead
// of declaring the imports by hand.

//go:wasmimport env malloc
func malloc(size uint32) uint32

//go:wasmimport env writeS
func writeS(ptr, length uint32)

//go:wasmimport env writeInt
func writeInt(value int32)

//go:wasmimport env writeFloat
func writeFloat(value float32)

//go:wasmimport env readInt
func readInt() int32

//go:wasmimport env readFloat
func readFloat() float64

// Malloc reserves size bytes in linear memory through the host allocator.
func Malloc(size uint32) uint32 {
	return malloc(size)
}

// Print emits s on the host's observation channel.
func Print(s string) {
	if len(s) == 0 {
		writeS(0, 0)
		return
	}
	writeS(uint32(uintptr(unsafe.Pointer(unsafe.StringData(s)))), uint32(len(s)))
}

// PrintInt emits v on the host's observation channel.
func PrintInt(v int32) {
	writeInt(v)
}

// PrintFloat emits v on the host's observation channel.
func PrintFloat(v float32) {
	writeFloat(v)
}

// ReadInt blocks until the host supplies an integer.
func ReadInt() int32 {
	return readInt()
}

// ReadFloat blocks until the host supplies a float.
func ReadFloat() float64 {
	return readFloat()
}
