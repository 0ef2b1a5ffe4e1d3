//go:build !wasm

package wasm

// This file defines the host side of the ABI shared with guest modules.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. All Wasm memory addresses are represented as 32-bit integers.

// Import namespaces.
const (
	// EnvModule is the namespace the custom host functions are exported into.
	EnvModule = "env"

	// WASIModule is the current system-interface namespace.
	WASIModule = "wasi_snapshot_preview1"

	// WASIUnstableModule is the legacy system-interface namespace still
	// emitted by older toolchains.
	WASIUnstableModule = "wasi_unstable"
)

// Host functions exported under EnvModule.
const (
	// FuncMalloc bumps the host-side allocator.
	// Signature: malloc(size: i32) -> i32 (pointer)
	FuncMalloc = "malloc"

	// FuncWriteS emits UTF-8 text read from guest memory.
	// Signature: writeS(ptr: i32, len: i32)
	FuncWriteS = "writeS"

	// FuncWriteString is an alias of FuncWriteS.
	FuncWriteString = "writeString"

	// FuncWriteInt emits an integer.
	// Signature: writeInt(value: i32)
	FuncWriteInt = "writeInt"

	// FuncWriteFloat emits a float.
	// Signature: writeFloat(value: f32), f64 accepted.
	FuncWriteFloat = "writeFloat"

	// FuncReadInt prompts for an integer, 0 when cancelled.
	// Signature: readInt() -> i32
	FuncReadInt = "readInt"

	// FuncReadFloat prompts for a float, 0 when cancelled.
	// Signature: readFloat() -> f64, f32 accepted.
	FuncReadFloat = "readFloat"

	// FuncAbort reports a guest assertion failure.
	// Signature: abort(msg: i32, file: i32, line: i32, column: i32)
	FuncAbort = "abort"
)

// Well-known guest exports.
const (
	// ExportStart is the default entry point.
	ExportStart = "_start"

	// ExportMemory is the linear memory the allocator grows.
	ExportMemory = "memory"

	// GlobalHeapBase reports the first address free for dynamic allocation.
	GlobalHeapBase = "heap_base_ptr"

	// GlobalLLVMHeapBase is the heap base global emitted by clang/wasm-ld.
	GlobalLLVMHeapBase = "__heap_base"

	// GlobalExitCode holds the exit code of a direct-call run.
	GlobalExitCode = "exit_code"
)

// FuncFdRead is the system-interface import that marks a module as reading
// standard input.
const FuncFdRead = "fd_read"
