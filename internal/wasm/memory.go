package wasm

import (
	"fmt"

	"github.com/charmbracelet/x/ansi"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/text/encoding/unicode"
)

// Memory provides safe memory operations for Wasm module interaction.
//
// Wasm modules have their own isolated memory space that is separate from Go's memory.
// This helper wraps wazero's api.Memory to provide bounds-checked reads and
// lossy text decoding: invalid sequences are replaced, never fatal.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// ReadString reads a null-terminated string from Wasm memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, bool) {
	if m.mem == nil {
		return "", false
	}

	// Clamp to the end of memory so short strings near the end stay readable.
	if size := m.mem.Size(); ptr < size && maxLen > size-ptr {
		maxLen = size - ptr
	}

	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", false
	}

	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}

	return DecodeUTF8(buf[:end]), true
}

// ReadBytes reads raw bytes from Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	if m.mem == nil {
		return nil, false
	}
	return m.mem.Read(ptr, length)
}

// ReadText reads length bytes at ptr and decodes them as UTF-8.
func (m *Memory) ReadText(ptr uint32, length uint32) (string, error) {
	buf, ok := m.ReadBytes(ptr, length)
	if !ok {
		return "", &MemoryAccessError{
			Operation: "read",
			Address:   ptr,
			Length:    length,
			Err:       errOutOfRange,
		}
	}
	return DecodeUTF8(buf), nil
}

// ReadUTF16String reads a length-prefixed UTF-16LE string, the layout
// AssemblyScript uses for its string objects: the byte length is stored as a
// u32 four bytes before ptr.
func (m *Memory) ReadUTF16String(ptr uint32) (string, error) {
	if m.mem == nil || ptr < 4 {
		return "", &MemoryAccessError{Operation: "read-utf16", Address: ptr, Err: errOutOfRange}
	}

	length, ok := m.mem.ReadUint32Le(ptr - 4)
	if !ok {
		return "", &MemoryAccessError{Operation: "read-utf16", Address: ptr - 4, Length: 4, Err: errOutOfRange}
	}

	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return "", &MemoryAccessError{Operation: "read-utf16", Address: ptr, Length: length, Err: errOutOfRange}
	}

	return DecodeUTF16LE(buf)
}

// DecodeUTF8 decodes b as UTF-8, replacing invalid sequences with U+FFFD.
func DecodeUTF8(b []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// DecodeUTF16LE decodes little-endian UTF-16 without a byte order mark.
func DecodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("odd UTF-16 byte length %d", len(b))
	}
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// CleanStdout strips ANSI escape sequences (colors, cursor movement) from captured output.
func CleanStdout(s string) string {
	return ansi.Strip(s)
}
