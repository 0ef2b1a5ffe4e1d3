package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

// Binary format constants.
const (
	wasmMagic   = 0x6d736100 // \0asm, little endian
	wasmVersion = 1

	sectionType   = 1
	sectionImport = 2
	sectionExport = 7

	externFunc   = 0x00
	externTable  = 0x01
	externMemory = 0x02
	externGlobal = 0x03
	externTag    = 0x04

	funcTypeForm = 0x60
	valTypeI64   = 0x7e
)

// ErrInvalidHeader is returned for bytes that do not start with a Wasm 1.0 header.
var ErrInvalidHeader = errors.New("invalid wasm header")

// ModuleInfo is the import/export surface of a module binary, in declaration order.
type ModuleInfo struct {
	Exports []protocol.Export
	Imports []protocol.Import

	// WideImports lists "module.name" of imported functions whose signature
	// carries a 64-bit integer.
	WideImports []string
}

// Inspect scans the type, import and export sections of a module binary.
// Other sections are skipped without being decoded.
func Inspect(wasmBytes []byte) (*ModuleInfo, error) {
	r := bytes.NewReader(wasmBytes)
	if err := readHeader(r); err != nil {
		return nil, err
	}

	info := &ModuleInfo{}
	var wideTypes map[uint32]bool

	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, err := readULEB(r)
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		if uint64(size) > uint64(r.Len()) {
			return nil, fmt.Errorf("section %d: size %d exceeds remaining %d bytes", id, size, r.Len())
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		sr := bytes.NewReader(payload)

		switch id {
		case sectionType:
			// Unknown type forms (GC proposal) only disable wide-import detection.
			wideTypes, _ = scanTypes(sr)
		case sectionImport:
			if err := scanImports(sr, info, wideTypes); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
		case sectionExport:
			if err := scanExports(sr, info); err != nil {
				return nil, fmt.Errorf("export section: %w", err)
			}
		}
	}

	return info, nil
}

// FunctionExports returns the names of function exports in declaration order.
func (i *ModuleInfo) FunctionExports() []string {
	var names []string
	for _, e := range i.Exports {
		if e.Kind == protocol.ExportKindFunction {
			names = append(names, e.Name)
		}
	}
	return names
}

// HasExport reports whether an export with the given name and kind exists.
func (i *ModuleInfo) HasExport(name string, kind protocol.ExportKind) bool {
	for _, e := range i.Exports {
		if e.Name == name && e.Kind == kind {
			return true
		}
	}
	return false
}

// ImportsFrom reports whether any function is imported from one of the namespaces.
func (i *ModuleInfo) ImportsFrom(namespaces ...string) bool {
	for _, imp := range i.Imports {
		if imp.Kind != protocol.ExportKindFunction {
			continue
		}
		for _, ns := range namespaces {
			if imp.Module == ns {
				return true
			}
		}
	}
	return false
}

func readHeader(r *bytes.Reader) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	magic := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
	version := uint32(hdr[4]) | uint32(hdr[5])<<8 | uint32(hdr[6])<<16 | uint32(hdr[7])<<24
	if magic != wasmMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrInvalidHeader, magic)
	}
	if version != wasmVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, version)
	}
	return nil
}

func scanTypes(r *bytes.Reader) (map[uint32]bool, error) {
	count, err := readULEB(r)
	if err != nil {
		return nil, err
	}

	wide := make(map[uint32]bool)
	for idx := uint32(0); idx < count; idx++ {
		form, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if form != funcTypeForm {
			return nil, fmt.Errorf("unsupported type form %#x", form)
		}
		for range 2 { // params, then results
			n, err := readULEB(r)
			if err != nil {
				return nil, err
			}
			for j := uint32(0); j < n; j++ {
				vt, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				if vt == valTypeI64 {
					wide[idx] = true
				}
			}
		}
	}
	return wide, nil
}

func scanImports(r *bytes.Reader, info *ModuleInfo, wideTypes map[uint32]bool) error {
	count, err := readULEB(r)
	if err != nil {
		return err
	}

	for i := uint32(0); i < count; i++ {
		module, err := readName(r)
		if err != nil {
			return err
		}
		name, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		switch kind {
		case externFunc:
			typeIdx, err := readULEB(r)
			if err != nil {
				return err
			}
			if wideTypes[typeIdx] {
				info.WideImports = append(info.WideImports, module+"."+name)
			}
		case externTable:
			if err := skipRefType(r); err != nil {
				return err
			}
			if err := skipLimits(r); err != nil {
				return err
			}
		case externMemory:
			if err := skipLimits(r); err != nil {
				return err
			}
		case externGlobal:
			if err := skipRefType(r); err != nil {
				return err
			}
			if _, err := r.ReadByte(); err != nil { // mutability
				return err
			}
		case externTag:
			if _, err := r.ReadByte(); err != nil { // attribute
				return err
			}
			if _, err := readULEB(r); err != nil {
				return err
			}
		default:
			return fmt.Errorf("import %s.%s: unknown kind %#x", module, name, kind)
		}

		if k, ok := exportKind(kind); ok {
			info.Imports = append(info.Imports, protocol.Import{Module: module, Name: name, Kind: k})
		}
	}
	return nil
}

func scanExports(r *bytes.Reader, info *ModuleInfo) error {
	count, err := readULEB(r)
	if err != nil {
		return err
	}

	for i := uint32(0); i < count; i++ {
		name, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if _, err := readULEB(r); err != nil { // index
			return err
		}
		if k, ok := exportKind(kind); ok {
			info.Exports = append(info.Exports, protocol.Export{Name: name, Kind: k})
		}
	}
	return nil
}

func exportKind(kind byte) (protocol.ExportKind, bool) {
	switch kind {
	case externFunc:
		return protocol.ExportKindFunction, true
	case externTable:
		return protocol.ExportKindTable, true
	case externMemory:
		return protocol.ExportKindMemory, true
	case externGlobal:
		return protocol.ExportKindGlobal, true
	default:
		return 0, false
	}
}

// skipRefType skips a value or reference type, including typed references
// whose heap type follows the 0x63/0x64 prefix.
func skipRefType(r *bytes.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == 0x63 || b == 0x64 {
		_, err = readLEB(r, 33)
	}
	return err
}

func skipLimits(r *bytes.Reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if _, err := readLEB(r, 64); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := readLEB(r, 64); err != nil {
			return err
		}
	}
	return nil
}

func readName(r *bytes.Reader) (string, error) {
	n, err := readULEB(r)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readULEB(r *bytes.Reader) (uint32, error) {
	v, err := readLEB(r, 32)
	return uint32(v), err
}

// readLEB reads an unsigned LEB128 value of at most bits bits. Signed
// encodings are only ever skipped, so their value is not sign-extended.
func readLEB(r *bytes.Reader, bits uint) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= bits+7 {
			return 0, errors.New("leb128 overflow")
		}
	}
}
