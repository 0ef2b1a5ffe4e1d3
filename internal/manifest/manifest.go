// Package manifest reads run manifests: a manifest.yaml next to a Wasm
// module naming the module, its entry export and the answers to feed it.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

// FileName is the manifest file looked up in a directory.
const FileName = "manifest.yaml"

// Manifest represents the manifest.yaml structure.
type Manifest struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	Wasm        WasmConfig `yaml:"wasm"`

	// Entry is the export called in direct-call mode. Empty keeps the default.
	Entry   string `yaml:"entry"`
	Verbose bool   `yaml:"verbose"`

	// Inputs answer the module's read requests in order.
	Inputs []string `yaml:"inputs"`

	// Expect, when present, is checked against the run's result.
	Expect *Expectation `yaml:"expect"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file"`
}

// Expectation describes the result a run must produce.
type Expectation struct {
	ExitCode *int32  `yaml:"exit_code"`
	Stdout   *string `yaml:"stdout"`
}

// Parse reads and parses manifest.yaml from a directory.
func Parse(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, FileName)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &NotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &ValidationError{
			Path:    m.Path(),
			Field:   "name",
			Message: "name is required",
		}
	}

	if m.Wasm.File == "" {
		return &ValidationError{
			Path:    m.Path(),
			Field:   "wasm.file",
			Message: "wasm.file is required",
		}
	}

	if filepath.IsAbs(m.Wasm.File) {
		return &ValidationError{
			Path:    m.Path(),
			Field:   "wasm.file",
			Message: fmt.Sprintf("wasm.file must be relative to the manifest: %s", m.Wasm.File),
		}
	}

	wasmPath := m.WasmPath()
	if _, err := os.Stat(wasmPath); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// Check compares a run's result against the manifest's expectation.
// A manifest without expectations accepts every result.
func (m *Manifest) Check(result *protocol.ExecutionResult) error {
	if m.Expect == nil || result == nil {
		return nil
	}

	if want := m.Expect.ExitCode; want != nil && result.Code() != *want {
		return &ExpectationError{
			Name:  m.Name,
			Field: "exit_code",
			Want:  fmt.Sprint(*want),
			Got:   fmt.Sprint(result.Code()),
		}
	}

	if want := m.Expect.Stdout; want != nil && result.Stdout != *want {
		return &ExpectationError{
			Name:  m.Name,
			Field: "stdout",
			Want:  fmt.Sprintf("%q", *want),
			Got:   fmt.Sprintf("%q", result.Stdout),
		}
	}

	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, FileName)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// ReadWasm reads the module bytes.
func (m *Manifest) ReadWasm() ([]byte, error) {
	return os.ReadFile(m.WasmPath())
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
