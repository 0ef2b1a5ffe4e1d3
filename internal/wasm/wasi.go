package wasm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

// SystemInterfaceModules are the import namespaces served by wazero's WASI implementation.
var SystemInterfaceModules = []string{abi.WASIModule, abi.WASIUnstableModule}

// DefaultStdinImports identify the read-style imports that trigger stdin priming.
var DefaultStdinImports = []string{
	abi.WASIModule + "." + abi.FuncFdRead,
	abi.WASIUnstableModule + "." + abi.FuncFdRead,
}

// StdinPredicate reports whether a module reads standard input, given its imports.
type StdinPredicate func(imports []protocol.Import) bool

// MatchImports builds a StdinPredicate matching any of names. A name is
// either "module.name" or a bare function name matched in any namespace.
func MatchImports(names ...string) StdinPredicate {
	return func(imports []protocol.Import) bool {
		for _, imp := range imports {
			if imp.Kind != protocol.ExportKindFunction {
				continue
			}
			for _, name := range names {
				if name == imp.Name || name == imp.Module+"."+imp.Name {
					return true
				}
			}
		}
		return false
	}
}

// SystemInterface is the per-run session with the system-interface implementation.
//
// It owns the run's standard streams. Stdin is supplied at instantiation but
// only filled by PrimeStdin, so priming may happen after linking and before
// the start function runs.
type SystemInterface struct {
	stdin  *primedReader
	stdout bytes.Buffer
	stderr bytes.Buffer

	released bool
	logger   *zap.Logger
}

// NewSystemInterface creates a session.
func NewSystemInterface(logger *zap.Logger) *SystemInterface {
	return &SystemInterface{
		stdin:  &primedReader{},
		logger: logger.With(zap.String("component", "wasm-wasi")),
	}
}

// ResolveImports checks whether the module links against the system
// interface. ErrSystemInterfaceUnused is the normal answer for modules that
// only use the env imports.
func (s *SystemInterface) ResolveImports(compiled *CompiledModule) error {
	if compiled.Info == nil || !compiled.Info.ImportsFrom(SystemInterfaceModules...) {
		return ErrSystemInterfaceUnused
	}
	return nil
}

// InstanceConfig returns an instance configuration wired to this session's streams.
func (s *SystemInterface) InstanceConfig(host *HostFunctions) *InstanceConfig {
	return &InstanceConfig{
		Host:   host,
		Stdin:  s.stdin,
		Stdout: &s.stdout,
		Stderr: &s.stderr,
	}
}

// PrimeStdin fills standard input with text terminated by a newline.
func (s *SystemInterface) PrimeStdin(text string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	s.stdin.fill([]byte(text))
	s.logger.Debug("Primed standard input", zap.Int("bytes", len(text)))
}

// Run invokes the start function and returns the module's exit code. A
// normal return is exit code 0. Faults other than a process exit are
// returned with ExitCodeUnknown.
func (s *SystemInterface) Run(ctx context.Context, inst *Instance) (int32, error) {
	_, err := inst.Call(ctx, abi.ExportStart)
	if err == nil {
		return 0, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return protocol.ExitCodeUnknown, err
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode()), nil
	}

	return protocol.ExitCodeUnknown, err
}

// Stdout returns the captured standard output.
func (s *SystemInterface) Stdout() string {
	return s.stdout.String()
}

// Stderr returns the captured standard error.
func (s *SystemInterface) Stderr() string {
	return s.stderr.String()
}

// Release drops the session's buffers. Safe to call more than once.
func (s *SystemInterface) Release() {
	if s.released {
		return
	}
	s.released = true
	s.stdin.fill(nil)
	s.stdout.Reset()
	s.stderr.Reset()
	s.logger.Debug("System interface session released")
}

// primedReader reads nothing until filled.
type primedReader struct {
	mu sync.Mutex
	r  *bytes.Reader
}

func (p *primedReader) fill(data []byte) {
	p.mu.Lock()
	p.r = bytes.NewReader(data)
	p.mu.Unlock()
}

func (p *primedReader) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.r == nil {
		return 0, io.EOF
	}
	return p.r.Read(b)
}
