package wasm

import (
	"errors"
	"fmt"
	"time"
)

// ErrSystemInterfaceUnused is returned when a module declares no system-interface imports.
var ErrSystemInterfaceUnused = errors.New("module does not use the system interface")

// CompileError occurs when module bytes cannot be transformed or compiled.
type CompileError struct {
	ModuleName string
	Stage      string
	Err        error
}

func (e *CompileError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("failed to compile Wasm module '%s' (%s): %v", e.ModuleName, e.Stage, e.Err)
	}
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// LinkError occurs when instantiation fails, typically on a missing import.
type LinkError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("failed to link module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// TrapError occurs when module execution faults.
type TrapError struct {
	ModuleName   string
	FunctionName string
	Err          error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("module '%s' trapped in '%s': %v",
		e.ModuleName, e.FunctionName, e.Err)
}

func (e *TrapError) Unwrap() error {
	return e.Err
}

// ExportNotFoundError occurs when an exported function is missing
type ExportNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *ExportNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when a host function cannot complete its work.
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when Wasm execution times out
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution timed out after %v", e.Duration)
}

// errOutOfRange is wrapped by MemoryAccessError for reads past the end of memory.
var errOutOfRange = errors.New("out of range")
