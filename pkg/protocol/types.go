package protocol

// Caller-facing types for the wasm-loader bridge.
// This package defines the values the driver hands back to its callers (CLI, shell, JSON output).

// ExportKind is the kind of a module export or import.
type ExportKind int

const (
	ExportKindFunction ExportKind = iota + 1
	ExportKindTable
	ExportKindMemory
	ExportKindGlobal
)

// String returns the WebAssembly name of the kind.
func (k ExportKind) String() string {
	switch k {
	case ExportKindFunction:
		return "function"
	case ExportKindTable:
		return "table"
	case ExportKindMemory:
		return "memory"
	case ExportKindGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ExportKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Export is a single module export, in declaration order.
type Export struct {
	Name string     `json:"name"`
	Kind ExportKind `json:"kind"`
}

// Import is a single module import, in declaration order.
type Import struct {
	Module string     `json:"module"`
	Name   string     `json:"name"`
	Kind   ExportKind `json:"kind"`
}

// CompileReport describes a freshly compiled module.
type CompileReport struct {
	Name            string   `json:"name"`
	SizeBytes       int64    `json:"size_bytes"`
	Exports         []Export `json:"exports"`
	Imports         []Import `json:"imports"`
	Functions       []string `json:"functions"`
	SelectedExport  string   `json:"selected_export"`
	SystemInterface bool     `json:"system_interface"`
	Runnable        bool     `json:"runnable"`
	Status          string   `json:"status"`
	Error           string   `json:"error,omitempty"`
}

// RunMode names the calling convention a run used.
type RunMode string

const (
	RunModeSystemInterface RunMode = "system-interface"
	RunModeDirectCall      RunMode = "direct-call"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// ExitCodeUnknown is recorded when a run finished but no exit code could be discovered.
const ExitCodeUnknown int32 = -1

// ExecutionResult is the outcome of one run.
//
// ExitCode is nil until a run has happened. After a run it is never nil:
// it holds the module's exit code or ExitCodeUnknown.
type ExecutionResult struct {
	Mode     RunMode   `json:"mode"`
	Export   string    `json:"export,omitempty"`
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr,omitempty"`
	ExitCode *int32    `json:"exit_code"`
	Status   RunStatus `json:"status"`
	Error    string    `json:"error,omitempty"`
	Duration int64     `json:"duration_ms"`

	// Err is the caught fault, if any.
	Err error `json:"-"`
}

// ExitCodeKnown reports whether the run discovered a real exit code.
func (r *ExecutionResult) ExitCodeKnown() bool {
	return r != nil && r.ExitCode != nil && *r.ExitCode != ExitCodeUnknown
}

// Code returns the exit code, or ExitCodeUnknown when unset.
func (r *ExecutionResult) Code() int32 {
	if r == nil || r.ExitCode == nil {
		return ExitCodeUnknown
	}
	return *r.ExitCode
}

// ExitCode returns a pointer to v, for populating ExecutionResult.ExitCode.
func ExitCode(v int32) *int32 {
	return &v
}
