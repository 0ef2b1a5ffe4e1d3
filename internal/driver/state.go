package driver

import "errors"

// State is the lifecycle state of a Driver.
type State int32

const (
	StateUnloaded State = iota
	StateCompiled
	StateInstantiated
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateCompiled:
		return "compiled"
	case StateInstantiated:
		return "instantiated"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Loaded reports whether a compiled module is held in this state.
func (s State) Loaded() bool {
	return s != StateUnloaded
}

var (
	// ErrNotLoaded is returned by operations that need a compiled module.
	ErrNotLoaded = errors.New("no module loaded")

	// ErrNoEntryPoint is returned by Run when the module has nothing to run.
	ErrNoEntryPoint = errors.New("no entry point found")
)
