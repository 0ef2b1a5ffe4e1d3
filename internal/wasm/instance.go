package wasm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/wasm-loader/api/wasm"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Instance ID (if empty, one is generated).
	InstanceID string

	// Host provides the env imports. Required when the module imports from env.
	Host *HostFunctions

	// Standard streams seen by system-interface imports. Nil streams are empty.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Instance represents an instantiated Wasm module.
// One Instance serves exactly one run.
type Instance struct {
	// wazero module instance.
	module api.Module

	// env host module bound to this instance, if the module imports one.
	env api.Module

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	runtime   *Runtime
	closeOnce sync.Once
	logger    *zap.Logger
}

// Instantiate links a compiled module against the env host functions and any
// system-interface modules already registered on the runtime.
// Link failures are returned as *LinkError.
func (m *InstanceManager) Instantiate(ctx context.Context, compiled *CompiledModule, config *InstanceConfig) (*Instance, error) {
	if config == nil {
		config = &InstanceConfig{}
	}

	// Generate instance ID if not provided.
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = generateInstanceID()
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", compiled.Name),
		zap.String("instance_id", instanceID),
	)

	linkErr := func(err error) error {
		return &LinkError{ModuleName: compiled.Name, InstanceID: instanceID, Err: err}
	}

	var env api.Module
	if declared := envImports(compiled.Module); len(declared) > 0 {
		if config.Host == nil {
			return nil, linkErr(fmt.Errorf("module imports from %q but no host functions were provided", abi.EnvModule))
		}

		builder := m.runtime.runtime.NewHostModuleBuilder(abi.EnvModule)
		config.Host.Export(builder, declared)

		var err error
		env, err = builder.Instantiate(ctx)
		if err != nil {
			return nil, linkErr(fmt.Errorf("failed to instantiate host module: %w", err))
		}
	}

	// Anonymous, and without start functions: the driver decides what runs.
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(compiled.Name).
		WithStartFunctions()
	if config.Stdin != nil {
		moduleConfig = moduleConfig.WithStdin(config.Stdin)
	}
	if config.Stdout != nil {
		moduleConfig = moduleConfig.WithStdout(config.Stdout)
	}
	if config.Stderr != nil {
		moduleConfig = moduleConfig.WithStderr(config.Stderr)
	}

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		if env != nil {
			_ = env.Close(ctx)
		}
		return nil, linkErr(err)
	}

	instance := &Instance{
		module:    module,
		env:       env,
		ID:        instanceID,
		Name:      compiled.Name,
		CreatedAt: time.Now().Unix(),
		runtime:   m.runtime,
		logger:    m.logger.With(zap.String("instance_id", instanceID)),
	}

	// Track active instance.
	m.runtime.StoreInstance(instance)

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(compiled.Module.ExportedFunctions())),
	)

	return instance, nil
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Memory returns the exported linear memory, falling back to the module's
// only memory. Nil when the module has none.
func (i *Instance) Memory() api.Memory {
	if mem := i.module.ExportedMemory(abi.ExportMemory); mem != nil {
		return mem
	}
	return i.module.Memory()
}

// Grower returns the growth capability over the instance memory and its
// current page count. ok is false when the module has no memory.
func (i *Instance) Grower() (g Grower, pages uint32, ok bool) {
	mem := i.Memory()
	if mem == nil {
		return nil, 0, false
	}
	return memoryGrower{mem: mem}, mem.Size() / PageSize, true
}

// HeapBase reads the first of names that is exported as an integer global.
func (i *Instance) HeapBase(names ...string) (base uint32, global string, ok bool) {
	for _, name := range names {
		if v, ok := i.GlobalInt(name); ok {
			return uint32(v), name, true
		}
	}
	return 0, "", false
}

// GlobalInt reads an exported integer global. i64 values are truncated to 32 bits.
func (i *Instance) GlobalInt(name string) (int32, bool) {
	g := i.module.ExportedGlobal(name)
	if g == nil {
		return 0, false
	}
	switch g.Type() {
	case api.ValueTypeI32:
		return api.DecodeI32(g.Get()), true
	case api.ValueTypeI64:
		return int32(int64(g.Get())), true
	default:
		return 0, false
	}
}

// Call invokes an exported function with no arguments.
func (i *Instance) Call(ctx context.Context, name string) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, &ExportNotFoundError{ModuleName: i.Name, FunctionName: name}
	}
	return fn.Call(ctx)
}

// Close closes the instance and its host module and releases resources.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		err = i.module.Close(ctx)
		if i.env != nil {
			if envErr := i.env.Close(ctx); envErr != nil && err == nil {
				err = envErr
			}
		}
		i.runtime.DeleteInstance(i.ID)
		i.logger.Debug("Instance closed")
	})
	return err
}

// memoryGrower adapts api.Memory to Grower.
type memoryGrower struct {
	mem api.Memory
}

func (g memoryGrower) GrowBy(pages uint32) (uint32, error) {
	prev, ok := g.mem.Grow(pages)
	if !ok {
		return prev, fmt.Errorf("cannot grow memory by %d pages from %d", pages, g.mem.Size()/PageSize)
	}
	return prev + pages, nil
}

func (g memoryGrower) Pages() uint32 {
	return g.mem.Size() / PageSize
}

// envImports returns the functions the module imports from env, by name.
func envImports(compiled wazero.CompiledModule) map[string]api.FunctionDefinition {
	declared := make(map[string]api.FunctionDefinition)
	for _, def := range compiled.ImportedFunctions() {
		if module, name, ok := def.Import(); ok && module == abi.EnvModule {
			declared[name] = def
		}
	}
	return declared
}

var instanceSeq atomic.Uint64

// generateInstanceID generates a unique instance ID.
func generateInstanceID() string {
	return fmt.Sprintf("inst-%d-%d", time.Now().UnixNano(), instanceSeq.Add(1))
}
