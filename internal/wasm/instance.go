package wasm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// InstanceManager creates module instances from compiled modules. Host
// modules must already be instantiated in the runtime; the guest's imports
// resolve against them by name.
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
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string
}

// Instance represents an instantiated Wasm module. An Instance is owned by
// a single caller and is not safe for concurrent calls.
type Instance struct {
	// wazero module instance.
	module api.Module

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt time.Time

	runtime   *Runtime
	closeOnce sync.Once
	logger    *zap.Logger
}

// Instantiate creates a new instance from a compiled module.
// Start functions are not run; callers invoke entry points explicitly.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if err := m.runtime.Acquire(ctx); err != nil {
		return nil, err
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		m.runtime.Release()
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	instance := &Instance{
		module:    module,
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now(),
		runtime:   m.runtime,
		logger:    m.logger,
	}

	m.runtime.StoreInstance(instance)

	if m.runtime.Debug() {
		m.logger.Debug("Module instantiated",
			zap.String("module", config.ModuleName),
			zap.String("instance_id", instanceID),
		)
	}

	return instance, nil
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Memory returns a bounds-checked view of the instance's memory.
func (i *Instance) Memory() *Memory {
	return NewMemory(i.module)
}

// Function returns an exported function, or nil.
func (i *Instance) Function(name string) api.Function {
	return i.module.ExportedFunction(name)
}

// HasFunction reports whether name is exported with exactly the given type.
func (i *Instance) HasFunction(name string, params, results []api.ValueType) bool {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return false
	}
	def := fn.Definition()
	return sameTypes(def.ParamTypes(), params) && sameTypes(def.ResultTypes(), results)
}

// Call invokes an exported function. Traps and guest exits are reported as
// *TrapError.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, i.trap(name, err)
	}
	return res, nil
}

func (i *Instance) trap(name string, err error) error {
	te := &TrapError{InstanceID: i.ID, FunctionName: name, Err: err}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		te.Exited = true
		te.ExitCode = exit.ExitCode()
	}
	return te
}

// Close closes the instance and releases its slot. Safe to call twice.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		err = i.module.Close(ctx)
		i.runtime.DeleteInstance(i.ID)
		i.runtime.Release()
	})
	return err
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}
