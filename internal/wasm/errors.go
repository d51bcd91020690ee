package wasm

import (
	"fmt"
	"time"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

func (e *CompilationError) Kind() fault.Kind { return fault.Module }

// InstantiationError occurs when module instantiation fails, including
// import signature mismatches against the host modules.
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

func (e *InstantiationError) Kind() fault.Kind { return fault.Module }

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

func (e *ModuleNotFoundError) Kind() fault.Kind { return fault.Module }

// FunctionNotFoundError occurs when an exported function is missing or has
// an unexpected signature.
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
	Signature    string
}

func (e *FunctionNotFoundError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("function '%s' in module '%s' does not have signature %s",
			e.FunctionName, e.ModuleName, e.Signature)
	}
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

func (e *FunctionNotFoundError) Kind() fault.Kind { return fault.Module }

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

func (e *MemoryAccessError) Kind() fault.Kind { return fault.Memory }

// HostFunctionError occurs when host function execution fails
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

func (e *HostFunctionError) Kind() fault.Kind { return fault.Module }

// TrapError occurs when a guest call traps or exits.
type TrapError struct {
	InstanceID   string
	FunctionName string
	ExitCode     uint32
	Exited       bool
	Err          error
}

func (e *TrapError) Error() string {
	if e.Exited {
		return fmt.Sprintf("guest exited with code %d during '%s' (instance: %s)",
			e.ExitCode, e.FunctionName, e.InstanceID)
	}
	return fmt.Sprintf("guest trapped in '%s' (instance: %s): %v",
		e.FunctionName, e.InstanceID, e.Err)
}

func (e *TrapError) Unwrap() error {
	return e.Err
}

func (e *TrapError) Kind() fault.Kind { return fault.Module }

// TimeoutError occurs when Wasm execution times out
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution timed out after %v", e.Duration)
}

func (e *TimeoutError) Kind() fault.Kind { return fault.Module }
