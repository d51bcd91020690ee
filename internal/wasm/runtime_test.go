package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

func newTestRuntime(t *testing.T, config *RuntimeConfig) *Runtime {
	t.Helper()
	runtime, err := NewRuntime(context.Background(), zaptest.NewLogger(t), config)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { runtime.Close(context.Background()) })
	return runtime
}

func TestNewRuntime(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}

	if runtime == nil {
		t.Fatal("Runtime is nil")
	}

	if err := runtime.Close(context.Background()); err != nil {
		t.Errorf("Failed to close runtime: %v", err)
	}
}

func TestRuntimeCloseIdempotent(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := runtime.Close(ctx); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := runtime.Close(ctx); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if !runtime.IsClosed() {
		t.Error("Runtime should be closed after Close()")
	}
}

func TestDefaultRuntimeConfig(t *testing.T) {
	config := DefaultRuntimeConfig()

	if config.MemoryPages != 256 {
		t.Errorf("Default memory pages = %d, want 256", config.MemoryPages)
	}

	if config.DebugEnabled {
		t.Error("Debug should be disabled by default")
	}

	if config.MaxInstances != 100 {
		t.Errorf("Default max instances = %d, want 100", config.MaxInstances)
	}
}

func TestRuntimeCompilationCacheDir(t *testing.T) {
	runtime := newTestRuntime(t, &RuntimeConfig{
		MemoryPages:  16,
		CacheDir:     t.TempDir(),
		MaxInstances: 4,
	})

	if runtime.cache == nil {
		t.Error("Compilation cache should be configured when CacheDir is set")
	}
}

func TestRuntimeModuleCache(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	module := &CompiledModule{
		Name:       "test-module",
		Source:     "test",
		SizeBytes:  1024,
		CompiledAt: time.Now().Unix(),
	}

	runtime.StoreCompiledModule(module)

	retrieved, ok := runtime.GetCompiledModule("test-module")
	if !ok {
		t.Fatal("Failed to retrieve module from cache")
	}

	if retrieved.Name != "test-module" {
		t.Errorf("Retrieved wrong module: %s", retrieved.Name)
	}
}

func TestRuntimeAcquireRespectsLimit(t *testing.T) {
	runtime := newTestRuntime(t, &RuntimeConfig{MaxInstances: 1})

	if err := runtime.Acquire(context.Background()); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := runtime.Acquire(ctx)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Acquire on a full runtime = %v, want *TimeoutError", err)
	}

	runtime.Release()
	if err := runtime.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire after release failed: %v", err)
	}
	runtime.Release()
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want fault.Kind
	}{
		{&CompilationError{ModuleName: "m", Err: errors.New("bad")}, fault.Module},
		{&MemoryAccessError{Operation: "read"}, fault.Memory},
		{&FunctionNotFoundError{ModuleName: "m", FunctionName: "f"}, fault.Module},
		{&TrapError{FunctionName: "f", Err: errors.New("unreachable")}, fault.Module},
	}

	for _, tt := range tests {
		if got := fault.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%T) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCompilationError(t *testing.T) {
	err := &CompilationError{
		ModuleName: "test",
		Err:        errors.New("test error"),
	}

	expected := "failed to compile Wasm module 'test': test error"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}
