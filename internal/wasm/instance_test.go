package wasm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/frame-runtime/internal/wasmgen"
)

func TestLoadModuleFromMemory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()
	runtime := newTestRuntime(t, nil)
	loader := NewModuleLoader(runtime, logger)

	wasmBytes := wasmgen.New().MustEncode()

	module, err := loader.LoadModuleFromMemory(ctx, "test-module", wasmBytes)
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	if module.Name != "test-module" {
		t.Errorf("Module name = %s, want 'test-module'", module.Name)
	}
	if module.Digest == "" {
		t.Error("Module digest should be set")
	}

	// Same bytes hit the cache.
	module2, err := loader.LoadModuleFromMemory(ctx, "test-module", wasmBytes)
	if err != nil {
		t.Fatalf("Failed to load module from cache: %v", err)
	}
	if module2 != module {
		t.Error("Cache should return the same module instance")
	}

	// Changed bytes under the same name recompile.
	m := wasmgen.New()
	m.Memory(1)
	module3, err := loader.LoadModuleFromMemory(ctx, "test-module", m.MustEncode())
	if err != nil {
		t.Fatalf("Failed to reload module: %v", err)
	}
	if module3 == module {
		t.Error("Changed bytecode should not be served from cache")
	}
}

func TestModuleLoaderFileSource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()
	runtime := newTestRuntime(t, nil)
	loader := NewModuleLoader(runtime, logger)

	wasmFile := filepath.Join(t.TempDir(), "test.wasm")
	if err := os.WriteFile(wasmFile, wasmgen.New().MustEncode(), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.LoadModuleFromFile(ctx, wasmFile); err != nil {
		t.Fatalf("Failed to load module from file: %v", err)
	}

	_, err := loader.LoadModuleFromMemory(ctx, "garbage", []byte("not wasm"))
	if _, ok := err.(*CompilationError); !ok {
		t.Errorf("Loading garbage = %v, want *CompilationError", err)
	}
}

func TestCompiledModuleIntrospection(t *testing.T) {
	runtime := newTestRuntime(t, nil)
	logger := zaptest.NewLogger(t)

	m := wasmgen.New()
	m.ImportFunc("env", "print_integer", wasmgen.FuncType{Params: []wasmgen.ValueType{wasmgen.I64}})
	m.ImportFunc("env", "_req_path", wasmgen.FuncType{Results: []wasmgen.ValueType{wasmgen.I32}})
	main := m.Func(wasmgen.FuncType{}, nil, nil)
	m.ExportFunc("main", main)

	compiled, err := NewModuleLoader(runtime, logger).LoadModuleFromMemory(context.Background(), "introspect", m.MustEncode())
	if err != nil {
		t.Fatal(err)
	}

	imports := compiled.FunctionImports()
	if len(imports) != 2 {
		t.Fatalf("FunctionImports() = %v, want 2 entries", imports)
	}
	if imports[0].String() != "env._req_path()->(i32)" {
		t.Errorf("imports[0] = %s", imports[0])
	}
	if imports[1].String() != "env.print_integer(i64)->()" {
		t.Errorf("imports[1] = %s", imports[1])
	}
	if !compiled.HasExport("main") || compiled.HasExport("init") {
		t.Errorf("ExportedFunctionNames() = %v", compiled.ExportedFunctionNames())
	}
}

func TestInstantiateUnknownModule(t *testing.T) {
	runtime := newTestRuntime(t, nil)
	mgr := NewInstanceManager(runtime, zaptest.NewLogger(t))

	_, err := mgr.Instantiate(context.Background(), &InstanceConfig{ModuleName: "missing"})
	if _, ok := err.(*ModuleNotFoundError); !ok {
		t.Errorf("Instantiate(missing) = %v, want *ModuleNotFoundError", err)
	}
}

func TestInstantiateMissingImportFails(t *testing.T) {
	runtime := newTestRuntime(t, &RuntimeConfig{MemoryPages: 16, MaxInstances: 1})

	m := wasmgen.New()
	m.ImportFunc("env", "not_provided", wasmgen.FuncType{})

	bin := m.MustEncode()
	logger := zaptest.NewLogger(t)
	if _, err := NewModuleLoader(runtime, logger).LoadModuleFromMemory(context.Background(), "needs-import", bin); err != nil {
		t.Fatal(err)
	}
	_, err := NewInstanceManager(runtime, logger).Instantiate(context.Background(), &InstanceConfig{ModuleName: "needs-import"})
	if _, ok := err.(*InstantiationError); !ok {
		t.Errorf("Instantiate with unresolved import = %v, want *InstantiationError", err)
	}
	if runtime.InstanceCount() != 0 {
		t.Errorf("Failed instantiation should not be tracked, count = %d", runtime.InstanceCount())
	}

	// The only slot must have been released.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := runtime.Acquire(ctx); err != nil {
		t.Errorf("Slot leaked after failed instantiation: %v", err)
	}
	runtime.Release()
}

func TestInstancesAreIsolated(t *testing.T) {
	runtime := newTestRuntime(t, nil)
	m := allocatingGuest()

	a := instantiateGuest(t, runtime, "isolated", m)
	b, err := NewInstanceManager(runtime, zaptest.NewLogger(t)).Instantiate(context.Background(), &InstanceConfig{ModuleName: "isolated"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(context.Background())

	if a.ID == b.ID {
		t.Fatal("Instances should have distinct ids")
	}
	a.Memory().WriteU32(128, 42)
	if v, _ := b.Memory().ReadU32(128); v != 0 {
		t.Errorf("Instance b observed instance a's memory: %d", v)
	}
	if runtime.InstanceCount() != 2 {
		t.Errorf("InstanceCount() = %d, want 2", runtime.InstanceCount())
	}
}

func TestInstanceCallTrap(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	m := wasmgen.New()
	boom := m.Func(wasmgen.FuncType{}, nil, wasmgen.NewCode().Unreachable())
	m.ExportFunc("boom", boom)
	inst := instantiateGuest(t, runtime, "trap", m)

	_, err := inst.Call(context.Background(), "boom")
	var trap *TrapError
	if !errors.As(err, &trap) {
		t.Fatalf("Call(boom) = %v, want *TrapError", err)
	}
	if trap.FunctionName != "boom" || trap.Exited {
		t.Errorf("unexpected trap: %+v", trap)
	}

	_, err = inst.Call(context.Background(), "absent")
	if _, ok := err.(*FunctionNotFoundError); !ok {
		t.Errorf("Call(absent) = %v, want *FunctionNotFoundError", err)
	}
}

func TestInstanceHasFunction(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	m := wasmgen.New()
	h := m.Func(wasmgen.FuncType{Results: []wasmgen.ValueType{wasmgen.I32}}, nil, wasmgen.NewCode().I32Const(1))
	m.ExportFunc("__route_handler_0", h)
	inst := instantiateGuest(t, runtime, "has-fn", m)

	if !inst.HasFunction("__route_handler_0", nil, []api.ValueType{api.ValueTypeI32}) {
		t.Error("HasFunction should match ()->i32")
	}
	if inst.HasFunction("__route_handler_0", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}) {
		t.Error("HasFunction should reject a different signature")
	}
}

func tableGuest() *wasmgen.Module {
	sig := wasmgen.FuncType{Results: []wasmgen.ValueType{wasmgen.I32}}
	m := wasmgen.New()
	first := m.Func(sig, nil, wasmgen.NewCode().I32Const(100))
	second := m.Func(sig, nil, wasmgen.NewCode().I32Const(200))
	wrongType := m.Func(wasmgen.FuncType{Params: []wasmgen.ValueType{wasmgen.I32}, Results: []wasmgen.ValueType{wasmgen.I32}}, nil,
		wasmgen.NewCode().LocalGet(0))
	m.Table(5)
	m.Elements(0, first, second, wrongType)
	m.ExportTable(IndirectTableExport)
	return m
}

func TestCallTableEntry(t *testing.T) {
	runtime := newTestRuntime(t, nil)
	inst := instantiateGuest(t, runtime, "table", tableGuest())
	ctx := context.Background()

	got, err := inst.CallTableEntry(ctx, 1)
	if err != nil {
		t.Fatalf("CallTableEntry(1) failed: %v", err)
	}
	if got != 200 {
		t.Errorf("CallTableEntry(1) = %d, want 200", got)
	}

	// Null slot and out-of-range index fall through.
	for _, idx := range []uint32{3, 10} {
		_, err := inst.CallTableEntry(ctx, idx)
		if _, ok := err.(*FunctionNotFoundError); !ok {
			t.Errorf("CallTableEntry(%d) = %v, want *FunctionNotFoundError", idx, err)
		}
	}

	// An entry with another signature traps.
	_, err = inst.CallTableEntry(ctx, 2)
	if _, ok := err.(*TrapError); !ok {
		t.Errorf("CallTableEntry(2) = %v, want *TrapError", err)
	}

	// The trampoline instance is gone after each call; repeating works.
	if got, err := inst.CallTableEntry(ctx, 0); err != nil || got != 100 {
		t.Errorf("CallTableEntry(0) = %d, %v; want 100", got, err)
	}
}

func TestCallTableEntrySharesTrampoline(t *testing.T) {
	runtime := newTestRuntime(t, nil)
	ctx := context.Background()

	sig := wasmgen.FuncType{Results: []wasmgen.ValueType{wasmgen.I32}}
	other := wasmgen.New()
	only := other.Func(sig, nil, wasmgen.NewCode().I32Const(7))
	other.Table(1)
	other.Elements(0, only)
	other.ExportTable(IndirectTableExport)

	a := instantiateGuest(t, runtime, "table-a", tableGuest())
	b := instantiateGuest(t, runtime, "table-b", other)

	for i := 0; i < 3; i++ {
		if got, err := a.CallTableEntry(ctx, 0); err != nil || got != 100 {
			t.Fatalf("a.CallTableEntry(0) = %d, %v; want 100", got, err)
		}
		if got, err := b.CallTableEntry(ctx, 0); err != nil || got != 7 {
			t.Fatalf("b.CallTableEntry(0) = %d, %v; want 7", got, err)
		}
	}
	if _, err := b.CallTableEntry(ctx, 1); err == nil {
		t.Error("b has a one-entry table; index 1 should not resolve against a")
	}
	if runtime.trampolineBuilds != 1 {
		t.Errorf("trampoline compiled %d times, want 1", runtime.trampolineBuilds)
	}
}

func TestCallTableEntryWithoutTable(t *testing.T) {
	runtime := newTestRuntime(t, nil)
	inst := instantiateGuest(t, runtime, "no-table", wasmgen.New())

	_, err := inst.CallTableEntry(context.Background(), 0)
	if _, ok := err.(*FunctionNotFoundError); !ok {
		t.Errorf("CallTableEntry without a table = %v, want *FunctionNotFoundError", err)
	}
}
