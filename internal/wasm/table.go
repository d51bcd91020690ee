package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/woxQAQ/frame-runtime/internal/wasmgen"
)

// IndirectTableExport is the table export toolchains emit for function
// pointers.
const IndirectTableExport = "__indirect_function_table"

// tableModule is the import module name the trampoline binds to. It is
// resolved to the calling instance at instantiation time, so one compiled
// trampoline serves every guest.
const tableModule = "frame.guest"

// trampoline builds a module that imports a guest's function table and
// exports helpers to inspect it and call entries of type ()->i32.
func trampoline() ([]byte, error) {
	m := wasmgen.New()
	m.ImportTable(tableModule, IndirectTableExport, 0)

	i32 := []wasmgen.ValueType{wasmgen.I32}
	handler := m.Type(wasmgen.FuncType{Results: i32})

	size := m.Func(wasmgen.FuncType{Results: i32}, nil, wasmgen.NewCode().TableSize())
	m.ExportFunc("size", size)

	isNull := m.Func(wasmgen.FuncType{Params: i32, Results: i32}, nil,
		wasmgen.NewCode().LocalGet(0).TableGet().RefIsNull())
	m.ExportFunc("is_null", isNull)

	call := m.Func(wasmgen.FuncType{Params: i32, Results: i32}, nil,
		wasmgen.NewCode().LocalGet(0).CallIndirect(handler))
	m.ExportFunc("call", call)

	return m.Encode()
}

// tableTrampoline compiles the trampoline on first use.
func (r *Runtime) tableTrampoline(ctx context.Context) (wazero.CompiledModule, error) {
	r.trampolineOnce.Do(func() {
		bin, err := trampoline()
		if err != nil {
			r.trampolineErr = err
			return
		}
		r.trampolineBuilds++
		r.trampoline, r.trampolineErr = r.runtime.CompileModule(context.WithoutCancel(ctx), bin)
	})
	return r.trampoline, r.trampolineErr
}

// CallTableEntry invokes entry index of the guest's exported indirect
// function table as a ()->i32 function. A missing table, an out-of-range
// index or a null entry yield *FunctionNotFoundError; an entry of another
// type traps.
func (i *Instance) CallTableEntry(ctx context.Context, index uint32) (uint32, error) {
	notFound := &FunctionNotFoundError{ModuleName: i.Name, FunctionName: IndirectTableExport}

	compiled, err := i.runtime.tableTrampoline(ctx)
	if err != nil {
		return 0, err
	}

	resolveCtx := experimental.WithImportResolver(ctx, func(name string) api.Module {
		if name == tableModule {
			return i.module
		}
		return nil
	})
	tramp, err := i.runtime.runtime.InstantiateModule(resolveCtx, compiled,
		wazero.NewModuleConfig().WithName(i.ID+".table").WithStartFunctions())
	if err != nil {
		// The guest does not export a funcref table under the expected name.
		return 0, notFound
	}
	defer tramp.Close(ctx)

	size, err := tramp.ExportedFunction("size").Call(ctx)
	if err != nil {
		return 0, i.trap(IndirectTableExport, err)
	}
	if index >= api.DecodeU32(size[0]) {
		return 0, notFound
	}
	null, err := tramp.ExportedFunction("is_null").Call(ctx, api.EncodeU32(index))
	if err != nil {
		return 0, i.trap(IndirectTableExport, err)
	}
	if api.DecodeU32(null[0]) != 0 {
		return 0, notFound
	}

	res, err := tramp.ExportedFunction("call").Call(ctx, api.EncodeU32(index))
	if err != nil {
		return 0, i.trap(IndirectTableExport, err)
	}
	return api.DecodeU32(res[0]), nil
}
