package bridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/wasm"
	"github.com/woxQAQ/frame-runtime/internal/wasmgen"
)

// CheckCompliance verifies reg against entries in two passes. First every
// canonical name and alias is looked up and its implemented signature
// compared with the declared shapes. Then a guest importing every name
// with the declared shapes is generated and instantiated against the
// registry's host modules in rt, so the runtime's own import resolution
// has the final word.
func CheckCompliance(ctx context.Context, rt *wasm.Runtime, reg *Registry, entries []Entry) error {
	var problems []string
	guest := wasmgen.New()

	for _, e := range entries {
		params, results := Signature(e.Params, e.Returns)
		for _, name := range e.Names() {
			guest.ImportFunc(e.Module, name, wasmgen.FuncType{
				Params:  genTypes(params),
				Results: genTypes(results),
			})

			f, ok := reg.Lookup(e.Module, name)
			if !ok {
				problems = append(problems, fmt.Sprintf("%s.%s: not implemented", e.Module, name))
				continue
			}
			gotParams, gotResults := f.Types()
			if !sameValueTypes(params, gotParams) || !sameValueTypes(results, gotResults) {
				problems = append(problems, fmt.Sprintf("%s.%s: declared %s, implemented %s",
					e.Module, name, wasm.Signature(params, results), wasm.Signature(gotParams, gotResults)))
			}
		}
	}

	bin, err := guest.Encode()
	if err != nil {
		return &ComplianceError{Problems: problems, Err: err}
	}
	if err := reg.Instantiate(ctx, rt); err != nil {
		return &ComplianceError{Problems: problems, Err: err}
	}

	engine := rt.Engine()
	compiled, err := engine.CompileModule(ctx, bin)
	if err != nil {
		return &ComplianceError{Problems: problems, Err: err}
	}
	defer compiled.Close(ctx)

	mod, instErr := engine.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("compliance-"+uuid.NewString()).WithStartFunctions())
	if instErr == nil {
		mod.Close(ctx)
	}

	if len(problems) > 0 || instErr != nil {
		return &ComplianceError{Problems: problems, Err: instErr}
	}

	rt.Logger().Info("Host bindings match the manifest",
		zap.Int("entries", len(entries)),
		zap.Int("imports", len(compiled.ImportedFunctions())),
	)
	return nil
}

func genTypes(vs []api.ValueType) []wasmgen.ValueType {
	out := make([]wasmgen.ValueType, len(vs))
	for i, v := range vs {
		out[i] = wasmgen.ValueType(v)
	}
	return out
}

func sameValueTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
