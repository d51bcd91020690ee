package bridge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/frame-runtime/internal/wasm"
	"github.com/woxQAQ/frame-runtime/internal/wasmgen"
)

type harness struct {
	t       *testing.T
	rt      *wasm.Runtime
	reg     *Registry
	out     *bytes.Buffer
	errOut  *bytes.Buffer
	files   *Files
	modules int
}

// newHarness builds a runtime with the core and platform layers bound over
// BaseState. stdin feeds the console.
func newHarness(t *testing.T, stdin string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	rt, err := wasm.NewRuntime(ctx, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })

	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	h := &harness{t: t, rt: rt, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}, files: files}
	manifest, err := DefaultManifest()
	require.NoError(t, err)

	h.reg, err = Build(logger, manifest,
		RegisterCore[*BaseState](CoreOptions{Console: NewConsole(h.out, h.errOut, strings.NewReader(stdin))}),
		RegisterPlatform[*BaseState](PlatformOptions{Files: files, Version: "test"}),
	)
	require.NoError(t, err)
	require.NoError(t, h.reg.Instantiate(ctx, rt))
	return h
}

// guest describes a test module calling one host import from "run".
type guest struct {
	module string
	name   string
	params []wasmgen.ValueType
	result []wasmgen.ValueType
	// data is placed in memory before run is called.
	prefixed map[uint32]string
	raw      map[uint32]string
	args     func(c *wasmgen.Code)
	noAlloc  bool
}

func (h *harness) instantiate(g guest) *wasm.Instance {
	h.t.Helper()
	m := wasmgen.New()
	fn := m.ImportFunc(g.module, g.name, wasmgen.FuncType{Params: g.params, Results: g.result})
	m.Memory(1)
	m.ExportMemory("memory")
	for off, s := range g.prefixed {
		m.PrefixedString(off, s)
	}
	for off, s := range g.raw {
		m.Data(off, []byte(s))
	}
	if !g.noAlloc {
		m.AddBumpAllocator(8192)
	}
	body := wasmgen.NewCode()
	if g.args != nil {
		g.args(body)
	}
	body.Call(fn)
	run := m.Func(wasmgen.FuncType{Results: g.result}, nil, body)
	m.ExportFunc("run", run)

	h.modules++
	name := fmt.Sprintf("%s-%d", g.name, h.modules)
	logger := zaptest.NewLogger(h.t)
	ctx := context.Background()
	_, err := wasm.NewModuleLoader(h.rt, logger).LoadModuleFromMemory(ctx, name, m.MustEncode())
	require.NoError(h.t, err)
	inst, err := wasm.NewInstanceManager(h.rt, logger).Instantiate(ctx, &wasm.InstanceConfig{ModuleName: name})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

// run calls the guest's run export with state attached.
func (h *harness) run(inst *wasm.Instance, state State) ([]uint64, error) {
	ctx := context.Background()
	if state != nil {
		ctx = WithState(ctx, state)
	}
	return inst.Call(ctx, "run")
}

// runString calls run and decodes its result as a length-prefixed string.
func (h *harness) runString(inst *wasm.Instance, state State) string {
	h.t.Helper()
	res, err := h.run(inst, state)
	require.NoError(h.t, err)
	require.Len(h.t, res, 1)
	s, ok := inst.Memory().ReadPrefixed(uint32(res[0]))
	require.True(h.t, ok, "result pointer %d is not a valid string", res[0])
	return s
}

var (
	i32 = wasmgen.I32
	i64 = wasmgen.I64
	f64 = wasmgen.F64
)

func types(vs ...wasmgen.ValueType) []wasmgen.ValueType { return vs }

// strArg pushes a raw (pointer, length) pair for s stored at off.
func strArg(off uint32, s string) func(c *wasmgen.Code) {
	return func(c *wasmgen.Code) {
		c.I32Const(int32(off)).I32Const(int32(len(s)))
	}
}
