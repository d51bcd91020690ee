package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/frame-runtime/internal/fault"
	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

func constI32(v int32) HostFunc {
	return func(c *Call) { c.ReturnI32(v) }
}

func TestRegistryDefineDuplicate(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, reg.Define(LayerCore, Func{Name: "f", Fn: func(*Call) {}}))
	err := reg.Define(LayerCore, Func{Name: "f", Fn: func(*Call) {}})

	var dup *DuplicateFunctionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "env", dup.Module)
	assert.Equal(t, LayerCore, dup.Layer)
	assert.Equal(t, fault.Module, fault.KindOf(err))
}

func TestRegistryLayerPrecedence(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, reg.Define(LayerCore, Func{Name: "answer", Result: I32, Fn: constI32(1)}))
	require.NoError(t, reg.Define(LayerHost, Func{Name: "answer", Result: I32, Fn: constI32(3)}))
	// A lower layer registered afterwards does not displace the host one.
	require.NoError(t, reg.Define(LayerPlatform, Func{Name: "answer", Result: I32, Fn: constI32(2)}))

	assert.Equal(t, 1, reg.Len())
	_, layer, ok := reg.lookup("env", "answer")
	require.True(t, ok)
	assert.Equal(t, LayerHost, layer)
}

func TestRegistryAliases(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	m, err := ParseManifest([]byte(`
functions:
  - {name: answer, returns: i32, aliases: [reply, respond], layer: core}
  - {name: absent, aliases: [never], layer: core}
`))
	require.NoError(t, err)

	require.NoError(t, reg.Define(LayerCore, Func{Name: "answer", Result: I32, Fn: constI32(1)}))
	require.NoError(t, reg.Define(LayerHost, Func{Name: "respond", Result: I32, Fn: constI32(3)}))
	require.NoError(t, reg.DefineAliases(m))

	assert.Equal(t, []string{"env.answer", "env.reply", "env.respond"}, reg.Names())

	reply, ok := reg.Lookup("env", "reply")
	require.True(t, ok)
	assert.Equal(t, "reply", reply.Name)
	_, layer, _ := reg.lookup("env", "respond")
	assert.Equal(t, LayerHost, layer, "a host override of an alias is kept")
}

func TestRegistryInstantiateCallsThrough(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.reg.Define(LayerHost, Func{Module: "extra", Name: "seven", Result: I32, Fn: constI32(7)}))

	// The harness runtime already holds the registry's modules.
	require.NoError(t, h.reg.Instantiate(context.Background(), h.rt))

	rt, err := wasm.NewRuntime(context.Background(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer rt.Close(context.Background())
	require.NoError(t, h.reg.Instantiate(context.Background(), rt))
	_, ok := rt.Engine().Module("extra").ExportedFunctionDefinitions()["seven"]
	assert.True(t, ok)
	assert.Nil(t, h.rt.Engine().Module("extra"))
}
