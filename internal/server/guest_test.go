package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/session"
	"github.com/woxQAQ/frame-runtime/internal/wasm"
	"github.com/woxQAQ/frame-runtime/internal/wasmgen"
)

var handlerSig = wasmgen.FuncType{Results: []wasmgen.ValueType{wasmgen.I32}}

// guestBuilder assembles a guest that imports host functions by their
// manifest signatures. Argument strings live from 1024, constant results
// from 4096 and the bump heap from 8192.
type guestBuilder struct {
	t     *testing.T
	m     *wasmgen.Module
	funcs map[string]uint32
	raw   uint32
	pre   uint32
}

func newGuestBuilder(t *testing.T, imports ...string) *guestBuilder {
	t.Helper()
	manifest, err := bridge.DefaultManifest()
	require.NoError(t, err)

	b := &guestBuilder{t: t, m: wasmgen.New(), funcs: map[string]uint32{}, raw: 1024, pre: 4096}
	for _, name := range imports {
		e, ok := manifest.Lookup("env", name)
		require.True(t, ok, "manifest has no %s", name)
		params, results := bridge.Signature(e.Params, e.Returns)
		b.funcs[name] = b.m.ImportFunc("env", name, wasmgen.FuncType{
			Params:  genTypes(params),
			Results: genTypes(results),
		})
	}
	b.m.Memory(1)
	b.m.ExportMemory("memory")
	b.m.AddBumpAllocator(8192)
	return b
}

func genTypes(vs []api.ValueType) []wasmgen.ValueType {
	out := make([]wasmgen.ValueType, len(vs))
	for i, v := range vs {
		out[i] = wasmgen.ValueType(v)
	}
	return out
}

// str pushes s as a (pointer, length) pair.
func (b *guestBuilder) str(c *wasmgen.Code, s string) *wasmgen.Code {
	off := b.raw
	b.m.Data(off, []byte(s))
	b.raw += (uint32(len(s)) + 8) &^ 7
	return c.I32Const(int32(off)).I32Const(int32(len(s)))
}

func (b *guestBuilder) call(c *wasmgen.Code, name string) *wasmgen.Code {
	idx, ok := b.funcs[name]
	require.True(b.t, ok, "%s was not imported", name)
	return c.Call(idx)
}

// constOff places s as a prefixed string and returns its offset.
func (b *guestBuilder) constOff(s string) int32 {
	off := b.pre
	b.m.PrefixedString(off, s)
	b.pre += (uint32(len(s)) + 4 + 7) &^ 7
	return int32(off)
}

// constant returns code pushing a pointer to the prefixed string s.
func (b *guestBuilder) constant(s string) *wasmgen.Code {
	return wasmgen.NewCode().I32Const(b.constOff(s))
}

func (b *guestBuilder) handler(index int, locals []wasmgen.ValueType, body *wasmgen.Code) {
	idx := b.m.Func(handlerSig, locals, body)
	b.m.ExportFunc(fmt.Sprintf("__route_handler_%d", index), idx)
}

func (b *guestBuilder) route(main *wasmgen.Code, method, path string, handler int32) {
	b.str(main, method)
	b.str(main, path)
	main.I32Const(handler)
	b.call(main, "_http_route").Drop()
}

func (b *guestBuilder) protected(main *wasmgen.Code, method, path string, handler int32, role string) {
	b.str(main, method)
	b.str(main, path)
	main.I32Const(handler)
	b.str(main, role)
	b.call(main, "_http_route_protected").Drop()
}

func (b *guestBuilder) main(body *wasmgen.Code) {
	b.m.ExportFunc("main", b.m.Func(wasmgen.FuncType{}, nil, body))
}

func (b *guestBuilder) encode() []byte {
	return b.m.MustEncode()
}

// demoGuest registers the routes exercised by the server tests.
func demoGuest(t *testing.T, staticDir string) []byte {
	b := newGuestBuilder(t,
		"_http_listen", "_http_route", "_http_route_protected", "_http_serve_static",
		"_req_param", "_req_body", "_auth_create_session", "_auth_user_id", "_auth_get_session",
		"_res_redirect", "_res_status", "_res_set_header", "_http_set_cache",
		"_csrf_generate", "_csrf_validate", "int_to_string", "bool_to_string",
	)

	main := wasmgen.NewCode()
	main.I32Const(8089)
	b.call(main, "_http_listen").Drop()
	b.route(main, "GET", "/items/:id", 0)
	b.route(main, "POST", "/echo", 1)
	b.route(main, "POST", "/login", 2)
	b.protected(main, "GET", "/me", 3, "")
	b.protected(main, "DELETE", "/admin", 4, "admin")
	b.route(main, "GET", "/table", 5)
	b.route(main, "GET", "/old", 7)
	b.route(main, "GET", "/status", 8)
	b.route(main, "GET", "/dispatch", 9)
	b.protected(main, "GET", "/csrf", 10, "")
	b.protected(main, "POST", "/csrf", 11, "")
	b.route(main, "GET", "/session", 12)
	b.route(main, "GET", "/boom", 13)
	if staticDir != "" {
		b.str(main, "/static")
		b.str(main, staticDir)
		b.call(main, "_http_serve_static").Drop()
	}
	b.main(main)

	h0 := wasmgen.NewCode()
	b.str(h0, "id")
	b.handler(0, nil, b.call(h0, "_req_param"))

	b.handler(1, nil, b.call(wasmgen.NewCode(), "_req_body"))

	h2 := wasmgen.NewCode().I64Const(42)
	b.str(h2, "editor")
	b.str(h2, "{}")
	b.call(h2, "_auth_create_session").Drop()
	b.handler(2, nil, h2.I32Const(b.constOff(`{"ok":true}`)))

	h3 := wasmgen.NewCode()
	b.call(h3, "_auth_user_id")
	b.handler(3, nil, b.call(h3, "int_to_string"))

	b.handler(4, nil, b.constant("deleted"))

	h7 := wasmgen.NewCode()
	b.str(h7, "/new")
	h7.I32Const(301)
	b.call(h7, "_res_redirect").Drop()
	b.handler(7, nil, h7.I32Const(0))

	h8 := wasmgen.NewCode().I32Const(201)
	b.call(h8, "_res_status").Drop()
	b.str(h8, "X-Frame")
	b.str(h8, "1")
	b.call(h8, "_res_set_header").Drop()
	h8.I32Const(60)
	b.call(h8, "_http_set_cache").Drop()
	b.handler(8, nil, h8.I32Const(b.constOff("[1,2]")))

	b.handler(10, nil, b.call(wasmgen.NewCode(), "_csrf_generate"))

	// The body pointer is kept in local 0 and passed on as (ptr+4, len).
	h11 := b.call(wasmgen.NewCode(), "_req_body").LocalSet(0).
		LocalGet(0).I32Const(4).I32Add().
		LocalGet(0).I32Load(0)
	b.call(h11, "_csrf_validate")
	b.handler(11, []wasmgen.ValueType{wasmgen.I32}, b.call(h11, "bool_to_string"))

	b.handler(12, nil, b.call(wasmgen.NewCode(), "_auth_get_session"))

	b.handler(13, nil, wasmgen.NewCode().Unreachable())

	// Handler 5 is only reachable through the function table.
	table := b.m.Func(handlerSig, nil, b.constant("<html>table</html>"))
	b.m.Table(8)
	b.m.Elements(5, table)
	b.m.ExportTable(wasm.IndirectTableExport)

	dispatch := b.m.Func(wasmgen.FuncType{
		Params:  []wasmgen.ValueType{wasmgen.I32},
		Results: []wasmgen.ValueType{wasmgen.I32},
	}, nil, b.constant("dispatched"))
	b.m.ExportFunc(DispatchExport, dispatch)

	return b.encode()
}

type testApp struct {
	t        *testing.T
	rt       *wasm.Runtime
	reg      *bridge.Registry
	manifest *bridge.Manifest
	exec     *Executor
	sessions *session.Store
	url      string
	client   *http.Client
}

func newTestApp(t *testing.T, bin []byte, opts Options) *testApp {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	rt, err := wasm.NewRuntime(ctx, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })

	manifest, err := bridge.DefaultManifest()
	require.NoError(t, err)
	reg, err := bridge.Build(logger, manifest,
		bridge.RegisterCore[*RequestState](bridge.CoreOptions{
			Console: bridge.NewConsole(io.Discard, io.Discard, strings.NewReader("")),
		}),
		bridge.RegisterPlatform[*RequestState](bridge.PlatformOptions{Version: "test"}),
		RegisterHost(),
	)
	require.NoError(t, err)

	compiled, err := wasm.NewModuleLoader(rt, logger).LoadModuleFromMemory(ctx, "app", bin)
	require.NoError(t, err)

	sessions := session.NewStore(session.DefaultConfig(), logger)
	exec := NewExecutor(ExecutorConfig{
		Runtime:  rt,
		Module:   compiled,
		Registry: reg,
		Sessions: sessions,
		Roles:    session.Roles{"editor": {"notes:write"}},
	}, logger)
	require.NoError(t, exec.Initialize(ctx))

	ts := httptest.NewServer(New(exec, opts, logger).Handler())
	t.Cleanup(ts.Close)

	return &testApp{
		t:        t,
		rt:       rt,
		reg:      reg,
		manifest: manifest,
		exec:     exec,
		sessions: sessions,
		url:      ts.URL,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

// do sends a request and returns the response with its body read.
func (a *testApp) do(method, path, body string, opts ...func(*http.Request)) (*http.Response, string) {
	a.t.Helper()
	req, err := http.NewRequest(method, a.url+path, strings.NewReader(body))
	require.NoError(a.t, err)
	for _, o := range opts {
		o(req)
	}
	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp, string(data)
}

// login creates a session through the guest and returns its cookie.
func (a *testApp) login() *http.Cookie {
	a.t.Helper()
	resp, body := a.do("POST", "/login", "")
	require.Equal(a.t, http.StatusOK, resp.StatusCode, body)
	for _, c := range resp.Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	a.t.Fatalf("login set no session cookie: %v", resp.Header.Values("Set-Cookie"))
	return nil
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withHeader(name, value string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(name, value) }
}
