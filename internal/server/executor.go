package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/fault"
	"github.com/woxQAQ/frame-runtime/internal/router"
	"github.com/woxQAQ/frame-runtime/internal/session"
	"github.com/woxQAQ/frame-runtime/internal/storage"
	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

// EntryPoints are the exports tried, in order, to initialize a guest.
var EntryPoints = []string{"main", "_start", "start", "init"}

// DispatchExport is the single-export dispatcher taking a handler index.
const DispatchExport = "__dispatch_route"

// ExecutorConfig holds the collaborators of an Executor.
type ExecutorConfig struct {
	Runtime  *wasm.Runtime
	Module   *wasm.CompiledModule
	Registry *bridge.Registry
	Router   *router.Router
	Sessions *session.Store
	Roles    session.Roles
	// Storage may be nil.
	Storage *storage.Store
	// EntryPoints overrides the exports tried by Initialize.
	EntryPoints []string
}

// Executor runs handlers of one compiled guest. Every call gets a fresh
// instance and a fresh RequestState; the router, the session store and
// the storage handle are shared.
type Executor struct {
	runtime   *wasm.Runtime
	instances *wasm.InstanceManager
	module    *wasm.CompiledModule
	registry  *bridge.Registry
	router    *router.Router
	sessions  *session.Store
	roles     session.Roles
	storage   *storage.Store
	entries   []string
	logger    *zap.Logger

	port int
}

// NewExecutor creates an executor. A nil router or session store is
// replaced by an empty one.
func NewExecutor(cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.Router == nil {
		cfg.Router = router.New(logger)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewStore(session.DefaultConfig(), logger)
	}
	if cfg.Roles == nil {
		cfg.Roles = session.Roles{}
	}
	if len(cfg.EntryPoints) == 0 {
		cfg.EntryPoints = EntryPoints
	}
	return &Executor{
		runtime:   cfg.Runtime,
		instances: wasm.NewInstanceManager(cfg.Runtime, logger),
		module:    cfg.Module,
		registry:  cfg.Registry,
		router:    cfg.Router,
		sessions:  cfg.Sessions,
		roles:     cfg.Roles,
		storage:   cfg.Storage,
		entries:   cfg.EntryPoints,
		logger:    logger.With(zap.String("component", "executor")),
	}
}

// Router returns the routes registered by the guest.
func (e *Executor) Router() *router.Router { return e.router }

// Sessions returns the shared session store.
func (e *Executor) Sessions() *session.Store { return e.sessions }

// Port returns the port requested by the guest during initialization, or 0.
func (e *Executor) Port() int { return e.port }

func (e *Executor) newState(req *RequestContext, auth *AuthContext) *RequestState {
	return &RequestState{
		BaseState: bridge.NewBaseState(e.storage),
		Router:    e.router,
		Sessions:  e.sessions,
		Roles:     e.roles,
		Request:   req,
		Auth:      auth,
		Response:  &Response{},
	}
}

func (e *Executor) instantiate(ctx context.Context) (*wasm.Instance, error) {
	if err := e.registry.Instantiate(ctx, e.runtime); err != nil {
		return nil, err
	}
	inst, err := e.instances.Instantiate(ctx, &wasm.InstanceConfig{ModuleName: e.module.Name})
	if err != nil {
		return nil, fault.Wrap(fault.Module, "instantiate", err)
	}
	return inst, nil
}

// Initialize runs the guest's entry point once so that it registers its
// routes. A guest without an entry point is not an error.
func (e *Executor) Initialize(ctx context.Context) error {
	inst, err := e.instantiate(ctx)
	if err != nil {
		return err
	}
	state := e.newState(nil, nil)
	callCtx := bridge.WithState(ctx, state)
	defer func() {
		state.Release()
		inst.Close(callCtx)
	}()

	for _, name := range e.entries {
		fn := inst.Function(name)
		if fn == nil || len(fn.Definition().ParamTypes()) != 0 {
			continue
		}
		start := time.Now()
		if _, err := inst.Call(callCtx, name); err != nil {
			var trap *wasm.TrapError
			if !errors.As(err, &trap) || !trap.Exited || trap.ExitCode != 0 {
				return fault.Wrap(fault.Module, "initialize", err)
			}
		}
		e.port = state.port
		e.logger.Info("Guest initialized",
			zap.String("entry", name),
			zap.Int("routes", e.router.Len()),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}

	e.logger.Warn("Guest exports no entry point", zap.Strings("tried", e.entries))
	return nil
}

// Execute runs the handler of route for req. The instance slot is acquired
// with ctx; the handler itself runs to completion even if ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, route router.Route, req *RequestContext, auth *AuthContext) (*Response, error) {
	inst, err := e.instantiate(ctx)
	if err != nil {
		return nil, err
	}
	state := e.newState(req, auth)
	callCtx := bridge.WithState(context.WithoutCancel(ctx), state)
	defer func() {
		state.Release()
		inst.Close(callCtx)
	}()

	start := time.Now()
	ptr, err := e.dispatch(callCtx, inst, route.Handler)
	if err != nil {
		return nil, err
	}
	body, ok := inst.Memory().ReadPrefixed(ptr)
	if !ok && ptr != 0 {
		e.logger.Debug("Handler result is not a string",
			zap.Uint32("handler", route.Handler),
			zap.Uint32("ptr", ptr),
		)
	}

	resp := state.Response
	resp.finish(body, ok)
	if e.runtime.Debug() {
		e.logger.Debug("Handler executed",
			zap.String("route", route.String()),
			zap.Int("status", resp.Status),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return resp, nil
}

// dispatch calls handler index through the first strategy the guest
// supports: a per-handler export, its function table or a dispatcher
// export.
func (e *Executor) dispatch(ctx context.Context, inst *wasm.Instance, index uint32) (uint32, error) {
	i32 := []api.ValueType{api.ValueTypeI32}

	name := fmt.Sprintf("__route_handler_%d", index)
	if inst.HasFunction(name, nil, i32) {
		res, err := inst.Call(ctx, name)
		if err != nil {
			return 0, fault.Wrap(fault.Module, "handler", err)
		}
		return api.DecodeU32(res[0]), nil
	}

	ptr, err := inst.CallTableEntry(ctx, index)
	if err == nil {
		return ptr, nil
	}
	var missing *wasm.FunctionNotFoundError
	if !errors.As(err, &missing) {
		return 0, fault.Wrap(fault.Module, "handler", err)
	}

	if inst.HasFunction(DispatchExport, i32, i32) {
		res, err := inst.Call(ctx, DispatchExport, api.EncodeU32(index))
		if err != nil {
			return 0, fault.Wrap(fault.Module, "handler", err)
		}
		return api.DecodeU32(res[0]), nil
	}
	return 0, fault.Modulef("dispatch", "could not find or call handler index %d", index)
}

// finish merges the handler's return value into the pending response. The
// returned string is the body unless it is empty or unreadable and the
// handler set a body explicitly.
func (r *Response) finish(returned string, ok bool) {
	if ok && (returned != "" || !r.bodySet) {
		r.Body = returned
	}
	if r.Redirect != "" {
		r.Status = r.RedirectStatus
		r.Body = ""
		return
	}
	if r.Status == 0 {
		r.Status = 200
	}
	if r.ContentType == "" {
		r.ContentType = InferContentType(r.Body)
	}
}

// InferContentType guesses the media type of a handler body.
func InferContentType(body string) string {
	trimmed := strings.TrimSpace(body)
	switch {
	case strings.HasPrefix(trimmed, "{"), strings.HasPrefix(trimmed, "["):
		return "application/json"
	case strings.HasPrefix(trimmed, "<!"), strings.HasPrefix(strings.ToLower(trimmed), "<html"):
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}
