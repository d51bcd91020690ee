// Package bridge binds host capabilities into guest modules.
//
// Host functions are registered in three ordered layers: portable core
// functions (console, math, strings, memory), portable platform I/O
// (storage, files, outbound HTTP, crypto, environment, time, logging,
// system) and host-specific extensions supplied by the embedding program.
// The embedded manifest.yaml declares the binding ABI; CheckCompliance
// verifies a registry against it.
package bridge

import (
	"context"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

// Func is one host function implementation.
type Func struct {
	Module string
	Name   string
	Params []Shape
	Result Shape
	Fn     HostFunc
}

// Types returns the Wasm signature of the implementation.
func (f Func) Types() (params, results []api.ValueType) {
	return Signature(f.Params, f.Result)
}

type funcKey struct {
	module string
	name   string
}

type binding struct {
	Func
	layer Layer
}

// Registry collects host functions and binds them into runtimes.
type Registry struct {
	mu           sync.Mutex
	funcs        map[funcKey]binding
	instantiated map[*wasm.Runtime]bool
	logger       *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		funcs:        make(map[funcKey]binding),
		instantiated: make(map[*wasm.Runtime]bool),
		logger:       logger.With(zap.String("component", "host-registry")),
	}
}

// Define registers f in layer. A later layer may replace a function from an
// earlier one; defining the same name twice within a layer is an error.
func (r *Registry) Define(layer Layer, f Func) error {
	if f.Module == "" {
		f.Module = "env"
	}
	if f.Result == "" {
		f.Result = Void
	}
	key := funcKey{f.Module, f.Name}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.funcs[key]; ok {
		switch {
		case prev.layer == layer:
			return &DuplicateFunctionError{Module: f.Module, Name: f.Name, Layer: layer}
		case prev.layer > layer:
			r.logger.Debug("Keeping higher layer definition",
				zap.String("function", f.Module+"."+f.Name),
				zap.Stringer("layer", prev.layer),
			)
			return nil
		default:
			r.logger.Info("Host function overridden",
				zap.String("function", f.Module+"."+f.Name),
				zap.Stringer("from", prev.layer),
				zap.Stringer("to", layer),
			)
		}
	}
	r.funcs[key] = binding{Func: f, layer: layer}
	return nil
}

// DefineAliases binds every alias declared in m to the implementation of
// its canonical name. Entries whose canonical function is not registered
// are skipped.
func (r *Registry) DefineAliases(m *Manifest) error {
	for _, e := range m.Entries {
		impl, layer, ok := r.lookup(e.Module, e.Name)
		if !ok {
			continue
		}
		for _, alias := range e.Aliases {
			if _, aliasLayer, ok := r.lookup(e.Module, alias); ok && aliasLayer >= layer {
				continue
			}
			f := impl
			f.Name = alias
			if err := r.Define(layer, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) lookup(module, name string) (Func, Layer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.funcs[funcKey{module, name}]
	return b.Func, b.layer, ok
}

// Lookup returns the implementation bound to module.name.
func (r *Registry) Lookup(module, name string) (Func, bool) {
	f, _, ok := r.lookup(module, name)
	return f, ok
}

// Len returns the number of bound names, aliases included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.funcs)
}

// Names returns module.name for every binding, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		names = append(names, k.module+"."+k.name)
	}
	sort.Strings(names)
	return names
}

// Instantiate builds one host module per namespace in rt. Guests compiled
// afterwards resolve their imports against these modules. Calling it again
// for the same runtime is a no-op.
func (r *Registry) Instantiate(ctx context.Context, rt *wasm.Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instantiated[rt] {
		return nil
	}

	byModule := map[string][]binding{}
	for _, b := range r.funcs {
		byModule[b.Module] = append(byModule[b.Module], b)
	}
	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	engine := rt.Engine()
	for _, module := range modules {
		builder := engine.NewHostModuleBuilder(module)
		for _, b := range byModule[module] {
			params, results := b.Types()
			builder.NewFunctionBuilder().
				WithGoModuleFunction(r.adapt(b.Func), params, results).
				WithName(b.Name).
				Export(b.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return &wasm.HostFunctionError{FunctionName: module, Err: err}
		}
		r.logger.Debug("Host module instantiated",
			zap.String("module", module),
			zap.Int("functions", len(byModule[module])),
		)
	}
	r.instantiated[rt] = true
	return nil
}

func (r *Registry) adapt(f Func) api.GoModuleFunc {
	logger := r.logger
	name := f.Module + "." + f.Name
	fn := f.Fn
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		fn(&Call{
			Ctx:    ctx,
			Module: mod,
			Mem:    wasm.NewMemory(mod),
			Logger: logger,
			name:   name,
			stack:  stack,
		})
	}
}

// Bundle is the set of registrations an embedding program performs.
type Bundle func(r *Registry) error

// Build creates a registry from bundles and binds manifest aliases.
func Build(logger *zap.Logger, m *Manifest, bundles ...Bundle) (*Registry, error) {
	reg := NewRegistry(logger)
	for _, b := range bundles {
		if err := b(reg); err != nil {
			return nil, err
		}
	}
	if err := reg.DefineAliases(m); err != nil {
		return nil, err
	}
	return reg, nil
}

// defineAll registers fs in layer, stopping at the first error.
func (r *Registry) defineAll(layer Layer, fs []Func) error {
	for _, f := range fs {
		if err := r.Define(layer, f); err != nil {
			return err
		}
	}
	return nil
}
