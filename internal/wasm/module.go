package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ModuleLoader handles loading and compiling Wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes() ([]byte, error)

	// Name returns a name/identifier for this module.
	Name() string
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	Path string
}

func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f *FileModuleSource) Name() string {
	return f.Path
}

// MemoryModuleSource loads Wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// FunctionImport describes one function a guest imports.
type FunctionImport struct {
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// String renders the import as module.name(params)->(results).
func (f FunctionImport) String() string {
	return fmt.Sprintf("%s.%s%s", f.Module, f.Name, Signature(f.Params, f.Results))
}

// Signature renders a function type like (i32,i32)->(i32).
func Signature(params, results []api.ValueType) string {
	return "(" + valueTypes(params) + ")->(" + valueTypes(results) + ")"
}

func valueTypes(vs []api.ValueType) string {
	s := ""
	for i, v := range vs {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(v)
	}
	return s
}

// FunctionImports lists the guest's function imports sorted by module and name.
func (c *CompiledModule) FunctionImports() []FunctionImport {
	defs := c.Module.ImportedFunctions()
	out := make([]FunctionImport, 0, len(defs))
	for _, d := range defs {
		mod, name, _ := d.Import()
		out = append(out, FunctionImport{
			Module:  mod,
			Name:    name,
			Params:  d.ParamTypes(),
			Results: d.ResultTypes(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ExportedFunctionNames lists the guest's exported functions, sorted.
func (c *CompiledModule) ExportedFunctionNames() []string {
	defs := c.Module.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasExport reports whether the guest exports a function called name.
func (c *CompiledModule) HasExport(name string) bool {
	_, ok := c.Module.ExportedFunctions()[name]
	return ok
}

// LoadModule loads a Wasm module from a source.
// Compiles it if not already cached. The cache is keyed by source name and
// invalidated when the bytecode digest changes.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", source.Name(), err)
	}
	sum := sha256.Sum256(wasmBytes)
	digest := hex.EncodeToString(sum[:])

	if cached, ok := l.runtime.GetCompiledModule(source.Name()); ok && cached.Digest == digest {
		l.logger.Debug("Module cache hit",
			zap.String("module", source.Name()),
		)
		return cached, nil
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", source.Name()),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: source.Name(),
			Err:        err,
		}
	}

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       source.Name(),
		Source:     source.Name(),
		SizeBytes:  int64(len(wasmBytes)),
		Digest:     digest,
		CompiledAt: time.Now().Unix(),
	}

	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Int("exports", len(compiled.ExportedFunctions())),
	)

	return compiledModule, nil
}

// LoadModuleFromFile is a convenience function for loading from a file path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory loads from a byte slice.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
