package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

// Loader handles loading apps from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new app loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "app-loader")),
	}
}

// Load loads an app from a directory containing app.yaml, or from a bare
// .wasm file, which gets a manifest named after the file.
func (l *Loader) Load(ctx context.Context, path string) (*App, error) {
	l.logger.Debug("Loading app", zap.String("path", path))

	manifest, err := l.manifest(path)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading app",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("wasm", manifest.WasmPath()),
	)

	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &LoadError{
			AppName: manifest.Name,
			Err:     err,
		}
	}

	app := &App{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("App loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
		zap.Int("imports", len(compiled.FunctionImports())),
	)

	return app, nil
}

func (l *Loader) manifest(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ManifestNotFoundError{Path: path, Err: err}
	}
	if info.IsDir() {
		return ParseManifest(path)
	}
	if !strings.EqualFold(filepath.Ext(path), ".wasm") {
		return nil, &ManifestValidationError{
			Path:    path,
			Message: "expected a directory with " + ManifestFile + " or a .wasm file",
		}
	}
	base := filepath.Base(path)
	return &Manifest{
		Name:    strings.TrimSuffix(base, filepath.Ext(base)),
		Version: "0.0.0",
		Wasm:    WasmConfig{File: base},
		dir:     filepath.Dir(path),
	}, nil
}
