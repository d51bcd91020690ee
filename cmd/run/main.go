// Command run executes a guest module once as a command line program. Only
// the core and platform host functions are available.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/app"
	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/config"
	"github.com/woxQAQ/frame-runtime/internal/server"
	"github.com/woxQAQ/frame-runtime/internal/storage"
	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: run [flags] <app dir or .wasm file>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if *logLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, err := zap.ParseAtomicLevel(*logLevel); err == nil {
			zc.Level = lvl
		}
		logger, _ = zc.Build()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, runOptions{
		Path:     flag.Arg(0),
		Config:   cfg,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Stdin:    os.Stdin,
		Platform: version,
	}, logger)
	if err != nil {
		logger.Error("Run failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		if code == 0 {
			code = 1
		}
	}
	logger.Sync()
	os.Exit(code)
}

type runOptions struct {
	Path     string
	Config   *config.ServerConfig
	Stdout   io.Writer
	Stderr   io.Writer
	Stdin    io.Reader
	Platform string
}

// run loads the guest at opts.Path, calls its entry point and returns the
// exit code the guest requested. A guest that returns normally exits 0.
func run(ctx context.Context, opts runOptions, logger *zap.Logger) (int, error) {
	cfg := opts.Config
	rt, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
		MaxInstances: 1,
	})
	if err != nil {
		return 1, err
	}
	defer rt.Close(context.Background())

	manifest, err := bridge.DefaultManifest()
	if err != nil {
		return 1, err
	}
	files, err := bridge.OpenFiles(cfg.Files.Root)
	if err != nil {
		return 1, err
	}
	defer files.Close()

	reg, err := bridge.Build(logger, manifest,
		bridge.RegisterCore[*bridge.BaseState](bridge.CoreOptions{
			Console: bridge.NewConsole(opts.Stdout, opts.Stderr, opts.Stdin),
		}),
		bridge.RegisterPlatform[*bridge.BaseState](bridge.PlatformOptions{
			Files: files,
			HTTP: bridge.NewHTTPClient(bridge.HTTPClientConfig{
				Timeout:      cfg.HTTPClient.Timeout(),
				MaxTimeout:   cfg.HTTPClient.MaxTimeout(),
				MaxRedirects: cfg.HTTPClient.MaxRedirects,
				UserAgent:    cfg.HTTPClient.UserAgent,
			}, nil),
			GuestLogger: logger.Named("guest"),
			Version:     opts.Platform,
		}),
	)
	if err != nil {
		return 1, err
	}
	if err := reg.Instantiate(ctx, rt); err != nil {
		return 1, err
	}

	loaded, err := app.NewLoader(rt, logger).Load(ctx, opts.Path)
	if err != nil {
		return 1, err
	}

	var store *storage.Store
	if cfg.Database.URL != "" {
		store, err = storage.Open(ctx, storage.Config{
			URL:            cfg.Database.URL,
			MaxConnections: cfg.Database.MaxConnections,
			MinConnections: cfg.Database.MinConnections,
			ConnectTimeout: cfg.Database.ConnectTimeout(),
			QueryTimeout:   cfg.Database.QueryTimeout(),
		}, logger)
		if err != nil {
			logger.Warn("Database unavailable", zap.String("url", storage.MaskURL(cfg.Database.URL)), zap.Error(err))
		} else {
			defer store.Close()
		}
	}

	inst, err := wasm.NewInstanceManager(rt, logger).Instantiate(ctx, &wasm.InstanceConfig{ModuleName: loaded.Compiled.Name})
	if err != nil {
		return 1, err
	}
	state := bridge.NewBaseState(store)
	callCtx := bridge.WithState(ctx, state)
	defer func() {
		state.Release()
		inst.Close(callCtx)
	}()

	for _, name := range loaded.EntryPoints(server.EntryPoints) {
		fn := inst.Function(name)
		if fn == nil || len(fn.Definition().ParamTypes()) != 0 {
			continue
		}
		_, err := inst.Call(callCtx, name)
		var trap *wasm.TrapError
		if errors.As(err, &trap) && trap.Exited {
			return int(trap.ExitCode), nil
		}
		if err != nil {
			return 1, err
		}
		return 0, nil
	}
	return 1, fmt.Errorf("%s exports none of %v", loaded.Name(), loaded.EntryPoints(server.EntryPoints))
}
