package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/app"
	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/config"
	"github.com/woxQAQ/frame-runtime/internal/router"
	"github.com/woxQAQ/frame-runtime/internal/server"
	"github.com/woxQAQ/frame-runtime/internal/session"
	"github.com/woxQAQ/frame-runtime/internal/storage"
	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	port := flag.Int("port", 0, "HTTP port (overrides the guest and the config)")
	host := flag.String("host", "", "HTTP bind address")
	appPath := flag.String("app", "", "App directory or .wasm file")
	check := flag.Bool("check", false, "Verify the host function registry and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *appPath == "" {
		*appPath = flag.Arg(0)
	}
	if *appPath != "" {
		cfg.App.Path = *appPath
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
			zc.Level = lvl
		}
		logger, _ = zc.Build()
	}
	defer logger.Sync()

	logger.Info("Starting frame-runtime",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
		MaxInstances: cfg.Wasm.MaxInstances,
	})
	if err != nil {
		logger.Fatal("Failed to create Wasm runtime", zap.Error(err))
	}
	defer rt.Close(context.Background())

	manifest, err := bridge.DefaultManifest()
	if err != nil {
		logger.Fatal("Failed to load host function manifest", zap.Error(err))
	}
	files, err := bridge.OpenFiles(cfg.Files.Root)
	if err != nil {
		logger.Fatal("Failed to open files root", zap.String("root", cfg.Files.Root), zap.Error(err))
	}
	defer files.Close()

	reg, err := bridge.Build(logger, manifest,
		bridge.RegisterCore[*server.RequestState](bridge.CoreOptions{
			Console: bridge.NewConsole(os.Stdout, os.Stderr, os.Stdin),
		}),
		bridge.RegisterPlatform[*server.RequestState](bridge.PlatformOptions{
			Files: files,
			HTTP: bridge.NewHTTPClient(bridge.HTTPClientConfig{
				Timeout:      cfg.HTTPClient.Timeout(),
				MaxTimeout:   cfg.HTTPClient.MaxTimeout(),
				MaxRedirects: cfg.HTTPClient.MaxRedirects,
				UserAgent:    cfg.HTTPClient.UserAgent,
			}, nil),
			GuestLogger: logger.Named("guest"),
			Version:     version,
		}),
		server.RegisterHost(),
	)
	if err != nil {
		logger.Fatal("Failed to build host function registry", zap.Error(err))
	}
	if err := bridge.CheckCompliance(ctx, rt, reg, manifest.Filter()); err != nil {
		logger.Fatal("Host function registry does not match the manifest", zap.Error(err))
	}
	logger.Info("Host function registry verified", zap.Int("functions", reg.Len()))
	if *check {
		return
	}

	if cfg.App.Path == "" {
		logger.Fatal("No app given; pass -app or a path argument")
	}
	loaded, err := app.NewLoader(rt, logger).Load(ctx, cfg.App.Path)
	if err != nil {
		logger.Fatal("Failed to load app", zap.String("path", cfg.App.Path), zap.Error(err))
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
			// Guests without storage still serve; db functions report errors.
			logger.Warn("Database unavailable", zap.String("url", storage.MaskURL(cfg.Database.URL)), zap.Error(err))
		} else {
			defer store.Close()
		}
	}

	roles := session.Roles{}
	if cfg.RolesFile != "" {
		roles, err = session.LoadRoles(cfg.RolesFile)
		if err != nil {
			logger.Fatal("Failed to load roles", zap.Error(err))
		}
	}

	routes := router.New(logger)
	for _, m := range loaded.Manifest.Static {
		if err := routes.Mount(m.Prefix, loaded.Manifest.StaticDir(m)); err != nil {
			logger.Fatal("Failed to mount static directory", zap.String("prefix", m.Prefix), zap.Error(err))
		}
	}

	sessions := session.NewStore(session.Config{
		Timeout:    cfg.Session.Timeout(),
		CookieName: cfg.Session.CookieName,
		CookiePath: cfg.Session.CookiePath,
		SameSite:   cfg.Session.SameSite,
		Secure:     cfg.Session.Secure,
		HTTPOnly:   cfg.Session.HTTPOnly,
	}, logger)

	exec := server.NewExecutor(server.ExecutorConfig{
		Runtime:     rt,
		Module:      loaded.Compiled,
		Registry:    reg,
		Router:      routes,
		Sessions:    sessions,
		Roles:       loaded.Roles(roles),
		Storage:     store,
		EntryPoints: loaded.EntryPoints(server.EntryPoints),
	}, logger)
	if err := exec.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize app", zap.String("app", loaded.Name()), zap.Error(err))
	}
	for _, r := range routes.Routes() {
		logger.Info("Route", zap.String("route", r.String()), zap.Uint32("handler", r.Handler))
	}

	listenPort := cfg.Port
	if p := exec.Port(); p > 0 {
		listenPort = p
	}
	if *port > 0 {
		listenPort = *port
	}

	srv := server.New(exec, server.Options{
		Host:             cfg.Host,
		Port:             listenPort,
		BodyLimit:        cfg.BodyLimit,
		CORS:             cfg.CORS.Enabled,
		CORSOrigins:      cfg.CORS.Origins,
		MethodNotAllowed: cfg.Router.MethodNotAllowed,
		JWTSecret:        cfg.Auth.JWTSecret,
		SweepInterval:    cfg.Session.SweepInterval(),
	}, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Serving app",
		zap.String("app", loaded.Name()),
		zap.String("version", loaded.Version()),
		zap.String("addr", srv.Addr()),
	)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal("HTTP server error", zap.Error(err))
	}

	logger.Info("Server shutdown complete")
}
