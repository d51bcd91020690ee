// Package app loads a guest application: a module plus the manifest
// naming its roles and static directories.
package app

import (
	"time"

	"github.com/woxQAQ/frame-runtime/internal/session"
	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

// App represents a loaded app with its manifest and compiled module.
type App struct {
	// Manifest is the parsed app metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the app was loaded
	LoadedAt time.Time
}

// Name returns the app name.
func (a *App) Name() string {
	return a.Manifest.Name
}

// Version returns the app version.
func (a *App) Version() string {
	return a.Manifest.Version
}

// Roles returns the role table declared by the manifest, merged over base.
// Manifest entries win.
func (a *App) Roles(base session.Roles) session.Roles {
	out := session.Roles{}
	for role, perms := range base {
		out[role] = perms
	}
	for role, perms := range a.Manifest.Roles {
		out[role] = perms
	}
	return out
}

// EntryPoints returns the initialization exports to try.
func (a *App) EntryPoints(defaults []string) []string {
	if a.Manifest.Entry != "" {
		return []string{a.Manifest.Entry}
	}
	return defaults
}
