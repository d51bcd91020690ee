package app

import (
	"fmt"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// ManifestNotFoundError occurs when app.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

func (e *ManifestNotFoundError) Kind() fault.Kind { return fault.NotFound }

// ManifestParseError occurs when app.yaml is not valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

func (e *ManifestParseError) Kind() fault.Kind { return fault.Validation }

// ManifestValidationError occurs when app.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

func (e *ManifestValidationError) Kind() fault.Kind { return fault.Validation }

// WasmNotFoundError occurs when the module referenced by the manifest does
// not exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

func (e *WasmNotFoundError) Kind() fault.Kind { return fault.NotFound }

// LoadError occurs when an app's module fails to compile.
type LoadError struct {
	AppName string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load app '%s': %v", e.AppName, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *LoadError) Kind() fault.Kind { return fault.Module }
