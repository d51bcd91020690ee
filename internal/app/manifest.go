package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/frame-runtime/internal/session"
)

// ManifestFile is the name of the manifest inside an app directory.
const ManifestFile = "app.yaml"

// Manifest represents the app.yaml structure.
type Manifest struct {
	Name    string        `yaml:"name" validate:"required"`
	Version string        `yaml:"version" validate:"required"`
	Wasm    WasmConfig    `yaml:"wasm"`
	Roles   session.Roles `yaml:"roles"`
	Static  []StaticMount `yaml:"static" validate:"dive"`
	// Entry names the initialization export. Empty tries the usual names.
	Entry string `yaml:"entry" validate:"omitempty,oneof=main _start start init"`

	dir string
}

// WasmConfig holds the module location.
type WasmConfig struct {
	File string `yaml:"file" validate:"required"`
}

// StaticMount serves Dir, relative to the app directory, under Prefix.
type StaticMount struct {
	Prefix string `yaml:"prefix" validate:"required,startswith=/"`
	Dir    string `yaml:"dir" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseManifest reads and validates app.yaml from dir.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the module file exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
		}
		fe := verrs[0]
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   fieldPath(fe),
			Message: describe(fe),
		}
	}

	for role := range m.Roles {
		if role == "" {
			return &ManifestValidationError{Path: m.Path(), Field: "roles", Message: "role names must not be empty"}
		}
	}

	if _, err := os.Stat(m.WasmPath()); err != nil {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// fieldPath drops the struct name from the validator namespace, giving
// e.g. "wasm.file" or "static[0].prefix".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	name := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "startswith":
		return fmt.Sprintf("%s must start with %q", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s failed %q validation", name, fe.Tag())
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the module file.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Wasm.File) {
		return m.Wasm.File
	}
	return filepath.Join(m.dir, m.Wasm.File)
}

// StaticDir resolves a static mount directory against the app directory.
func (m *Manifest) StaticDir(s StaticMount) string {
	if filepath.IsAbs(s.Dir) {
		return s.Dir
	}
	return filepath.Join(m.dir, s.Dir)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
