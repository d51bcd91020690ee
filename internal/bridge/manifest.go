package bridge

import (
	_ "embed"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"gopkg.in/yaml.v3"
)

// Shape is how one parameter or result crosses the boundary.
type Shape string

const (
	// Str is a UTF-8 string passed as a (pointer, length) pair.
	Str Shape = "str"
	// Ptr is a pointer to a length-prefixed string.
	Ptr  Shape = "ptr"
	I32  Shape = "i32"
	I64  Shape = "i64"
	F64  Shape = "f64"
	Bool Shape = "bool"
	Void Shape = "void"
)

// ValueTypes returns the Wasm value types the shape occupies.
func (s Shape) ValueTypes() []api.ValueType {
	switch s {
	case Str:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	case Ptr, I32, Bool:
		return []api.ValueType{api.ValueTypeI32}
	case I64:
		return []api.ValueType{api.ValueTypeI64}
	case F64:
		return []api.ValueType{api.ValueTypeF64}
	}
	return nil
}

func (s Shape) valid() bool {
	switch s {
	case Str, Ptr, I32, I64, F64, Bool, Void:
		return true
	}
	return false
}

// Signature flattens parameter and result shapes into Wasm value types.
func Signature(params []Shape, result Shape) (in, out []api.ValueType) {
	in = []api.ValueType{}
	for _, p := range params {
		in = append(in, p.ValueTypes()...)
	}
	return in, result.ValueTypes()
}

// Layer orders host function groups by portability.
type Layer int

const (
	LayerCore Layer = iota + 1
	LayerPlatform
	LayerHost
)

func (l Layer) String() string {
	switch l {
	case LayerCore:
		return "core"
	case LayerPlatform:
		return "platform"
	case LayerHost:
		return "host"
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

// UnmarshalYAML accepts the layer name.
func (l *Layer) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "core":
		*l = LayerCore
	case "platform":
		*l = LayerPlatform
	case "host":
		*l = LayerHost
	default:
		return fmt.Errorf("line %d: unknown layer %q", node.Line, node.Value)
	}
	return nil
}

// Entry declares one host function of the binding ABI.
type Entry struct {
	Module  string   `yaml:"module"`
	Name    string   `yaml:"name"`
	Params  []Shape  `yaml:"params"`
	Returns Shape    `yaml:"returns"`
	Aliases []string `yaml:"aliases"`
	Layer   Layer    `yaml:"layer"`
}

// Names returns the canonical name followed by the aliases.
func (e Entry) Names() []string {
	return append([]string{e.Name}, e.Aliases...)
}

// Manifest is the declarative list of every host function.
type Manifest struct {
	Version string  `yaml:"version"`
	Entries []Entry `yaml:"functions"`
}

//go:embed manifest.yaml
var manifestYAML []byte

// DefaultManifest parses the embedded manifest.
func DefaultManifest() (*Manifest, error) {
	return ParseManifest(manifestYAML)
}

// ParseManifest parses and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Message: "failed to parse manifest", Err: err}
	}
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Module == "" {
			e.Module = "env"
		}
		if e.Returns == "" {
			e.Returns = Void
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects empty names, unknown shapes, void parameters and names
// declared twice within a module.
func (m *Manifest) Validate() error {
	seen := map[string]bool{}
	for _, e := range m.Entries {
		if e.Name == "" {
			return &ManifestError{Message: "function name is required"}
		}
		if e.Layer == 0 {
			return &ManifestError{Entry: e.Name, Message: "layer is required"}
		}
		for _, p := range e.Params {
			if !p.valid() {
				return &ManifestError{Entry: e.Name, Message: fmt.Sprintf("unknown parameter shape %q", p)}
			}
			if p == Void {
				return &ManifestError{Entry: e.Name, Message: "void is not a parameter shape"}
			}
		}
		if !e.Returns.valid() {
			return &ManifestError{Entry: e.Name, Message: fmt.Sprintf("unknown return shape %q", e.Returns)}
		}
		if e.Returns == Str {
			return &ManifestError{Entry: e.Name, Message: "strings are returned as ptr"}
		}
		for _, name := range e.Names() {
			if name == "" {
				return &ManifestError{Entry: e.Name, Message: "alias must not be empty"}
			}
			key := e.Module + "." + name
			if seen[key] {
				return &ManifestError{Entry: e.Name, Message: fmt.Sprintf("%s declared twice", key)}
			}
			seen[key] = true
		}
	}
	return nil
}

// Filter returns the entries belonging to any of layers, or all entries
// when none are given.
func (m *Manifest) Filter(layers ...Layer) []Entry {
	if len(layers) == 0 {
		return append([]Entry(nil), m.Entries...)
	}
	var out []Entry
	for _, e := range m.Entries {
		for _, l := range layers {
			if e.Layer == l {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Lookup finds the entry declaring name, canonical or alias.
func (m *Manifest) Lookup(module, name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Module != module {
			continue
		}
		for _, n := range e.Names() {
			if n == name {
				return e, true
			}
		}
	}
	return Entry{}, false
}
