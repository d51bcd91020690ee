package bridge

import (
	"fmt"
	"strings"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// ManifestError occurs when the host function manifest is malformed.
type ManifestError struct {
	Entry   string
	Message string
	Err     error
}

func (e *ManifestError) Error() string {
	msg := e.Message
	if e.Entry != "" {
		msg = fmt.Sprintf("%s (function: %s)", msg, e.Entry)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "invalid manifest: " + msg
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

func (e *ManifestError) Kind() fault.Kind {
	return fault.Validation
}

// DuplicateFunctionError occurs when a name is defined twice in one layer.
type DuplicateFunctionError struct {
	Module string
	Name   string
	Layer  Layer
}

func (e *DuplicateFunctionError) Error() string {
	return fmt.Sprintf("host function '%s.%s' is already defined in layer %s", e.Module, e.Name, e.Layer)
}

func (e *DuplicateFunctionError) Kind() fault.Kind {
	return fault.Module
}

// ComplianceError lists every manifest entry the registry does not satisfy.
type ComplianceError struct {
	Problems []string
	Err      error
}

func (e *ComplianceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "host bindings do not match the manifest (%d problems)", len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "\ninstantiation: %v", e.Err)
	}
	return b.String()
}

func (e *ComplianceError) Unwrap() error {
	return e.Err
}

func (e *ComplianceError) Kind() fault.Kind {
	return fault.Module
}
