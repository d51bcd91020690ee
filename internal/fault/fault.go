// Package fault defines the error taxonomy shared by the runtime, the host
// bridge and the HTTP layer.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for envelope codes and HTTP status mapping.
type Kind int

const (
	// Module covers instantiation failures, traps, missing exports and
	// signature mismatches. It is also the fallback for unclassified errors.
	Module Kind = iota
	Validation
	PermissionDenied
	NotFound
	Memory
	Algorithm
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case PermissionDenied:
		return "permission_denied"
	case NotFound:
		return "not_found"
	case Memory:
		return "memory"
	case Algorithm:
		return "algorithm"
	default:
		return "module"
	}
}

// Code returns the machine-readable code used in envelopes.
func Code(k Kind) string {
	switch k {
	case Validation:
		return "VALIDATION_ERROR"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case NotFound:
		return "NOT_FOUND"
	case Memory:
		return "MEMORY_ERROR"
	case Algorithm:
		return "ALGORITHM_ERROR"
	default:
		return "MODULE_ERROR"
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error

	// Unauthenticated marks a PermissionDenied error caused by missing
	// credentials rather than insufficient ones.
	Unauthenticated bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns e with key set in its details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Validationf(op, format string, args ...any) *Error {
	return newf(Validation, op, format, args...)
}

func Permissionf(op, format string, args ...any) *Error {
	return newf(PermissionDenied, op, format, args...)
}

// Unauthenticatedf reports missing credentials.
func Unauthenticatedf(op, format string, args ...any) *Error {
	e := newf(PermissionDenied, op, format, args...)
	e.Unauthenticated = true
	return e
}

func NotFoundf(op, format string, args ...any) *Error {
	return newf(NotFound, op, format, args...)
}

func Memoryf(op, format string, args ...any) *Error {
	return newf(Memory, op, format, args...)
}

func Modulef(op, format string, args ...any) *Error {
	return newf(Module, op, format, args...)
}

func Algorithmf(op, format string, args ...any) *Error {
	return newf(Algorithm, op, format, args...)
}

// Wrap classifies err under kind. It returns nil for a nil err.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// kinded is implemented by package-local error types that map into the
// taxonomy without depending on *Error.
type kinded interface {
	Kind() Kind
}

// KindOf resolves the kind of err. Unclassified errors are Module errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Module
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case PermissionDenied:
		var fe *Error
		if errors.As(err, &fe) && fe.Unauthenticated {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
