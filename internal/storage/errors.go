package storage

import (
	"fmt"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// OpenError occurs when a database cannot be opened or reached.
type OpenError struct {
	URL string
	Err error
}

func (e *OpenError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("failed to open database: %v", e.Err)
	}
	return fmt.Sprintf("failed to open database '%s': %v", e.URL, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

func (e *OpenError) Kind() fault.Kind {
	return fault.Module
}

// QueryError occurs when a statement fails.
type QueryError struct {
	Op  string
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func (e *QueryError) Kind() fault.Kind {
	return fault.Module
}

// ParamsError occurs when statement arguments are not a JSON array.
type ParamsError struct {
	Err error
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("params must be a JSON array: %v", e.Err)
}

func (e *ParamsError) Unwrap() error {
	return e.Err
}

func (e *ParamsError) Kind() fault.Kind {
	return fault.Validation
}
