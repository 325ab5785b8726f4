package env

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleNotFound is returned when a handle id is unknown to the runner.
	ErrHandleNotFound = errors.New("env handle not found")
	// ErrEnvNotFound is returned when a template does not exist.
	ErrEnvNotFound = errors.New("env not found")
)

// ConstructionError reports that a build or launch call itself failed.
type ConstructionError struct {
	Op  string
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// ConfigurationError reports malformed options. Components return it before creating
// any resource.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Misconfigured builds a ConfigurationError for a missing or invalid option.
func Misconfigured(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Constructing wraps err as a ConstructionError unless it is nil.
func Constructing(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConstructionError{Op: op, Err: err}
}
