package trellis

import (
	"fmt"
	"reflect"
	"time"
)

// ErrContextClosed is returned when a resource is added to or requested from a
// context that has already been closed. This is a caller bug, not a condition
// to retry.
var ErrContextClosed = &ValidationError{Reason: "this context has already been closed"}

// ErrNoContext is returned by StartComponent when no active root context was
// supplied.
var ErrNoContext = &ValidationError{Reason: "an active root context is required"}

// ValidationError indicates a malformed name, type, or configuration value.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ResourceConflictError is raised when a new resource or resource factory
// conflicts with one already registered directly on the same context.
type ResourceConflictError struct {
	Reason string
}

func (e *ResourceConflictError) Error() string {
	return e.Reason
}

// ResourceNotFoundError is returned by RequireResource when no matching
// resource exists anywhere in the context chain. It is recoverable; the
// caller decides what to do about it.
type ResourceNotFoundError struct {
	Type reflect.Type
	Name string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("no matching resource was found for type=%s name=%q", typeName(e.Type), e.Name)
}

// AttributeNotFoundError is returned by Context.Attr when the named context
// attribute is bound neither as a factory nor as a value anywhere in the chain.
type AttributeNotFoundError struct {
	Name string
}

func (e *AttributeNotFoundError) Error() string {
	return fmt.Sprintf("no such context attribute: %q", e.Name)
}

// StartTimeoutError is returned by StartComponent when the component hierarchy
// did not finish starting within the configured timeout. Diagnostic holds the
// rendered tree of components that were still starting, with the captured
// suspension point of each stalled branch.
type StartTimeoutError struct {
	Timeout    time.Duration
	Diagnostic string
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for the component hierarchy to start (after %s)", e.Timeout)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
