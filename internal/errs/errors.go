// Package errs defines the error taxonomy shared by the config store, the object factory
// and the retrieval stores.
package errs

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound means a descriptor or document is absent. Callers branch on it.
	ErrNotFound = errors.New("not found")
	// ErrUnresolvedReference means a reference token points at a missing descriptor.
	ErrUnresolvedReference = errors.New("unresolved reference")
	// ErrUnknownImplementation means no constructor is registered for a descriptor's instance.
	ErrUnknownImplementation = errors.New("unknown implementation")
	// ErrCyclicReference means descriptor resolution reached a descriptor already being resolved.
	ErrCyclicReference = errors.New("cyclic reference")
	// ErrSchemaMismatch means a write was rejected by the backend schema after the one allowed migration.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrBackendUnavailable covers connection, auth and server-side failures of a backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrSecretNotFound means a named credential is not set.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrInvalidArgument means a constructor or operation received a missing or malformed argument.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by store operations after Close.
	ErrClosed = errors.New("store closed")
)

// OpError records the operation, backend and key (document id, field or descriptor) that failed.
type OpError struct {
	Op      string
	Backend string
	Key     string
	Err     error
}

func (e *OpError) Error() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Op, e.Backend, e.Key} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if e.Err == nil {
		return strings.Join(parts, " ")
	}
	if len(parts) == 0 {
		return e.Err.Error()
	}
	return strings.Join(parts, " ") + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap returns an *OpError around err, or nil when err is nil.
func Wrap(op, backend, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Backend: backend, Key: key, Err: err}
}

// Unavailable wraps err so that it matches both ErrBackendUnavailable and err itself.
func Unavailable(op, backend string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Backend: backend, Err: errors.Join(ErrBackendUnavailable, err)}
}

// IsConfigError reports whether err is one of the configuration errors that must not be retried.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnresolvedReference) ||
		errors.Is(err, ErrUnknownImplementation) ||
		errors.Is(err, ErrCyclicReference)
}
