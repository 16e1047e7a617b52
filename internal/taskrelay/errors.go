package taskrelay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotImplemented       = errors.New("not implemented")
	ErrBackendNotRegistered = errors.New("backend not registered")
	ErrBatchUnsupported     = errors.New("batch operations not supported")
	ErrInvalidSettings      = errors.New("invalid backend settings")
	ErrInvalidRegistration  = errors.New("invalid backend registration")
	ErrAllBackendsFailed    = errors.New("all backends failed")
)

// BackendError is a failure reported by a backend while talking to its
// remote system. It is the only error class the orchestrator retries.
type BackendError struct {
	Backend string
	Message string
	Err     error
}

func NewBackendError(backend string, err error) *BackendError {
	return &BackendError{Backend: backend, Err: err}
}

func (e *BackendError) Error() string {
	message := strings.TrimSpace(e.Message)
	switch {
	case message != "" && e.Err != nil:
		return fmt.Sprintf("backend %s: %s: %v", e.Backend, message, e.Err)
	case message != "":
		return fmt.Sprintf("backend %s: %s", e.Backend, message)
	case e.Err != nil:
		return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
	default:
		return fmt.Sprintf("backend %s: unknown error", e.Backend)
	}
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func IsBackendError(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr)
}

// ConfigError marks a persisted backend configuration that could not be
// turned into a live backend.
type ConfigError struct {
	ConfigID string
	Backend  string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.ConfigID == "" {
		return fmt.Sprintf("backend config %s: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("backend config %s (%s): %v", e.ConfigID, e.Backend, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type NotRegisteredError struct {
	Name      string
	Available []string
}

func (e *NotRegisteredError) Error() string {
	available := "none"
	if len(e.Available) > 0 {
		available = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf("backend %q not registered (available: %s)", e.Name, available)
}

func (e *NotRegisteredError) Is(target error) bool {
	return target == ErrBackendNotRegistered
}
