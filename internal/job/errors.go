package job

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrValidation = errors.New("validation failed")
	ErrTransport  = errors.New("transport failed")
	ErrNotReady   = errors.New("not ready")
	ErrNotFound   = errors.New("not found")
)

// ValidationError reports malformed or missing input caught before any
// network call. Fields maps the offending field name to a message.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	keys := slices.Sorted(maps.Keys(e.Fields))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransportError wraps a network failure or a non-2xx response.
// StatusCode is 0 when no response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NotReadyError reports an operation that is invalid for the job's current
// status, such as downloading an export that has not completed.
type NotReadyError struct {
	JobID  string
	Status Status
}

func (e *NotReadyError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("job %s is not ready", e.JobID)
	}
	return fmt.Sprintf("job %s is not ready (status %s)", e.JobID, e.Status)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// NotFoundError reports an unknown job or template id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
