package invoke

import "fmt"

// ErrorClass classifies invocation failures.
type ErrorClass string

const (
	// ErrorClassHTTP indicates the backend returned a non-2xx status.
	ErrorClassHTTP ErrorClass = "http"

	// ErrorClassTimeout indicates the call exceeded its execution timeout.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassConnection indicates a network failure reaching the backend.
	ErrorClassConnection ErrorClass = "connection"
)

// Error represents a failed workflow invocation.
type Error struct {
	// Class classifies the failure.
	Class ErrorClass

	// StatusCode is the HTTP status code for ErrorClassHTTP, zero otherwise.
	StatusCode int

	// Body is the response body for ErrorClassHTTP, truncated for logging.
	Body string

	// WorkflowID identifies the workflow that failed.
	WorkflowID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Class {
	case ErrorClassHTTP:
		if e.Body != "" {
			return fmt.Sprintf("workflow %s failed: HTTP %d: %s", e.WorkflowID, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("workflow %s failed: HTTP %d", e.WorkflowID, e.StatusCode)
	case ErrorClassTimeout:
		return fmt.Sprintf("workflow %s timed out: %v", e.WorkflowID, e.Cause)
	default:
		return fmt.Sprintf("workflow %s failed: %v", e.WorkflowID, e.Cause)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsTimeout reports whether the invocation exceeded its deadline.
func (e *Error) IsTimeout() bool {
	return e.Class == ErrorClassTimeout
}
