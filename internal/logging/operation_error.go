package logging

import "fmt"

// OperationError annotates an error with the operation and screening it
// occurred in, so failures deep in the flow stay attributable.
type OperationError struct {
	Operation   string
	ScreeningID string
	Err         error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.ScreeningID != "" {
		return fmt.Sprintf("%s (screening_id=%s): %v", e.Operation, e.ScreeningID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, screeningID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, ScreeningID: screeningID, Err: err}
}
