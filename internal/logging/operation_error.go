package logging

import "fmt"

// OperationError annotates an error with the operation that failed and the
// request, connection or video it failed for.
type OperationError struct {
	Operation string
	ID        string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.ID != "" {
		return fmt.Sprintf("%s (id=%s): %v", e.Operation, e.ID, e.Err)
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

// NewOperationError wraps err with the operation and id. A nil err stays nil.
func NewOperationError(operation, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, ID: id, Err: err}
}
