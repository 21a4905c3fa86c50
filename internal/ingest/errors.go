package ingest

import "fmt"

// Validation categories, reported verbatim to callers.
const (
	CategoryMissingBody   = "Missing body"
	CategoryInvalidBody   = "Invalid body"
	CategoryMissingFields = "Missing required fields"
	CategoryInvalidField  = "Invalid field"
)

// ValidationError is a client fault. It is always returned before the store
// is touched.
type ValidationError struct {
	Category string
	Field    string
	Err      error
}

func (e *ValidationError) Error() string {
	if d := e.Details(); d != "" {
		return e.Category + ": " + d
	}
	return e.Category
}

// Details is the human readable part shown next to the category, if any.
func (e *ValidationError) Details() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Field
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StoreError wraps a failed store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
