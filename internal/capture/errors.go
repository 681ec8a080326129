package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrFrozen is returned when writing to a value capture.
	ErrFrozen = errors.New("captured value is frozen")

	// ErrUnknownCapture is returned for names the environment did not capture.
	ErrUnknownCapture = errors.New("unknown capture")

	// ErrKindMismatch is returned when a value accessor is used on a relation
	// capture, or a node accessor on a value capture.
	ErrKindMismatch = errors.New("capture kind mismatch")
)

// ConstructionError reports an invalid capture specification. It is returned
// synchronously by Build and no environment is created.
type ConstructionError struct {
	// Code identifies the error category.
	Code ConstructionErrorCode

	// Name is the captured name the error refers to.
	Name string

	// Message is a human-readable description.
	Message string
}

// ConstructionErrorCode categorizes construction errors.
type ConstructionErrorCode string

const (
	// ErrCodeEmptyName indicates a spec without a captured name.
	ErrCodeEmptyName ConstructionErrorCode = "EMPTY_NAME"

	// ErrCodeDuplicateName indicates two specs capturing the same name.
	ErrCodeDuplicateName ConstructionErrorCode = "DUPLICATE_NAME"

	// ErrCodeNonNodeRelation indicates a weak or unowned capture of a source
	// that is not a node.
	ErrCodeNonNodeRelation ConstructionErrorCode = "NON_NODE_RELATION"

	// ErrCodeDeadSource indicates a capture of a deallocated or unknown node.
	ErrCodeDeadSource ConstructionErrorCode = "DEAD_SOURCE"

	// ErrCodeMissingSource indicates a spec whose source was never set.
	ErrCodeMissingSource ConstructionErrorCode = "MISSING_SOURCE"

	// ErrCodeInvalidKind indicates an unknown capture kind.
	ErrCodeInvalidKind ConstructionErrorCode = "INVALID_KIND"
)

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s (capture=%s)", e.Code, e.Message, e.Name)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConstructionError returns true if err is or wraps a ConstructionError.
func IsConstructionError(err error) bool {
	var ce *ConstructionError
	return errors.As(err, &ce)
}

func constructionErr(code ConstructionErrorCode, name, format string, args ...any) *ConstructionError {
	return &ConstructionError{Code: code, Name: name, Message: fmt.Sprintf(format, args...)}
}
