package document

import (
	"errors"
	"fmt"
	"strings"
)

// Request error kinds. Callers match them with errors.Is.
var (
	ErrDocNotFound                 = errors.New("document not found")
	ErrDocTypeNotRecognised        = errors.New("document type not recognised")
	ErrValidationFailed            = errors.New("validation failed")
	ErrPatchValidationFailed       = errors.New("patch validation failed")
	ErrRequiredVersionNotAvailable = errors.New("required version not available")
	ErrConflictOnSave              = errors.New("conflict on save")
	ErrForbiddenByPolicy           = errors.New("forbidden by policy")
	ErrInsufficientPermissions     = errors.New("insufficient permissions")
	ErrConstructorNotRecognised    = errors.New("constructor not recognised")
	ErrOperationNotRecognised      = errors.New("operation not recognised")
	ErrQueryNotRecognised          = errors.New("query not recognised")
	ErrFilterNotRecognised         = errors.New("filter not recognised")
	ErrInvalidUserID               = errors.New("invalid user id")
	ErrPartitionRequired           = errors.New("partition required")
	ErrPartitionNotAllowed         = errors.New("partition not allowed")
	ErrSystemFieldsInvalid         = errors.New("system fields invalid")
	ErrInvalidDocType              = errors.New("invalid document type definition")
)

// RequestError is a client-correctable failure annotated with enough context
// to reconstruct the failing request.
type RequestError struct {
	Kind        error
	DocTypeName string
	ID          string
	Action      string
	Reason      string
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.DocTypeName != "" {
		fmt.Fprintf(&b, " docType=%s", e.DocTypeName)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " id=%s", e.ID)
	}
	if e.Action != "" {
		fmt.Fprintf(&b, " action=%s", e.Action)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Kind }

// NewRequestError builds a RequestError of the given kind.
func NewRequestError(kind error, docTypeName, id, action, reason string) *RequestError {
	return &RequestError{Kind: kind, DocTypeName: docTypeName, ID: id, Action: action, Reason: reason}
}

// CallbackError reports that a user-supplied hook failed unexpectedly. It is
// kept apart from validation failures: the data may be fine, the hook is not.
type CallbackError struct {
	DocTypeName string
	Hook        string
	Err         error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("document type %s: callback %s failed: %v", e.DocTypeName, e.Hook, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// IsRequestError reports whether err is a client-correctable failure.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
