package pledges

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidLink matches every *AuthError.
	ErrInvalidLink = errors.New("invalid or expired link")

	// ErrAddressNotRecognized is returned for management link requests whose
	// address does not match, including requests for pledges that do not exist.
	ErrAddressNotRecognized = errors.New("address not recognized for this pledge")

	// ErrNotFound is returned when a pledge or contributor does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSweepInProgress is returned when a sweep is requested while another runs.
	ErrSweepInProgress = errors.New("sweep already in progress")
)

// Field error codes.
const (
	CodeRequiredFieldEmpty   = "required_field_empty"
	CodeRequiredFieldInvalid = "required_field_invalid"
	CodeInvalidContributor   = "invalid_contributor"
	CodeContributorRequired  = "contributor_required"
	CodeInvalidTransition    = "invalid_transition"
)

// AuthError rejects a capability token. Its message never says which check failed.
type AuthError struct{}

func (e *AuthError) Error() string {
	return "Your link has expired, please obtain a new one."
}

func (e *AuthError) Is(target error) bool {
	return target == ErrInvalidLink
}

// FieldError is one problem with one submitted field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries every field problem found in one pass.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, " ")
}

func (e *ValidationError) add(field, code, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Code: code, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ConflictError reports that another pledge already owns Field.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	switch e.Field {
	case FieldEmail:
		return "This email address is already connected to an existing pledge."
	case FieldDomain:
		return "A pledge already exists for this domain."
	}
	return fmt.Sprintf("%s is already taken", e.Field)
}

// DependencyError wraps a failure of an external collaborator.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable, please try again", e.Dependency)
	}
	return fmt.Sprintf("%s unavailable, please try again: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
