package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures domain methods surface. Each kind maps to
// an HTTP status at the API boundary.
type ErrorKind string

const (
	ErrNotFound          ErrorKind = "NOT_FOUND"
	ErrForbidden         ErrorKind = "FORBIDDEN"
	ErrNotFriends        ErrorKind = "NOT_FRIENDS"
	ErrDuplicate         ErrorKind = "DUPLICATE"
	ErrDuplicateName     ErrorKind = "DUPLICATE_NAME"
	ErrInvalidRecipient  ErrorKind = "INVALID_RECIPIENT"
	ErrMissingRecipients ErrorKind = "MISSING_RECIPIENTS"
	ErrMissingCircles    ErrorKind = "MISSING_CIRCLES"
	ErrPrivate           ErrorKind = "PRIVATE"
	ErrDomainMismatch    ErrorKind = "DOMAIN_MISMATCH"
	ErrSelfEndorse       ErrorKind = "SELF_ENDORSE"
	ErrLimitExceeded     ErrorKind = "LIMIT_EXCEEDED"
	ErrValidation        ErrorKind = "VALIDATION_ERROR"
	ErrHardConstraint    ErrorKind = "HARD_CONSTRAINT"
	ErrNotConfigured     ErrorKind = "NOT_CONFIGURED"
	ErrInternal          ErrorKind = "INTERNAL_ERROR"
)

// Error is a kinded domain error.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Errorf builds a kinded error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error chain. Unkinded errors report
// INTERNAL_ERROR.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// HTTPStatus maps an error kind to the boundary status code.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case ErrNotFound:
		return 404
	case ErrForbidden, ErrNotFriends:
		return 403
	case ErrDuplicate, ErrDuplicateName:
		return 409
	case ErrLimitExceeded:
		return 429
	case ErrInvalidRecipient, ErrMissingRecipients, ErrMissingCircles,
		ErrPrivate, ErrDomainMismatch, ErrSelfEndorse, ErrValidation:
		return 400
	case ErrNotConfigured:
		return 501
	default:
		return 500
	}
}
