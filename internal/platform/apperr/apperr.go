// Package apperr defines the error kinds returned by billing operations and
// their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthenticationRequired
	KindRoleNotAuthorized
	KindTenantMismatch
	KindPermissionDenied
	KindNotFound
	KindValidationFailed
)

var kindCodes = map[Kind]string{
	KindInternal:               "INTERNAL_ERROR",
	KindAuthenticationRequired: "USER_NOT_AUTHENTICATED",
	KindRoleNotAuthorized:      "ROLE_NOT_AUTHORIZED",
	KindTenantMismatch:         "TENANT_MISMATCH",
	KindPermissionDenied:       "INSUFFICIENT_PERMISSIONS",
	KindNotFound:               "RESOURCE_NOT_FOUND",
	KindValidationFailed:       "VALIDATION_ERROR",
}

// Code returns the stable machine-readable code for the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

func (k Kind) String() string { return k.Code() }

// HTTPStatus maps the kind to the status a handler should respond with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthenticationRequired:
		return http.StatusUnauthorized
	case KindRoleNotAuthorized, KindTenantMismatch, KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Message is safe to show to end users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and user-facing message to an underlying error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func AuthenticationRequired() *Error {
	return New(KindAuthenticationRequired, "Unauthorized: authentication required")
}

func RoleNotAuthorized(format string, args ...interface{}) *Error {
	return New(KindRoleNotAuthorized, "Unauthorized: "+format, args...)
}

func TenantMismatch() *Error {
	return New(KindTenantMismatch, "Unauthorized: You do not have access to this organization")
}

func PermissionDenied(format string, args ...interface{}) *Error {
	return New(KindPermissionDenied, "Unauthorized: You do not have permission to "+format, args...)
}

func NotFound(resource string) *Error {
	return New(KindNotFound, "%s not found", resource)
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidationFailed, format, args...)
}

// KindOf reports the kind of err, or KindInternal if it is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// PublicMessage returns the message to expose to clients. Unclassified errors
// collapse to a generic message.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}
