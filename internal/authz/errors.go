package authz

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures surfaced to callers of the decision pipeline.
type ErrorKind string

const (
	KindAuthenticationRequired  ErrorKind = "authentication_required"
	KindInsufficientPermissions ErrorKind = "insufficient_permissions"
	KindConsentRequired         ErrorKind = "consent_required"
	KindInvalidPolicySyntax     ErrorKind = "invalid_policy_syntax"
	KindPolicyEvaluationTimeout ErrorKind = "policy_evaluation_timeout"
	KindInternal                ErrorKind = "internal"
)

var statusByKind = map[ErrorKind]int{
	KindAuthenticationRequired:  http.StatusUnauthorized,
	KindInsufficientPermissions: http.StatusForbidden,
	KindConsentRequired:         http.StatusForbidden,
	KindInvalidPolicySyntax:     http.StatusBadRequest,
	KindPolicyEvaluationTimeout: http.StatusGatewayTimeout,
	KindInternal:                http.StatusInternalServerError,
}

// Error is a typed authorization failure. Every deny-derived error carries
// the correlation id of the decision that produced it.
type Error struct {
	Kind          ErrorKind
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind onto a transport status code.
func (e *Error) HTTPStatus() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new *Error.
func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
