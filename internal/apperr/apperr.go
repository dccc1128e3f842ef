// Package apperr classifies failures so callers can decide whether to retry,
// reset, or hand the problem to an operator.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Kind string

const (
	// Validation: bad input, rejected before any external call.
	Validation Kind = "validation"
	// Unreachable: timeout or connection failure talking to an external system.
	Unreachable Kind = "unreachable"
	// Rejected: the external system answered and refused the request.
	Rejected Kind = "rejected"
	// Inconsistent: a committed checkpoint was followed by a failing step.
	Inconsistent Kind = "inconsistent"
	// Drift: database and VPS disagree.
	Drift Kind = "drift"
	// Internal: our own storage or programming errors.
	Internal Kind = "internal"
)

var (
	// ErrNotFound marks a missing record; HTTPStatus maps it to 404.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a clash with existing state; HTTPStatus maps it to 409.
	ErrConflict = errors.New("conflict")
)

// System names an external collaborator in error messages.
type System string

const (
	SystemDatabase   System = "database"
	SystemCloudflare System = "cloudflare"
	SystemAgent      System = "agent"
	SystemResolver   System = "resolver"
)

// Error carries a Kind plus the operation and system that produced it.
type Error struct {
	Kind   Kind
	Op     string
	System System
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.System != "":
		return fmt.Sprintf("%s (%s): %v", e.Op, e.System, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Kind }

// New wraps err with a kind.
func New(kind Kind, op string, system System, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, System: system, Err: err}
}

// Validationf builds a validation error.
func Validationf(format string, args ...interface{}) error {
	return &Error{Kind: Validation, Err: fmt.Errorf(format, args...)}
}

// Kinded is implemented by client errors that know their own kind.
type Kinded interface {
	ErrorKind() Kind
}

// KindOf returns the kind of the outermost error in err's chain that knows
// its kind. Network failures and context deadlines count as Unreachable;
// anything unrecognised is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if IsUnreachable(err) {
		return Unreachable
	}
	return Internal
}

// IsUnreachable reports whether err is a timeout or transport failure.
func IsUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Retryable is true for kinds a batch loop may retry without operator input.
func Retryable(err error) bool {
	return KindOf(err) == Unreachable
}

// HTTPStatus maps an error kind onto an API status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		switch {
		case errors.Is(err, ErrNotFound):
			return http.StatusNotFound
		case errors.Is(err, ErrConflict):
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case Rejected:
		return http.StatusUnprocessableEntity
	case Unreachable:
		return http.StatusBadGateway
	case Drift:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
