// Package apperr implements the behavioral error taxonomy shared by every
// scheduler-side component: Transient, Validation, Policy, Sandbox,
// DataIntegrity and Fatal. Handlers map a Kind to an HTTP status; workers
// map it to a retry-or-flag decision. Nothing internal is ever surfaced to
// a caller as a raw error.
package apperr

import "fmt"

// Kind is a behavioral error category, not an exception type.
type Kind string

const (
	Transient     Kind = "transient"
	Validation    Kind = "validation"
	Policy        Kind = "policy"
	Sandbox       Kind = "sandbox"
	DataIntegrity Kind = "data_integrity"
	Fatal         Kind = "fatal"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}

func Transientf(code, format string, args ...interface{}) *Error {
	return newErr(Transient, code, fmt.Sprintf(format, args...), nil)
}

func Validationf(code, format string, args ...interface{}) *Error {
	return newErr(Validation, code, fmt.Sprintf(format, args...), nil)
}

func Policyf(code, format string, args ...interface{}) *Error {
	return newErr(Policy, code, fmt.Sprintf(format, args...), nil)
}

func Sandboxf(code, format string, args ...interface{}) *Error {
	return newErr(Sandbox, code, fmt.Sprintf(format, args...), nil)
}

func DataIntegrityf(code, format string, args ...interface{}) *Error {
	return newErr(DataIntegrity, code, fmt.Sprintf(format, args...), nil)
}

func Fatalf(code, format string, args ...interface{}) *Error {
	return newErr(Fatal, code, fmt.Sprintf(format, args...), nil)
}

// Wrap classifies an opaque error as Transient, the default for anything
// crossing a network/database/object-storage boundary without a more
// specific classification.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return newErr(Transient, code, err.Error(), err)
}

// Conflict and Forbidden are common Validation/Policy shorthands used by
// the Project Registry.
func Conflict(format string, args ...interface{}) *Error {
	return newErr(Validation, "conflict", fmt.Sprintf(format, args...), nil)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newErr(Policy, "forbidden", fmt.Sprintf(format, args...), nil)
}

func NotFound(format string, args ...interface{}) *Error {
	return newErr(Validation, "not_found", fmt.Sprintf(format, args...), nil)
}

// HTTPStatus maps a Kind to the status code a handler should respond with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case Validation:
		if e.Code == "not_found" {
			return 404
		}
		return 400
	case Policy:
		if e.Code == "forbidden" {
			return 403
		}
		return 200
	case Transient:
		return 503
	default:
		return 500
	}
}
