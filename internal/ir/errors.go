package ir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes errors crossing package boundaries.
type Code string

const (
	// CodeSchema: a rule, strategy or catalog references an undefined type,
	// predicate or measure. Fatal at load, never retried.
	CodeSchema Code = "SCHEMA_ERROR"

	// CodeMatchNotFound: no binding satisfies L, the NACs and the guards.
	// The executor treats it as a no-op.
	CodeMatchNotFound Code = "MATCH_NOT_FOUND"

	// CodeStructuralViolation: dangling edges, missing endpoints, endpoint
	// type constraints or catalog invariants.
	CodeStructuralViolation Code = "STRUCTURAL_VIOLATION"

	// CodeConflict: commit raced a concurrent writer.
	CodeConflict Code = "CONFLICT"

	// CodeIntegrity: a stored content hash does not match its content.
	CodeIntegrity Code = "INTEGRITY_ERROR"

	// CodeNonTermination: a step budget was exhausted or the loop stopped
	// making progress.
	CodeNonTermination Code = "NON_TERMINATION"

	// CodeTimeout: the wall-clock budget ran out.
	CodeTimeout Code = "TIMEOUT"

	// CodeCancelled: the caller asked to stop.
	CodeCancelled Code = "CANCELLED"

	// CodeNotFound: an unknown version, vertex, edge, rule or ref.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is the typed error shared by the store, transaction manager,
// matcher and executor. Details carries structured context such as
// "version", "reason" or "steps".
type Error struct {
	Code    Code
	Message string
	Details map[string]string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// With returns e with one more detail set. It mutates e.
func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Errorf creates an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error around cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// DetailOf returns a detail value from the first *Error in err's chain.
func DetailOf(err error, key string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details[key]
	}
	return ""
}

// IsSchemaError reports whether err is a SCHEMA_ERROR.
func IsSchemaError(err error) bool { return CodeOf(err) == CodeSchema }

// IsMatchNotFound reports whether err is a MATCH_NOT_FOUND.
func IsMatchNotFound(err error) bool { return CodeOf(err) == CodeMatchNotFound }

// IsStructuralViolation reports whether err is a STRUCTURAL_VIOLATION.
func IsStructuralViolation(err error) bool { return CodeOf(err) == CodeStructuralViolation }

// IsConflict reports whether err is a CONFLICT.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsIntegrityError reports whether err is an INTEGRITY_ERROR.
func IsIntegrityError(err error) bool { return CodeOf(err) == CodeIntegrity }

// IsNonTermination reports whether err is a NON_TERMINATION.
func IsNonTermination(err error) bool { return CodeOf(err) == CodeNonTermination }

// IsTimeout reports whether err is a TIMEOUT.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsCancelled reports whether err is a CANCELLED.
func IsCancelled(err error) bool { return CodeOf(err) == CodeCancelled }

// IsNotFound reports whether err is a NOT_FOUND.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// ValidationError reports one problem found while validating authored IR.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
