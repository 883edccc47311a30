package rateio

import (
	"errors"
	"fmt"
)

const (
	CodeSchema       = "E_SCHEMA"
	CodeUnmatchedKey = "E_UNMATCHED_KEY"
	CodeComputation  = "E_COMPUTATION"
	CodeConservation = "E_CONSERVATION"
	CodeConfig       = "E_CONFIG"
)

// Error wraps allocation failures with the stage that raised them.
// Allocation is deterministic, so nothing here is retryable; the caller
// aborts the run on the first error it sees.
type Error struct {
	Code  string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Stage != "" && e.Err != nil:
		return fmt.Sprintf("%s [stage %s]: %v", e.Code, e.Stage, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("%s [stage %s]", e.Code, e.Stage)
	}
	return e.Code
}

func (e *Error) Unwrap() error     { return e.Err }
func (e *Error) CodeValue() string { return e.Code }

// NewError builds a coded error for the named stage or table.
func NewError(code, stage, format string, args ...any) *Error {
	return &Error{Code: code, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a code and stage to an existing error.
func WrapError(code, stage string, err error) *Error {
	return &Error{Code: code, Stage: stage, Err: err}
}

func errorf(code, stage, format string, args ...any) *Error {
	return NewError(code, stage, format, args...)
}

func wrapError(code, stage string, err error) *Error {
	return WrapError(code, stage, err)
}

// CodeOf extracts the allocation error code, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
