package expr

import (
	"errors"
	"fmt"
)

// ErrInvalidExpression is matched by errors.Is for every parse-time rejection.
var ErrInvalidExpression = errors.New("invalid expression")

// ErrDivisionByZero is returned when an expression divides by zero at evaluation time.
var ErrDivisionByZero = errors.New("division by zero")

// InvalidExpressionError reports a construct outside the allowed grammar.
// It is always raised while compiling, never while evaluating.
type InvalidExpressionError struct {
	// Expression is the full source text
	Expression string
	// Position is the byte offset of the offending token
	Position int
	// Token is the offending token text (empty at end of input)
	Token string
	// Reason describes what was rejected
	Reason string
}

// Error implements the error interface.
func (e *InvalidExpressionError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("invalid expression at position %d: %s", e.Position, e.Reason)
	}
	return fmt.Sprintf("invalid expression at position %d near %q: %s", e.Position, e.Token, e.Reason)
}

// Is implements error matching for errors.Is().
func (e *InvalidExpressionError) Is(target error) bool {
	return target == ErrInvalidExpression
}

// EvaluationError is returned when a compiled expression fails against a context,
// for example on a type mismatch in arithmetic or a regex timeout.
type EvaluationError struct {
	Expression string
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluating %q: %s: %v", e.Expression, e.Reason, e.Err)
	}
	return fmt.Sprintf("evaluating %q: %s", e.Expression, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// evalError is the internal error produced inside nodes before the
// expression source is attached.
type evalError struct {
	reason string
	err    error
}

func (e *evalError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *evalError) Unwrap() error { return e.err }

func errorf(format string, args ...interface{}) error {
	return &evalError{reason: fmt.Sprintf(format, args...)}
}
