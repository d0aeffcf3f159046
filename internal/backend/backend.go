// Package backend defines the small capability dispatchd requires of a
// downstream system, plus the classifier that turns a raw reply into a
// workitem.Outcome: callers pass a value satisfying a one-method
// capability, built with an adapter at the call site.
package backend

import (
	"context"
	"errors"
)

// Backend accepts a request and eventually yields a raw reply or an
// error. The context carries the work item's deadline; Do must return
// once ctx is done rather than block past it.
type Backend interface {
	Do(ctx context.Context, req any) (reply any, err error)
}

// Func adapts a plain function to the Backend interface.
type Func func(ctx context.Context, req any) (any, error)

func (f Func) Do(ctx context.Context, req any) (any, error) { return f(ctx, req) }

// fatalError marks a backend error as non-retryable. isFatal finds it
// with errors.As, so it is still recognized when wrapped further.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so DefaultChecker classifies it as non-retryable.
func Fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
