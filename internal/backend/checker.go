package backend

import "github.com/nrayfield/dispatchd/internal/workitem"

// Checker classifies a backend attempt's outcome: success, a
// classified application failure, or unrecognized (never retried).
type Checker interface {
	Classify(reply any, err error) workitem.Outcome
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc func(reply any, err error) workitem.Outcome

func (f CheckerFunc) Classify(reply any, err error) workitem.Outcome { return f(reply, err) }

// DefaultChecker implements the minimal policy for a caller with no
// richer reply shape to inspect: any error not wrapped with Fatal is
// retryable, a nil reply with no error is unrecognized (the backend
// claims success but sent nothing to act on), and anything else is a
// success.
type DefaultChecker struct{}

// NewDefaultChecker returns the zero-value DefaultChecker.
func NewDefaultChecker() DefaultChecker { return DefaultChecker{} }

func (DefaultChecker) Classify(reply any, err error) workitem.Outcome {
	if err != nil {
		return workitem.ApplicationFailure(err.Error(), !isFatal(err))
	}
	if reply == nil {
		return workitem.Unrecognized(reply)
	}
	return workitem.Success(reply)
}
