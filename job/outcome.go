package job

import (
	"context"
	"errors"
)

// Outcome classifies the result of one executor call.
type Outcome string

const (
	// OutcomeSuccess means the action was performed.
	OutcomeSuccess Outcome = "success"
	// OutcomeTransient means the action failed in a retryable way
	// (timeout, upstream rate limit, 5xx).
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent means the action can never succeed
	// (invalid target, revoked credential).
	OutcomePermanent Outcome = "permanent"
)

// classifiedError wraps an executor error with its outcome class.
type classifiedError struct {
	outcome Outcome
	err     error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Permanent marks err as a permanent failure. The job transitions straight
// to failed regardless of its remaining retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{outcome: OutcomePermanent, err: err}
}

// Transient marks err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{outcome: OutcomeTransient, err: err}
}

// Classify returns the outcome class for an executor error. A nil error is
// success. Deadline expiry is transient. Unclassified errors default to
// transient so that a forgotten wrap never burns a job permanently.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.outcome
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}

	return OutcomeTransient
}
