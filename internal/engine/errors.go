package engine

import (
	"errors"
	"fmt"
)

// ErrSessionLost is recorded when the backend no longer knows the job.
var ErrSessionLost = errors.New("Job session was lost. This can happen if the backend was restarted. Please try generating again.")

// BusyError signals that the single active slot is occupied. Reason names
// the blocking operation.
type BusyError struct {
	Reason string
	ETA    *ETAWindow
}

func (e *BusyError) Error() string { return "busy: " + e.Reason }

// IsBusy reports whether err was rejected by admission.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}

// InvalidTransitionError rejects an action that is not valid in the current
// state.
type InvalidTransitionError struct {
	Op     string
	From   string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s from %s: %s", e.Op, e.From, e.Reason)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ie *InvalidTransitionError
	return errors.As(err, &ie)
}

func invalid(op, from, reason string) error {
	return &InvalidTransitionError{Op: op, From: from, Reason: reason}
}

// SubmissionError wraps a rejected upload, generate or retexture request.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string { return e.Op + " failed: " + e.Err.Error() }

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsSubmission reports whether err is a SubmissionError.
func IsSubmission(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}
