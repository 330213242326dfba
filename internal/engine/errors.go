package engine

import (
	"errors"
	"fmt"

	"missionproof/internal/repo"
	"missionproof/internal/submission"
)

// ValidationError is a user-correctable input problem. It is reported
// inline and never logged as a fault.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Message)
}

func invalidInput(reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func fromSubmission(err error) error {
	var serr *submission.Error
	if errors.As(err, &serr) {
		return &ValidationError{Reason: string(serr.Reason), Message: serr.Message}
	}
	return err
}

// Conflict codes.
const (
	ConflictAlreadyVerified = "already_verified"
	ConflictAlreadyFlagged  = "already_flagged"
	ConflictNotFlagged      = "not_flagged"
	ConflictNotPending      = "not_pending"
	ConflictSuperseded      = "superseded"
	ConflictAlreadyReviewed = "already_reviewed"
)

// ConflictError reports a request that contradicts current state. Callers
// should not retry it unchanged.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func conflict(code, format string, args ...any) *ConflictError {
	return &ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TransientStoreError wraps a store failure the caller may retry.
type TransientStoreError struct {
	Err error
}

func (e *TransientStoreError) Error() string {
	return "store temporarily unavailable: " + e.Err.Error()
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// storeErr classifies lock contention as transient and passes everything
// else through.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var terr *TransientStoreError
	if errors.As(err, &terr) {
		return err
	}
	if repo.IsBusy(err) {
		return &TransientStoreError{Err: err}
	}
	return err
}
