package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSubmission means the period was already recorded for the session key; use the edit flow.
	ErrDuplicateSubmission = errors.New("attendance already recorded for this period")
	// ErrOutOfSequence means the previous period has not been recorded yet.
	ErrOutOfSequence = errors.New("previous period not recorded")
	// ErrEditWindowExpired means the entry is older than the edit window.
	ErrEditWindowExpired = errors.New("edit window expired")
	// ErrNotFound means no matching projection or ledger entry exists.
	ErrNotFound = errors.New("attendance not found")
	// ErrMalformedDateRange means a custom range could not be parsed.
	ErrMalformedDateRange = errors.New("malformed date range")
	// ErrStorageFailure wraps transient store errors. The engine never retries them.
	ErrStorageFailure = errors.New("storage failure")
	// ErrInvalidInput means the payload failed basic checks.
	ErrInvalidInput = errors.New("invalid input")
)

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrDuplicateSubmission) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}
