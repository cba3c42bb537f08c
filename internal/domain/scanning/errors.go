package scanning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrScanNotFound is returned when a scan does not exist.
	ErrScanNotFound = errors.New("scan not found")

	// ErrFindingNotFound is returned when a finding does not exist.
	ErrFindingNotFound = errors.New("finding not found")

	// ErrInvalidTransition is returned when a status change violates the scan
	// lifecycle or the stored status no longer matches the expected one.
	ErrInvalidTransition = errors.New("invalid scan status transition")

	// ErrScanAlreadyClaimed is returned when a worker tries to claim a scan
	// that is no longer queued.
	ErrScanAlreadyClaimed = errors.New("scan already claimed")

	// ErrFindingsAlreadyPersisted is returned when a second finding batch is
	// written for the same scan.
	ErrFindingsAlreadyPersisted = errors.New("findings already persisted for scan")
)

// ValidationError reports bad input. Nothing is changed when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusConflictError is returned by a guarded update when the stored status
// differs from the expected one.
type StatusConflictError struct {
	ScanID   uuid.UUID
	Expected ScanStatus
	Actual   ScanStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("scan %s: expected status %s, found %s", e.ScanID, e.Expected, e.Actual)
}

// Is makes the conflict match ErrInvalidTransition, and ErrScanAlreadyClaimed
// when the caller expected a queued scan.
func (e *StatusConflictError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return true
	case ErrScanAlreadyClaimed:
		return e.Expected == ScanStatusQueued
	default:
		return false
	}
}

// EnqueueError means the scan was created but its job could not be queued.
// The scan is left queued for the reconciler.
type EnqueueError struct {
	ScanID uuid.UUID
	Err    error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue job for scan %s: %v", e.ScanID, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// AnalysisError is a processing phase failure.
type AnalysisError struct {
	ScanID uuid.UUID
	Phase  Phase
	Err    error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("scan %s failed during %s: %v", e.ScanID, e.Phase, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure of the scan store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// permanentError marks a job failure the queue must not retry.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so job queues stop retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
