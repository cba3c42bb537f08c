package scanning

import "fmt"

// ScanStatus represents the lifecycle state of a compliance scan. A scan
// starts queued, is claimed by exactly one worker and then ends in one of
// the two terminal states.
type ScanStatus string

const (
	// ScanStatusQueued indicates the scan was accepted and a job was (or will be)
	// enqueued for it.
	ScanStatusQueued ScanStatus = "queued"

	// ScanStatusRunning indicates a worker claimed the scan and is executing it.
	ScanStatusRunning ScanStatus = "running"

	// ScanStatusCompleted indicates the scan finished and its findings are stored.
	ScanStatusCompleted ScanStatus = "completed"

	// ScanStatusFailed indicates the scan hit an unrecoverable error.
	ScanStatusFailed ScanStatus = "failed"
)

func (s ScanStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// Valid reports whether s is a known status.
func (s ScanStatus) Valid() bool {
	switch s {
	case ScanStatusQueued, ScanStatusRunning, ScanStatusCompleted, ScanStatusFailed:
		return true
	default:
		return false
	}
}

// ParseScanStatus converts a stored or user supplied value into a ScanStatus.
func ParseScanStatus(s string) (ScanStatus, error) {
	status := ScanStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown scan status %q", s)
	}
	return status, nil
}

// ValidateTransition reports whether moving from the current status to the
// target status is allowed.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition encodes queued -> running -> {completed | failed}.
func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case ScanStatusQueued:
		return target == ScanStatusRunning
	case ScanStatusRunning:
		return target == ScanStatusCompleted || target == ScanStatusFailed
	case ScanStatusCompleted, ScanStatusFailed:
		return false
	default:
		return false
	}
}
