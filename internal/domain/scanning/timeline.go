package scanning

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// DefaultTimeProvider returns the wall clock in UTC.
func DefaultTimeProvider() TimeProvider { return realTimeProvider{} }

// Timeline tracks the temporal aspects of a scan. startedAt and finishedAt
// are each set exactly once.
type Timeline struct {
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
}

// NewTimeline creates a Timeline for a scan accepted at createdAt.
func NewTimeline(createdAt time.Time) *Timeline {
	return &Timeline{createdAt: createdAt}
}

// ReconstructTimeline rebuilds a Timeline from persisted values.
func ReconstructTimeline(createdAt time.Time, startedAt, finishedAt *time.Time) *Timeline {
	return &Timeline{createdAt: createdAt, startedAt: startedAt, finishedAt: finishedAt}
}

// CreatedAt returns when the scan was accepted.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns when a worker claimed the scan, or nil.
func (t *Timeline) StartedAt() *time.Time { return t.startedAt }

// FinishedAt returns when the scan reached a terminal state, or nil.
func (t *Timeline) FinishedAt() *time.Time { return t.finishedAt }

// MarkStarted records the start time unless one is already recorded and
// returns the effective value.
func (t *Timeline) MarkStarted(at time.Time) time.Time {
	if t.startedAt == nil {
		if at.Before(t.createdAt) {
			at = t.createdAt
		}
		t.startedAt = &at
	}
	return *t.startedAt
}

// MarkFinished records the finish time unless one is already recorded. The
// finish time never precedes the start time.
func (t *Timeline) MarkFinished(at time.Time) time.Time {
	if t.finishedAt == nil {
		if t.startedAt != nil && at.Before(*t.startedAt) {
			at = *t.startedAt
		}
		t.finishedAt = &at
	}
	return *t.finishedAt
}

// Duration returns how long the scan ran, or zero if it has not finished.
func (t *Timeline) Duration() time.Duration {
	if t.startedAt == nil || t.finishedAt == nil {
		return 0
	}
	return t.finishedAt.Sub(*t.startedAt)
}
