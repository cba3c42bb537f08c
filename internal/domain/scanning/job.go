package scanning

import (
	"sync"

	"github.com/google/uuid"
)

// ScanQueue is the name of the queue that carries scan jobs.
const ScanQueue = "scans"

// Job is the queue envelope that triggers asynchronous processing of a scan.
// It is owned by the job queue and never persisted by the scan store.
type Job struct {
	ScanID  uuid.UUID `json:"scanId"`
	RepoURL string    `json:"repoUrl"`
	Branch  string    `json:"branch"`
	// Attempt counts deliveries of this job, starting at 1.
	Attempt int `json:"attempt"`
}

// Phase names a processing step of the worker.
type Phase string

// Processing phases in execution order.
const (
	PhaseInitialization     Phase = "initialization"
	PhaseScanStart          Phase = "scan_start"
	PhaseAnalysis           Phase = "analysis"
	PhaseFindingsGeneration Phase = "findings_generation"
	PhaseFindingsPersisted  Phase = "findings_persisted"
	PhaseFinalize           Phase = "finalize"
)

// Progress returns the progress percentage reported once the phase is done.
func (p Phase) Progress() int {
	switch p {
	case PhaseInitialization:
		return 10
	case PhaseScanStart:
		return 30
	case PhaseAnalysis:
		return 60
	case PhaseFindingsGeneration:
		return 80
	case PhaseFindingsPersisted:
		return 95
	case PhaseFinalize:
		return 100
	default:
		return 0
	}
}

// ProgressTracker keeps the highest progress seen per scan so readers never
// observe progress going backwards. It is safe for concurrent use.
type ProgressTracker struct {
	mu       sync.RWMutex
	progress map[uuid.UUID]int
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{progress: make(map[uuid.UUID]int)}
}

// Record stores pct for scanID if it is not lower than the current value.
// Values are clamped to [0,100]. It returns the effective progress and
// whether the value advanced or matched the current one.
func (t *ProgressTracker) Record(scanID uuid.UUID, pct int) (int, bool) {
	pct = max(0, min(100, pct))

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.progress[scanID]
	if ok && pct < cur {
		return cur, false
	}
	t.progress[scanID] = pct
	return pct, true
}

// Get returns the last recorded progress for scanID.
func (t *ProgressTracker) Get(scanID uuid.UUID) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pct, ok := t.progress[scanID]
	return pct, ok
}

// Forget drops the entry for scanID.
func (t *ProgressTracker) Forget(scanID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.progress, scanID)
}
