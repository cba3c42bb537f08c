package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScanStats summarizes the contents of the scan store.
type ScanStats struct {
	TotalScans     int64
	CompletedScans int64
	FailedScans    int64
	TotalFindings  int64
}

// ScanRepository defines the persistence operations for scans and their
// findings. Implementations must apply status updates conditionally on the
// stored status and must write a finding batch atomically.
type ScanRepository interface {
	// CreateScan stores a new queued scan.
	CreateScan(ctx context.Context, scan *Scan) error

	// UpdateScanStatus applies a guarded transition and returns the stored
	// scan after the update. It returns a StatusConflictError when the stored
	// status is not upd.From and ErrScanNotFound when the scan is missing.
	UpdateScanStatus(ctx context.Context, upd StatusUpdate) (*Scan, error)

	// GetScan retrieves a scan by ID.
	GetScan(ctx context.Context, id uuid.UUID) (*Scan, error)

	// InsertFindings writes the complete finding batch of a running scan in
	// a single transaction. A second batch for the same scan is rejected with
	// ErrFindingsAlreadyPersisted.
	InsertFindings(ctx context.Context, scanID uuid.UUID, findings []Finding) error

	// ListFindings returns a scan's findings in the order they were produced.
	ListFindings(ctx context.Context, scanID uuid.UUID) ([]Finding, error)

	// GetFinding retrieves a single finding by ID.
	GetFinding(ctx context.Context, id uuid.UUID) (*Finding, error)

	// ListScans returns up to limit scans, newest first.
	ListScans(ctx context.Context, limit int) ([]*Scan, error)

	// MarkScanEnqueued records that the scan's job reached the queue. Marked
	// scans are never reported as orphaned. Marking an already marked scan
	// keeps the first time.
	MarkScanEnqueued(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordEnqueueFailure counts a failed attempt to enqueue the scan's job
	// and returns the number of failed attempts so far.
	RecordEnqueueFailure(ctx context.Context, id uuid.UUID) (int, error)

	// ListOrphanedScans returns queued scans created before the cutoff whose
	// job was never successfully enqueued, oldest first.
	ListOrphanedScans(ctx context.Context, createdBefore time.Time, limit int) ([]*Scan, error)

	// ListStaleRunningScans returns running scans started before the cutoff,
	// oldest first.
	ListStaleRunningScans(ctx context.Context, startedBefore time.Time, limit int) ([]*Scan, error)

	// Stats returns aggregate counts across all scans.
	Stats(ctx context.Context) (ScanStats, error)
}
