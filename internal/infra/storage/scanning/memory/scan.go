// Package memory provides an in-memory scan store for tests and for running
// the API and worker in a single process without Postgres.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

var _ scanning.ScanRepository = (*ScanStore)(nil)

// ScanStore is a mutex-guarded scanning.ScanRepository. Every value handed
// in or out is copied so callers never alias stored state.
type ScanStore struct {
	mu       sync.RWMutex
	scans    map[uuid.UUID]*scanning.Scan
	order    []uuid.UUID
	findings map[uuid.UUID][]scanning.Finding
	byID     map[uuid.UUID]scanning.Finding

	enqueuedAt      map[uuid.UUID]time.Time
	enqueueFailures map[uuid.UUID]int
}

// NewScanStore creates an empty store.
func NewScanStore() *ScanStore {
	return &ScanStore{
		scans:    make(map[uuid.UUID]*scanning.Scan),
		findings: make(map[uuid.UUID][]scanning.Finding),
		byID:     make(map[uuid.UUID]scanning.Finding),

		enqueuedAt:      make(map[uuid.UUID]time.Time),
		enqueueFailures: make(map[uuid.UUID]int),
	}
}

// CreateScan stores a new scan.
func (s *ScanStore) CreateScan(ctx context.Context, scan *scanning.Scan) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scans[scan.ID()]; exists {
		return fmt.Errorf("scan %s already exists", scan.ID())
	}
	s.scans[scan.ID()] = scan.Clone()
	s.order = append(s.order, scan.ID())
	return nil
}

// UpdateScanStatus applies a guarded transition.
func (s *ScanStore) UpdateScanStatus(ctx context.Context, upd scanning.StatusUpdate) (*scanning.Scan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[upd.ScanID]
	if !ok {
		return nil, scanning.ErrScanNotFound
	}
	if scan.Status() != upd.From {
		return nil, &scanning.StatusConflictError{ScanID: upd.ScanID, Expected: upd.From, Actual: scan.Status()}
	}

	scan.Apply(upd)
	return scan.Clone(), nil
}

// GetScan retrieves a scan by ID.
func (s *ScanStore) GetScan(ctx context.Context, id uuid.UUID) (*scanning.Scan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scan, ok := s.scans[id]
	if !ok {
		return nil, scanning.ErrScanNotFound
	}
	return scan.Clone(), nil
}

// InsertFindings stores the finding batch of a running scan. The batch is
// installed under a single lock so readers see all of it or none of it.
func (s *ScanStore) InsertFindings(ctx context.Context, scanID uuid.UUID, findings []scanning.Finding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[scanID]
	if !ok {
		return scanning.ErrScanNotFound
	}
	if scan.Status() != scanning.ScanStatusRunning {
		return &scanning.StatusConflictError{
			ScanID:   scanID,
			Expected: scanning.ScanStatusRunning,
			Actual:   scan.Status(),
		}
	}
	if _, exists := s.findings[scanID]; exists {
		return scanning.ErrFindingsAlreadyPersisted
	}

	batch := slices.Clone(findings)
	for i := range batch {
		batch[i].ScanID = scanID
		s.byID[batch[i].ID] = batch[i]
	}
	s.findings[scanID] = batch
	return nil
}

// ListFindings returns a scan's findings in production order.
func (s *ScanStore) ListFindings(ctx context.Context, scanID uuid.UUID) ([]scanning.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.findings[scanID])
	if out == nil {
		out = make([]scanning.Finding, 0)
	}
	return out, nil
}

// GetFinding retrieves a finding by ID.
func (s *ScanStore) GetFinding(ctx context.Context, id uuid.UUID) (*scanning.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.byID[id]
	if !ok {
		return nil, scanning.ErrFindingNotFound
	}
	return &f, nil
}

// ListScans returns up to limit scans, newest first.
func (s *ScanStore) ListScans(ctx context.Context, limit int) ([]*scanning.Scan, error) {
	return s.filter(ctx, limit, func(*scanning.Scan) bool { return true }, func(a, b *scanning.Scan) int {
		return b.CreatedAt().Compare(a.CreatedAt())
	})
}

// MarkScanEnqueued records when the scan's job reached the queue.
func (s *ScanStore) MarkScanEnqueued(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[id]; !ok {
		return scanning.ErrScanNotFound
	}
	if _, marked := s.enqueuedAt[id]; !marked {
		s.enqueuedAt[id] = at
	}
	return nil
}

// RecordEnqueueFailure counts a failed enqueue of the scan's job.
func (s *ScanStore) RecordEnqueueFailure(ctx context.Context, id uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[id]; !ok {
		return 0, scanning.ErrScanNotFound
	}
	s.enqueueFailures[id]++
	return s.enqueueFailures[id], nil
}

// ListOrphanedScans returns unmarked queued scans created before the cutoff,
// oldest first.
func (s *ScanStore) ListOrphanedScans(ctx context.Context, createdBefore time.Time, limit int) ([]*scanning.Scan, error) {
	return s.filter(ctx, limit,
		func(sc *scanning.Scan) bool {
			_, marked := s.enqueuedAt[sc.ID()]
			return !marked && sc.Status() == scanning.ScanStatusQueued && sc.CreatedAt().Before(createdBefore)
		},
		func(a, b *scanning.Scan) int { return a.CreatedAt().Compare(b.CreatedAt()) },
	)
}

// ListStaleRunningScans returns running scans started before the cutoff, oldest first.
func (s *ScanStore) ListStaleRunningScans(ctx context.Context, startedBefore time.Time, limit int) ([]*scanning.Scan, error) {
	return s.filter(ctx, limit,
		func(sc *scanning.Scan) bool {
			return sc.Status() == scanning.ScanStatusRunning && sc.StartedAt().Before(startedBefore)
		},
		func(a, b *scanning.Scan) int { return a.StartedAt().Compare(*b.StartedAt()) },
	)
}

func (s *ScanStore) filter(
	ctx context.Context,
	limit int,
	keep func(*scanning.Scan) bool,
	cmp func(a, b *scanning.Scan) int,
) ([]*scanning.Scan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*scanning.Scan, 0)
	for _, id := range s.order {
		if sc := s.scans[id]; keep(sc) {
			out = append(out, sc.Clone())
		}
	}
	slices.SortStableFunc(out, cmp)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats returns aggregate counts.
func (s *ScanStore) Stats(ctx context.Context) (scanning.ScanStats, error) {
	if err := ctx.Err(); err != nil {
		return scanning.ScanStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := scanning.ScanStats{TotalScans: int64(len(s.scans)), TotalFindings: int64(len(s.byID))}
	for _, sc := range s.scans {
		switch sc.Status() {
		case scanning.ScanStatusCompleted:
			stats.CompletedScans++
		case scanning.ScanStatusFailed:
			stats.FailedScans++
		}
	}
	return stats, nil
}
