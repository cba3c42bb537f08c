// Package storetest holds the behavioral tests every scanning.ScanRepository
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

// Factory returns a fresh, empty repository for a single test.
type Factory func(t *testing.T) scanning.ScanRepository

// now is truncated to the precision Postgres stores.
func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func newQueuedScan(t *testing.T, ctx context.Context, repo scanning.ScanRepository, createdAt time.Time) *scanning.Scan {
	t.Helper()
	scan := scanning.NewScan(scanning.ScanRequest{RepoURL: "https://x/y", Branch: "main"}, createdAt)
	require.NoError(t, repo.CreateScan(ctx, scan))
	return scan
}

func claim(t *testing.T, ctx context.Context, repo scanning.ScanRepository, scan *scanning.Scan, at time.Time) *scanning.Scan {
	t.Helper()
	upd, err := scan.Start(at)
	require.NoError(t, err)
	stored, err := repo.UpdateScanStatus(ctx, upd)
	require.NoError(t, err)
	return stored
}

func drafts() []scanning.FindingDraft {
	return []scanning.FindingDraft{
		{Severity: scanning.SeverityLow, Confidence: 70, FilePath: "a.ts", LineStart: 1, LineEnd: 2, LawSection: "s.1"},
		{Severity: scanning.SeverityCritical, Confidence: 95, FilePath: "b.ts", LineStart: 3, LineEnd: 3, LawSection: "s.2"},
		{Severity: scanning.SeverityMedium, Confidence: 80, FilePath: "a.ts", LineStart: 9, LineEnd: 12, LawSection: "s.3"},
	}
}

// RunScanRepositoryTests exercises the full ScanRepository contract.
func RunScanRepositoryTests(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		created := now()
		scan := newQueuedScan(t, ctx, repo, created)

		loaded, err := repo.GetScan(ctx, scan.ID())
		require.NoError(t, err)
		assert.Equal(t, scan.ID(), loaded.ID())
		assert.Equal(t, "https://x/y", loaded.RepoURL())
		assert.Equal(t, "main", loaded.Branch())
		assert.Equal(t, scanning.ScanStatusQueued, loaded.Status())
		assert.Nil(t, loaded.StartedAt())
		assert.Nil(t, loaded.FinishedAt())
		assert.Nil(t, loaded.CoveragePct())
		assert.True(t, created.Equal(loaded.CreatedAt()))
	})

	t.Run("GetScanNotFound", func(t *testing.T) {
		_, err := factory(t).GetScan(context.Background(), uuid.New())
		assert.ErrorIs(t, err, scanning.ErrScanNotFound)
	})

	t.Run("ClaimIsGuarded", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		scan := newQueuedScan(t, ctx, repo, now())
		startedAt := now()

		stored := claim(t, ctx, repo, scan.Clone(), startedAt)
		assert.Equal(t, scanning.ScanStatusRunning, stored.Status())
		require.NotNil(t, stored.StartedAt())
		assert.True(t, startedAt.Equal(*stored.StartedAt()))

		upd, err := scan.Clone().Start(startedAt.Add(time.Minute))
		require.NoError(t, err)
		_, err = repo.UpdateScanStatus(ctx, upd)
		var conflict *scanning.StatusConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, scanning.ScanStatusRunning, conflict.Actual)
		assert.ErrorIs(t, err, scanning.ErrScanAlreadyClaimed)

		loaded, err := repo.GetScan(ctx, scan.ID())
		require.NoError(t, err)
		assert.True(t, startedAt.Equal(*loaded.StartedAt()), "startedAt must be written once")
	})

	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		scan := newQueuedScan(t, ctx, repo, now())

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				upd, err := scan.Clone().Start(now())
				if err != nil {
					return
				}
				if _, err := repo.UpdateScanStatus(ctx, upd); err == nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("UpdateMissingScan", func(t *testing.T) {
		ts := now()
		_, err := factory(t).UpdateScanStatus(context.Background(), scanning.StatusUpdate{
			ScanID: uuid.New(), From: scanning.ScanStatusQueued, To: scanning.ScanStatusRunning, StartedAt: &ts,
		})
		assert.ErrorIs(t, err, scanning.ErrScanNotFound)
	})

	t.Run("RejectsIllegalTransition", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		scan := newQueuedScan(t, ctx, repo, now())
		ts := now()

		_, err := repo.UpdateScanStatus(ctx, scanning.StatusUpdate{
			ScanID: scan.ID(), From: scanning.ScanStatusQueued, To: scanning.ScanStatusFailed, FinishedAt: &ts,
		})
		assert.ErrorIs(t, err, scanning.ErrInvalidTransition)

		loaded, err := repo.GetScan(ctx, scan.ID())
		require.NoError(t, err)
		assert.Equal(t, scanning.ScanStatusQueued, loaded.Status())
	})

	t.Run("FindingsAndCompletion", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		scan := newQueuedScan(t, ctx, repo, now())
		running := claim(t, ctx, repo, scan, now())

		findings, err := scanning.NewFindings(scan.ID(), drafts(), now())
		require.NoError(t, err)
		require.NoError(t, repo.InsertFindings(ctx, scan.ID(), findings))

		err = repo.InsertFindings(ctx, scan.ID(), findings)
		assert.ErrorIs(t, err, scanning.ErrFindingsAlreadyPersisted)

		listed, err := repo.ListFindings(ctx, scan.ID())
		require.NoError(t, err)
		require.Len(t, listed, 3)
		for i := range findings {
			assert.Equal(t, findings[i].ID, listed[i].ID)
			assert.Equal(t, findings[i].FilePath, listed[i].FilePath)
			assert.Equal(t, findings[i].Severity, listed[i].Severity)
			assert.Equal(t, scan.ID(), listed[i].ScanID)
		}

		finishedAt := now()
		upd, err := running.Complete(finishedAt, 72.5)
		require.NoError(t, err)
		done, err := repo.UpdateScanStatus(ctx, upd)
		require.NoError(t, err)
		assert.Equal(t, scanning.ScanStatusCompleted, done.Status())
		require.NotNil(t, done.CoveragePct())
		assert.Equal(t, 72.5, *done.CoveragePct())
		assert.True(t, finishedAt.Equal(*done.FinishedAt()))

		fail, err := done.Clone().Fail(now())
		assert.ErrorIs(t, err, scanning.ErrInvalidTransition)
		assert.Empty(t, fail.ScanID)

		_, err = repo.UpdateScanStatus(ctx, scanning.StatusUpdate{
			ScanID: scan.ID(), From: scanning.ScanStatusRunning, To: scanning.ScanStatusFailed, FinishedAt: &finishedAt,
		})
		assert.ErrorIs(t, err, scanning.ErrInvalidTransition)

		bins := scanning.Aggregate(listed)
		require.Len(t, bins, 2)
		assert.Equal(t, scanning.HeatBin{File: "a.ts", FindingCount: 2, Severity: scanning.SeverityMedium}, bins[0])
	})

	t.Run("InsertFindingsRequiresRunning", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		scan := newQueuedScan(t, ctx, repo, now())

		findings, err := scanning.NewFindings(scan.ID(), drafts(), now())
		require.NoError(t, err)

		err = repo.InsertFindings(ctx, scan.ID(), findings)
		assert.ErrorIs(t, err, scanning.ErrInvalidTransition)

		err = repo.InsertFindings(ctx, uuid.New(), findings)
		assert.ErrorIs(t, err, scanning.ErrScanNotFound)

		listed, err := repo.ListFindings(ctx, scan.ID())
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("GetFinding", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		scan := newQueuedScan(t, ctx, repo, now())
		claim(t, ctx, repo, scan, now())

		findings, err := scanning.NewFindings(scan.ID(), drafts(), now())
		require.NoError(t, err)
		require.NoError(t, repo.InsertFindings(ctx, scan.ID(), findings))

		got, err := repo.GetFinding(ctx, findings[1].ID)
		require.NoError(t, err)
		assert.Equal(t, findings[1].ID, got.ID)
		assert.Equal(t, scanning.SeverityCritical, got.Severity)
		assert.Equal(t, 95, got.Confidence)
		assert.Equal(t, "s.2", got.LawSection)

		_, err = repo.GetFinding(ctx, uuid.New())
		assert.ErrorIs(t, err, scanning.ErrFindingNotFound)
	})

	t.Run("ListScansNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		base := now()
		var ids []uuid.UUID
		for i := range 5 {
			ids = append(ids, newQueuedScan(t, ctx, repo, base.Add(time.Duration(i)*time.Second)).ID())
		}

		scans, err := repo.ListScans(ctx, 3)
		require.NoError(t, err)
		require.Len(t, scans, 3)
		assert.Equal(t, ids[4], scans[0].ID())
		assert.Equal(t, ids[3], scans[1].ID())
		assert.Equal(t, ids[2], scans[2].ID())
	})

	t.Run("SweepQueries", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		base := now().Add(-time.Hour)

		oldQueued := newQueuedScan(t, ctx, repo, base)
		newQueuedScan(t, ctx, repo, now())
		oldRunning := newQueuedScan(t, ctx, repo, base)
		claim(t, ctx, repo, oldRunning, base.Add(time.Minute))
		freshRunning := newQueuedScan(t, ctx, repo, base)
		claim(t, ctx, repo, freshRunning, now())

		cutoff := now().Add(-10 * time.Minute)

		orphans, err := repo.ListOrphanedScans(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, oldQueued.ID(), orphans[0].ID())

		stale, err := repo.ListStaleRunningScans(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, oldRunning.ID(), stale[0].ID())
	})

	t.Run("EnqueuedScansAreNotOrphans", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		base := now().Add(-time.Hour)

		enqueued := newQueuedScan(t, ctx, repo, base)
		lost := newQueuedScan(t, ctx, repo, base.Add(time.Second))

		require.NoError(t, repo.MarkScanEnqueued(ctx, enqueued.ID(), base.Add(time.Millisecond)))
		require.NoError(t, repo.MarkScanEnqueued(ctx, enqueued.ID(), now()))

		orphans, err := repo.ListOrphanedScans(ctx, now().Add(-10*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, lost.ID(), orphans[0].ID())

		got, err := repo.GetScan(ctx, enqueued.ID())
		require.NoError(t, err)
		assert.Equal(t, scanning.ScanStatusQueued, got.Status())

		assert.ErrorIs(t, repo.MarkScanEnqueued(ctx, uuid.New(), now()), scanning.ErrScanNotFound)
	})

	t.Run("EnqueueFailuresAccumulate", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)
		scan := newQueuedScan(t, ctx, repo, now())

		for want := 1; want <= 3; want++ {
			got, err := repo.RecordEnqueueFailure(ctx, scan.ID())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		_, err := repo.RecordEnqueueFailure(ctx, uuid.New())
		assert.ErrorIs(t, err, scanning.ErrScanNotFound)
	})

	t.Run("Stats", func(t *testing.T) {
		ctx := context.Background()
		repo := factory(t)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, scanning.ScanStats{}, stats)

		newQueuedScan(t, ctx, repo, now())
		s := newQueuedScan(t, ctx, repo, now())
		running := claim(t, ctx, repo, s, now())
		findings, err := scanning.NewFindings(s.ID(), drafts(), now())
		require.NoError(t, err)
		require.NoError(t, repo.InsertFindings(ctx, s.ID(), findings))
		upd, err := running.Complete(now(), 50)
		require.NoError(t, err)
		_, err = repo.UpdateScanStatus(ctx, upd)
		require.NoError(t, err)

		stats, err = repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalScans)
		assert.Equal(t, int64(1), stats.CompletedScans)
		assert.Equal(t, int64(0), stats.FailedScans)
		assert.Equal(t, int64(3), stats.TotalFindings)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := factory(t).GetScan(ctx, uuid.New())
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, scanning.ErrScanNotFound))
	})
}
