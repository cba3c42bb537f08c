package scanning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/analysis/fixture"
	"github.com/ahrav/compliance-armada/internal/infra/queue"
	memqueue "github.com/ahrav/compliance-armada/internal/infra/queue/memory"
	"github.com/ahrav/compliance-armada/internal/infra/storage/scanning/memory"
)

type workerSuite struct {
	repo   *memory.ScanStore
	clock  *stepClock
	worker *Worker
}

func newWorkerSuite(t *testing.T, analyzer scanning.Analyzer) *workerSuite {
	t.Helper()
	repo := memory.NewScanStore()
	clock := newStepClock()
	w := NewWorker(repo, analyzer, WorkerConfig{Concurrency: 2}, noopLogger(), testMetrics(t), testTracer(),
		WithWorkerClock(clock))
	return &workerSuite{repo: repo, clock: clock, worker: w}
}

func (s *workerSuite) get(t *testing.T, id uuid.UUID) *scanning.Scan {
	t.Helper()
	scan, err := s.repo.GetScan(context.Background(), id)
	require.NoError(t, err)
	return scan
}

func TestWorker_CompletesScan(t *testing.T) {
	t.Parallel()

	s := newWorkerSuite(t, &stubAnalyzer{drafts: testDrafts()})
	scan := seedScan(t, s.repo, s.clock)
	d := newDelivery(scan)

	require.NoError(t, s.worker.HandleJob(context.Background(), d))

	got := s.get(t, scan.ID())
	assert.Equal(t, scanning.ScanStatusCompleted, got.Status())
	require.NotNil(t, got.StartedAt())
	require.NotNil(t, got.FinishedAt())
	assert.False(t, got.FinishedAt().Before(*got.StartedAt()))
	require.NotNil(t, got.CoveragePct())
	assert.Equal(t, DefaultCoveragePct, *got.CoveragePct())

	assert.Equal(t, []int{10, 30, 60, 80, 95, 100}, d.reported())

	findings, err := s.repo.ListFindings(context.Background(), scan.ID())
	require.NoError(t, err)
	require.Len(t, findings, 3)
	for _, f := range findings {
		assert.Equal(t, scan.ID(), f.ScanID)
		assert.NotEqual(t, uuid.Nil, f.ID)
		assert.False(t, f.CreatedAt.IsZero())
	}
}

func TestWorker_UsesAnalyzerCoverage(t *testing.T) {
	t.Parallel()

	s := newWorkerSuite(t, &estimatingAnalyzer{stubAnalyzer: stubAnalyzer{drafts: testDrafts()}, coverage: 91})
	scan := seedScan(t, s.repo, s.clock)

	require.NoError(t, s.worker.HandleJob(context.Background(), newDelivery(scan)))

	got := s.get(t, scan.ID())
	require.NotNil(t, got.CoveragePct())
	assert.Equal(t, 91.0, *got.CoveragePct())
}

func TestWorker_CompletesScanWithoutFindings(t *testing.T) {
	t.Parallel()

	s := newWorkerSuite(t, &stubAnalyzer{})
	scan := seedScan(t, s.repo, s.clock)
	d := newDelivery(scan)

	require.NoError(t, s.worker.HandleJob(context.Background(), d))

	assert.Equal(t, scanning.ScanStatusCompleted, s.get(t, scan.ID()).Status())
	findings, err := s.repo.ListFindings(context.Background(), scan.ID())
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, 100, d.reported()[len(d.reported())-1])
}

func TestWorker_RedeliveryOfTerminalScanIsNoop(t *testing.T) {
	t.Parallel()

	analyzer := &stubAnalyzer{drafts: testDrafts()}
	s := newWorkerSuite(t, analyzer)
	scan := seedScan(t, s.repo, s.clock)

	require.NoError(t, s.worker.HandleJob(context.Background(), newDelivery(scan)))
	first := s.get(t, scan.ID())

	redelivered := newDelivery(scan)
	require.NoError(t, s.worker.HandleJob(context.Background(), redelivered))

	second := s.get(t, scan.ID())
	assert.Equal(t, scanning.ScanStatusCompleted, second.Status())
	assert.Equal(t, *first.FinishedAt(), *second.FinishedAt())
	assert.Equal(t, 1, analyzer.callCount())
	assert.Empty(t, redelivered.reported())

	findings, err := s.repo.ListFindings(context.Background(), scan.ID())
	require.NoError(t, err)
	assert.Len(t, findings, 3)
}

func TestWorker_ConcurrentDuplicateIsAcknowledged(t *testing.T) {
	t.Parallel()

	analyzer := &stubAnalyzer{drafts: testDrafts(), block: make(chan struct{})}
	s := newWorkerSuite(t, analyzer)
	scan := seedScan(t, s.repo, s.clock)

	done := make(chan error, 1)
	go func() { done <- s.worker.HandleJob(context.Background(), newDelivery(scan)) }()

	require.Eventually(t, func() bool { return analyzer.callCount() == 1 }, time.Second, time.Millisecond)

	// The first delivery holds the scan; a second one is acknowledged at once.
	require.NoError(t, s.worker.HandleJob(context.Background(), newDelivery(scan)))

	close(analyzer.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, analyzer.callCount())
	assert.Equal(t, scanning.ScanStatusCompleted, s.get(t, scan.ID()).Status())
}

func TestWorker_FailureMarksScanFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		analyzer     *stubAnalyzer
		insertErr    error
		completeErr  error
		wantPhase    scanning.Phase
		wantFindings int
	}{
		{
			name:      "analyzer error",
			analyzer:  &stubAnalyzer{err: errors.New("analysis backend unavailable")},
			wantPhase: scanning.PhaseAnalysis,
		},
		{
			name: "invalid finding draft",
			analyzer: &stubAnalyzer{drafts: []scanning.FindingDraft{
				{Severity: scanning.SeverityHigh, Confidence: 150, FilePath: "a.ts", LineStart: 1, LineEnd: 1},
			}},
			wantPhase: scanning.PhaseFindingsGeneration,
		},
		{
			name:      "analyzer panic",
			analyzer:  &stubAnalyzer{panic: true},
			wantPhase: scanning.PhaseAnalysis,
		},
		{
			name:      "findings insert fails",
			analyzer:  &stubAnalyzer{drafts: testDrafts()},
			insertErr: errStoreDown,
			wantPhase: scanning.PhaseFindingsPersisted,
		},
		{
			name:         "completion update fails",
			analyzer:     &stubAnalyzer{drafts: testDrafts()},
			completeErr:  errStoreDown,
			wantPhase:    scanning.PhaseFinalize,
			wantFindings: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := memory.NewScanStore()
			clock := newStepClock()
			repo := &flakyRepo{
				ScanStore: store,
				insertErr: tt.insertErr,
				updateErr: func(upd scanning.StatusUpdate) error {
					if upd.To == scanning.ScanStatusCompleted {
						return tt.completeErr
					}
					return nil
				},
			}
			w := NewWorker(repo, tt.analyzer, WorkerConfig{}, noopLogger(), testMetrics(t), testTracer(),
				WithWorkerClock(clock))
			scan := seedScan(t, store, clock)

			err := w.HandleJob(context.Background(), newDelivery(scan))
			require.Error(t, err)
			assert.True(t, scanning.IsPermanent(err))

			var aErr *scanning.AnalysisError
			require.ErrorAs(t, err, &aErr)
			assert.Equal(t, tt.wantPhase, aErr.Phase)
			if tt.insertErr != nil || tt.completeErr != nil {
				var pErr *scanning.PersistenceError
				require.ErrorAs(t, err, &pErr)
				assert.ErrorIs(t, err, errStoreDown)
			}

			got, err := store.GetScan(context.Background(), scan.ID())
			require.NoError(t, err)
			assert.Equal(t, scanning.ScanStatusFailed, got.Status())
			require.NotNil(t, got.FinishedAt())
			assert.Nil(t, got.CoveragePct())

			findings, err := store.ListFindings(context.Background(), scan.ID())
			require.NoError(t, err)
			assert.Len(t, findings, tt.wantFindings)

			// A retry of the failed job changes nothing.
			require.NoError(t, w.HandleJob(context.Background(), newDelivery(scan)))
			after, err := store.GetScan(context.Background(), scan.ID())
			require.NoError(t, err)
			assert.Equal(t, *got.FinishedAt(), *after.FinishedAt())
		})
	}
}

func newDrainingWorker(t *testing.T, analyzer scanning.Analyzer, drain time.Duration) *workerSuite {
	t.Helper()
	repo := memory.NewScanStore()
	clock := newStepClock()
	w := NewWorker(repo, analyzer, WorkerConfig{DrainTimeout: drain}, noopLogger(), testMetrics(t), testTracer(),
		WithWorkerClock(clock))
	return &workerSuite{repo: repo, clock: clock, worker: w}
}

func TestWorker_CancelledConsumerDrainsClaimedScan(t *testing.T) {
	t.Parallel()

	analyzer := &stubAnalyzer{drafts: testDrafts(), block: make(chan struct{})}
	s := newDrainingWorker(t, analyzer, 5*time.Second)
	scan := seedScan(t, s.repo, s.clock)
	d := newDelivery(scan)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.worker.HandleJob(ctx, d) }()

	require.Eventually(t, func() bool { return analyzer.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(analyzer.block)

	require.NoError(t, <-done)
	got := s.get(t, scan.ID())
	assert.Equal(t, scanning.ScanStatusCompleted, got.Status())
	assert.Equal(t, 100, d.reported()[len(d.reported())-1])

	findings, err := s.repo.ListFindings(context.Background(), scan.ID())
	require.NoError(t, err)
	assert.Len(t, findings, 3)
}

func TestWorker_DrainTimeoutFailsScan(t *testing.T) {
	t.Parallel()

	analyzer := &stubAnalyzer{block: make(chan struct{})}
	s := newDrainingWorker(t, analyzer, 20*time.Millisecond)
	scan := seedScan(t, s.repo, s.clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.worker.HandleJob(ctx, newDelivery(scan)) }()

	require.Eventually(t, func() bool { return analyzer.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan was not cancelled after the drain deadline")
	}
	require.Error(t, err)
	assert.True(t, scanning.IsPermanent(err))
	assert.ErrorIs(t, err, ErrDrainTimeout)

	var aErr *scanning.AnalysisError
	require.ErrorAs(t, err, &aErr)
	assert.Equal(t, scanning.PhaseAnalysis, aErr.Phase)

	got := s.get(t, scan.ID())
	assert.Equal(t, scanning.ScanStatusFailed, got.Status())
	require.NotNil(t, got.FinishedAt())
}

func TestWorker_CancelledBeforeClaimLeavesScanQueued(t *testing.T) {
	t.Parallel()

	analyzer := &stubAnalyzer{}
	s := newWorkerSuite(t, analyzer)
	scan := seedScan(t, s.repo, s.clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.worker.HandleJob(ctx, newDelivery(scan))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, scanning.IsPermanent(err))
	assert.Zero(t, analyzer.callCount())
	assert.Equal(t, scanning.ScanStatusQueued, s.get(t, scan.ID()).Status())
}

func TestWorker_RunFinishesInFlightScanOnShutdown(t *testing.T) {
	t.Parallel()

	analyzer := &stubAnalyzer{drafts: testDrafts(), block: make(chan struct{})}
	s := newDrainingWorker(t, analyzer, 5*time.Second)
	q := memqueue.New(memqueue.Config{}, noopLogger())
	defer q.Close()

	scan := seedScan(t, s.repo, s.clock)
	require.NoError(t, q.Enqueue(context.Background(), scanning.ScanQueue, scan.Job()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.worker.Run(ctx, q) }()

	require.Eventually(t, func() bool { return analyzer.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(analyzer.block)

	require.NoError(t, <-done)
	assert.Equal(t, scanning.ScanStatusCompleted, s.get(t, scan.ID()).Status())
}

func TestWorker_ProgressFailureDoesNotFailScan(t *testing.T) {
	t.Parallel()

	s := newWorkerSuite(t, &stubAnalyzer{drafts: testDrafts()})
	scan := seedScan(t, s.repo, s.clock)
	d := newDelivery(scan)
	d.err = errors.New("progress topic unavailable")

	require.NoError(t, s.worker.HandleJob(context.Background(), d))
	assert.Equal(t, scanning.ScanStatusCompleted, s.get(t, scan.ID()).Status())
}

func TestWorker_MissingScanIsPermanent(t *testing.T) {
	t.Parallel()

	s := newWorkerSuite(t, &stubAnalyzer{})
	d := &fakeDelivery{job: scanning.Job{ScanID: uuid.New(), RepoURL: "https://github.com/acme/x", Branch: "main", Attempt: 1}}

	err := s.worker.HandleJob(context.Background(), d)
	require.Error(t, err)
	assert.True(t, scanning.IsPermanent(err))
	assert.ErrorIs(t, err, scanning.ErrScanNotFound)
}

func TestWorker_ClaimStoreErrorIsRetryable(t *testing.T) {
	t.Parallel()

	store := memory.NewScanStore()
	repo := &flakyRepo{ScanStore: store, updateErr: func(upd scanning.StatusUpdate) error {
		if upd.To == scanning.ScanStatusRunning {
			return errStoreDown
		}
		return nil
	}}
	clock := newStepClock()
	analyzer := &stubAnalyzer{}
	w := NewWorker(repo, analyzer, WorkerConfig{}, noopLogger(), testMetrics(t), testTracer(), WithWorkerClock(clock))
	scan := seedScan(t, repo, clock)

	err := w.HandleJob(context.Background(), newDelivery(scan))
	require.Error(t, err)
	assert.False(t, scanning.IsPermanent(err))

	var pErr *scanning.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 0, analyzer.callCount())

	got, err := store.GetScan(context.Background(), scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusQueued, got.Status())
}

func TestWorker_JobFailedExhaustedFailsScan(t *testing.T) {
	t.Parallel()

	s := newWorkerSuite(t, &stubAnalyzer{})
	ctx := context.Background()

	queued := seedScan(t, s.repo, s.clock)

	running := seedScan(t, s.repo, s.clock)
	upd, err := running.Clone().Start(s.clock.Now())
	require.NoError(t, err)
	_, err = s.repo.UpdateScanStatus(ctx, upd)
	require.NoError(t, err)

	retrying := seedScan(t, s.repo, s.clock)

	s.worker.JobFailed(ctx, scanning.JobEvent{Queue: scanning.ScanQueue, Job: queued.Job(), Err: errStoreDown, Exhausted: true})
	s.worker.JobFailed(ctx, scanning.JobEvent{Queue: scanning.ScanQueue, Job: running.Job(), Err: errStoreDown, Exhausted: true})
	s.worker.JobFailed(ctx, scanning.JobEvent{Queue: scanning.ScanQueue, Job: retrying.Job(), Err: errStoreDown})

	for _, id := range []uuid.UUID{queued.ID(), running.ID()} {
		got := s.get(t, id)
		assert.Equal(t, scanning.ScanStatusFailed, got.Status())
		require.NotNil(t, got.StartedAt())
		require.NotNil(t, got.FinishedAt())
	}
	assert.Equal(t, scanning.ScanStatusQueued, s.get(t, retrying.ID()).Status())
}

func TestWorker_JobFailedLeavesTerminalScan(t *testing.T) {
	t.Parallel()

	s := newWorkerSuite(t, &stubAnalyzer{drafts: testDrafts()})
	scan := seedScan(t, s.repo, s.clock)
	require.NoError(t, s.worker.HandleJob(context.Background(), newDelivery(scan)))
	before := s.get(t, scan.ID())

	s.worker.JobFailed(context.Background(), scanning.JobEvent{Queue: scanning.ScanQueue, Job: scan.Job(), Exhausted: true})

	after := s.get(t, scan.ID())
	assert.Equal(t, scanning.ScanStatusCompleted, after.Status())
	assert.Equal(t, *before.FinishedAt(), *after.FinishedAt())
}

func TestPipeline_DispatchToHeatmap(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := memory.NewScanStore()
	q := memqueue.New(memqueue.Config{Consumers: 2, Retry: queue.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}}, noopLogger())
	defer q.Close()

	analyzer, err := fixture.New(noopLogger())
	require.NoError(t, err)

	metrics := testMetrics(t)
	dispatcher := NewDispatcher(repo, q, noopLogger(), metrics, testTracer())
	worker := NewWorker(repo, analyzer, WorkerConfig{Concurrency: 2}, noopLogger(), metrics, testTracer())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, worker.Run(ctx, q))
	}()

	scan, err := dispatcher.Dispatch(ctx, "https://github.com/acme/benefits", "")
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusQueued, scan.Status())

	require.Eventually(t, func() bool {
		got, err := repo.GetScan(ctx, scan.ID())
		return err == nil && got.Status() == scanning.ScanStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	pct, ok := q.Progress(scan.ID())
	require.True(t, ok)
	assert.Equal(t, 100, pct)

	findings, err := repo.ListFindings(ctx, scan.ID())
	require.NoError(t, err)
	require.NotEmpty(t, findings)

	bins := scanning.Aggregate(findings)
	files := make(map[string]struct{})
	for _, f := range findings {
		files[f.FilePath] = struct{}{}
	}
	assert.Len(t, bins, len(files))

	total := 0
	for _, b := range bins {
		total += b.FindingCount
	}
	assert.Equal(t, len(findings), total)

	cancel()
	wg.Wait()
}

func TestPipeline_ExhaustedRetriesFailScan(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewScanStore()
	attempts := 0
	var mu sync.Mutex
	repo := &flakyRepo{ScanStore: store, updateErr: func(upd scanning.StatusUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		// Every claim fails; the exhaustion hook's own updates go through.
		if upd.To == scanning.ScanStatusRunning && attempts < 3 {
			attempts++
			return errStoreDown
		}
		return nil
	}}

	q := memqueue.New(memqueue.Config{Retry: queue.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}}, noopLogger())
	defer q.Close()

	worker := NewWorker(repo, &stubAnalyzer{}, WorkerConfig{}, noopLogger(), testMetrics(t), testTracer())
	dispatcher := NewDispatcher(repo, q, noopLogger(), testMetrics(t), testTracer())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, worker.Run(ctx, q))
	}()

	scan, err := dispatcher.Dispatch(ctx, "https://github.com/acme/benefits", "main")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetScan(ctx, scan.ID())
		return err == nil && got.Status() == scanning.ScanStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
