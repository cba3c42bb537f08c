package scanning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/storage/scanning/memory"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

func testMetrics(t *testing.T) ScanMetrics {
	t.Helper()
	m, err := NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// stepClock returns a time one second later on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDelivery records reported progress.
type fakeDelivery struct {
	job scanning.Job
	err error

	mu       sync.Mutex
	progress []int
}

func newDelivery(scan *scanning.Scan) *fakeDelivery { return &fakeDelivery{job: scan.Job()} }

func (d *fakeDelivery) Job() scanning.Job { return d.job }

func (d *fakeDelivery) UpdateProgress(_ context.Context, pct int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = append(d.progress, pct)
	return d.err
}

func (d *fakeDelivery) reported() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.progress...)
}

type stubAnalyzer struct {
	drafts []scanning.FindingDraft
	err    error
	panic  bool
	calls  int
	mu     sync.Mutex
	block  chan struct{}
}

func (a *stubAnalyzer) Analyze(ctx context.Context, _, _ string) ([]scanning.FindingDraft, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.panic {
		panic("analyzer exploded")
	}
	return a.drafts, a.err
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// estimatingAnalyzer also reports coverage.
type estimatingAnalyzer struct {
	stubAnalyzer
	coverage float64
}

func (a *estimatingAnalyzer) Coverage(context.Context, string, string) (float64, error) {
	return a.coverage, nil
}

func testDrafts() []scanning.FindingDraft {
	return []scanning.FindingDraft{
		{
			Severity:   scanning.SeverityHigh,
			Confidence: 85,
			LawSection: "SSA1991 s.35(2)",
			FilePath:   "src/eligibility/age.ts",
			LineStart:  5,
			LineEnd:    7,
		},
		{
			Severity:   scanning.SeverityCritical,
			Confidence: 95,
			LawSection: "SSA1991 s.8(1)",
			FilePath:   "src/eligibility/impairment.ts",
			LineStart:  22,
			LineEnd:    28,
		},
		{
			Severity:   scanning.SeverityMedium,
			Confidence: 70,
			LawSection: "SSA1991 s.35(4)",
			FilePath:   "src/eligibility/age.ts",
			LineStart:  30,
			LineEnd:    31,
		},
	}
}

// seedScan stores a queued scan.
func seedScan(t *testing.T, repo scanning.ScanRepository, clock scanning.TimeProvider) *scanning.Scan {
	t.Helper()
	req, err := scanning.NewScanRequest("https://github.com/acme/benefits", "main")
	require.NoError(t, err)
	scan := scanning.NewScan(req, clock.Now())
	require.NoError(t, repo.CreateScan(context.Background(), scan))
	return scan
}

// flakyRepo fails selected operations of an in-memory store.
type flakyRepo struct {
	*memory.ScanStore
	updateErr func(scanning.StatusUpdate) error
	insertErr error
}

func (r *flakyRepo) InsertFindings(ctx context.Context, scanID uuid.UUID, findings []scanning.Finding) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.ScanStore.InsertFindings(ctx, scanID, findings)
}

func (r *flakyRepo) UpdateScanStatus(ctx context.Context, upd scanning.StatusUpdate) (*scanning.Scan, error) {
	if r.updateErr != nil {
		if err := r.updateErr(upd); err != nil {
			return nil, err
		}
	}
	return r.ScanStore.UpdateScanStatus(ctx, upd)
}

var errStoreDown = errors.New("store unavailable")

// mockRepository is a testify mock of scanning.ScanRepository.
type mockRepository struct{ mock.Mock }

func (m *mockRepository) CreateScan(ctx context.Context, scan *scanning.Scan) error {
	return m.Called(ctx, scan).Error(0)
}

func (m *mockRepository) UpdateScanStatus(ctx context.Context, upd scanning.StatusUpdate) (*scanning.Scan, error) {
	args := m.Called(ctx, upd)
	if s := args.Get(0); s != nil {
		return s.(*scanning.Scan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepository) GetScan(ctx context.Context, id uuid.UUID) (*scanning.Scan, error) {
	args := m.Called(ctx, id)
	if s := args.Get(0); s != nil {
		return s.(*scanning.Scan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepository) InsertFindings(ctx context.Context, scanID uuid.UUID, findings []scanning.Finding) error {
	return m.Called(ctx, scanID, findings).Error(0)
}

func (m *mockRepository) ListFindings(ctx context.Context, scanID uuid.UUID) ([]scanning.Finding, error) {
	args := m.Called(ctx, scanID)
	return args.Get(0).([]scanning.Finding), args.Error(1)
}

func (m *mockRepository) GetFinding(ctx context.Context, id uuid.UUID) (*scanning.Finding, error) {
	args := m.Called(ctx, id)
	if f := args.Get(0); f != nil {
		return f.(*scanning.Finding), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepository) ListScans(ctx context.Context, limit int) ([]*scanning.Scan, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*scanning.Scan), args.Error(1)
}

func (m *mockRepository) MarkScanEnqueued(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *mockRepository) RecordEnqueueFailure(ctx context.Context, id uuid.UUID) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *mockRepository) ListOrphanedScans(ctx context.Context, createdBefore time.Time, limit int) ([]*scanning.Scan, error) {
	args := m.Called(ctx, createdBefore, limit)
	return args.Get(0).([]*scanning.Scan), args.Error(1)
}

func (m *mockRepository) ListStaleRunningScans(ctx context.Context, startedBefore time.Time, limit int) ([]*scanning.Scan, error) {
	args := m.Called(ctx, startedBefore, limit)
	return args.Get(0).([]*scanning.Scan), args.Error(1)
}

func (m *mockRepository) Stats(ctx context.Context) (scanning.ScanStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(scanning.ScanStats), args.Error(1)
}

// mockQueue is a testify mock of scanning.JobQueue.
type mockQueue struct{ mock.Mock }

func (m *mockQueue) Enqueue(ctx context.Context, queue string, job scanning.Job) error {
	return m.Called(ctx, queue, job).Error(0)
}

func (m *mockQueue) Consume(ctx context.Context, queue string, handler scanning.JobHandler) error {
	return m.Called(ctx, queue, handler).Error(0)
}

func (m *mockQueue) Observe(obs scanning.JobObserver) { m.Called(obs) }

func (m *mockQueue) Close() error { return m.Called().Error(0) }

// recordingQueue captures enqueued jobs.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []scanning.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, _ string, job scanning.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ string, _ scanning.JobHandler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) Observe(scanning.JobObserver) {}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) enqueued() []scanning.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]scanning.Job(nil), q.jobs...)
}

func noopLogger() *logger.Logger { return logger.Noop() }
