package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	appscanning "github.com/ahrav/compliance-armada/internal/app/scanning"
	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/queue/memory"
	memstore "github.com/ahrav/compliance-armada/internal/infra/storage/scanning/memory"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	store  *memstore.ScanStore
	queue  *memory.Queue
}

type envOption func(*Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	scanMetrics, err := appscanning.NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	apiMetrics, err := NewAPIMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	store := memstore.NewScanStore()
	q := memory.New(memory.Config{}, log)
	t.Cleanup(func() { _ = q.Close() })

	cfg := Config{
		Build:      "test",
		Log:        log,
		Tracer:     tracer,
		Metrics:    apiMetrics,
		Dispatcher: appscanning.NewDispatcher(store, q, log, scanMetrics, tracer),
		Scans:      store,
		Progress:   q,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testEnv{server: NewServer(cfg), store: store, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type errorBody struct {
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

// seedCompletedScan stores a completed scan owning the given drafts.
func (e *testEnv) seedCompletedScan(t *testing.T, drafts ...scanning.FindingDraft) (*scanning.Scan, []scanning.Finding) {
	t.Helper()
	ctx := context.Background()

	req, err := scanning.NewScanRequest("https://github.com/acme/payments", "main")
	require.NoError(t, err)
	scan := scanning.NewScan(req, testNow)
	require.NoError(t, e.store.CreateScan(ctx, scan))

	upd, err := scan.Start(testNow.Add(time.Second))
	require.NoError(t, err)
	_, err = e.store.UpdateScanStatus(ctx, upd)
	require.NoError(t, err)

	findings, err := scanning.NewFindings(scan.ID(), drafts, testNow.Add(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, e.store.InsertFindings(ctx, scan.ID(), findings))

	upd, err = scan.Complete(testNow.Add(3*time.Second), 72.5)
	require.NoError(t, err)
	stored, err := e.store.UpdateScanStatus(ctx, upd)
	require.NoError(t, err)

	return stored, findings
}

func draft(file string, sev scanning.Severity) scanning.FindingDraft {
	return scanning.FindingDraft{
		Severity:       sev,
		Confidence:     80,
		LawSection:     "GDPR Art. 32",
		LawExcerpt:     "appropriate technical measures",
		FilePath:       file,
		LineStart:      10,
		LineEnd:        12,
		Rationale:      "personal data logged in plain text",
		Recommendation: "mask the field before logging",
	}
}

type stubDispatcher struct {
	scan *scanning.Scan
	err  error
}

func (d stubDispatcher) Dispatch(context.Context, string, string) (*scanning.Scan, error) {
	return d.scan, d.err
}

func TestCreateScan_Accepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/scans", map[string]string{"repoUrl": "https://github.com/acme/payments"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	got := decodeBody[scanResponse](t, rec)
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, scanning.DefaultBranch, got.Branch)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CoveragePct)

	stored, err := env.store.GetScan(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusQueued, stored.Status())
	assert.Equal(t, 1, env.queue.Pending(scanning.ScanQueue))
}

func TestCreateScan_InvalidRequests(t *testing.T) {
	tests := []struct {
		name      string
		body      any
		wantField string
	}{
		{name: "missing repo url", body: map[string]string{"branch": "dev"}, wantField: "repoUrl"},
		{name: "malformed repo url", body: map[string]string{"repoUrl": "not a url"}, wantField: "repoUrl"},
		{name: "relative repo url", body: map[string]string{"repoUrl": "/acme/payments"}, wantField: "repoUrl"},
		{name: "malformed json", body: `{"repoUrl":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(t, http.MethodPost, "/v1/scans", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			got := decodeBody[errorBody](t, rec)
			assert.Equal(t, "invalid_argument", got.Code)
			if tt.wantField != "" {
				assert.Contains(t, got.Fields, tt.wantField)
			}
			assert.Equal(t, 0, env.queue.Pending(scanning.ScanQueue))

			scans, err := env.store.ListScans(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, scans)
		})
	}
}

func TestCreateScan_EnqueueFailureStillAccepted(t *testing.T) {
	req, err := scanning.NewScanRequest("https://github.com/acme/payments", "main")
	require.NoError(t, err)
	scan := scanning.NewScan(req, testNow)

	env := newTestEnv(t, func(c *Config) {
		c.Dispatcher = stubDispatcher{
			scan: scan,
			err:  &scanning.EnqueueError{ScanID: scan.ID(), Err: errors.New("broker unavailable")},
		}
	})

	rec := env.do(t, http.MethodPost, "/v1/scans", map[string]string{"repoUrl": "https://github.com/acme/payments"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, scan.ID(), decodeBody[scanResponse](t, rec).ID)
}

func TestCreateScan_DispatchFailureHidesCause(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Dispatcher = stubDispatcher{err: errors.New("connection refused to 10.0.0.5")}
	})

	rec := env.do(t, http.MethodPost, "/v1/scans", map[string]string{"repoUrl": "https://github.com/acme/payments"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	got := decodeBody[errorBody](t, rec)
	assert.Equal(t, "internal", got.Code)
	assert.NotContains(t, got.Error, "10.0.0.5")
}

func TestGetScan(t *testing.T) {
	env := newTestEnv(t)
	scan, findings := env.seedCompletedScan(t,
		draft("src/a.go", scanning.SeverityHigh),
		draft("src/b.go", scanning.SeverityLow),
	)

	rec := env.do(t, http.MethodGet, "/v1/scans/"+scan.ID().String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[scanDetailResponse](t, rec)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.CoveragePct)
	assert.InDelta(t, 72.5, *got.CoveragePct, 0.001)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 100, *got.Progress)
	require.Len(t, got.Findings, 2)
	assert.Equal(t, findings[0].ID, got.Findings[0].ID)
	assert.Equal(t, "high", got.Findings[0].Severity)
	assert.Equal(t, "src/b.go", got.Findings[1].FilePath)
}

func TestGetScan_QueuedHasNoProgress(t *testing.T) {
	env := newTestEnv(t)

	created := decodeBody[scanResponse](t,
		env.do(t, http.MethodPost, "/v1/scans", map[string]string{"repoUrl": "https://github.com/acme/payments"}))

	rec := env.do(t, http.MethodGet, "/v1/scans/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[scanDetailResponse](t, rec)
	assert.Nil(t, got.Progress)
	assert.Empty(t, got.Findings)
}

func TestScanLookups_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "scan not found", path: "/v1/scans/" + uuid.NewString(), wantStatus: http.StatusNotFound},
		{name: "scan bad id", path: "/v1/scans/abc", wantStatus: http.StatusBadRequest},
		{name: "heatmap unknown scan", path: "/v1/scans/" + uuid.NewString() + "/heatmap", wantStatus: http.StatusNotFound},
		{name: "heatmap bad id", path: "/v1/scans/abc/heatmap", wantStatus: http.StatusBadRequest},
		{name: "finding not found", path: "/v1/findings/" + uuid.NewString(), wantStatus: http.StatusNotFound},
		{name: "finding bad id", path: "/v1/findings/123", wantStatus: http.StatusBadRequest},
	}

	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestGetHeatmap(t *testing.T) {
	env := newTestEnv(t)
	scan, _ := env.seedCompletedScan(t,
		draft("src/a.go", scanning.SeverityLow),
		draft("src/b.go", scanning.SeverityMedium),
		draft("src/a.go", scanning.SeverityCritical),
	)

	rec := env.do(t, http.MethodGet, "/v1/scans/"+scan.ID().String()+"/heatmap", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[heatmapResponse](t, rec)
	assert.Equal(t, scan.ID(), got.ScanID)
	assert.Equal(t, []heatBinResponse{
		{File: "src/a.go", FindingCount: 2, Severity: "critical"},
		{File: "src/b.go", FindingCount: 1, Severity: "medium"},
	}, got.Bins)
}

func TestGetHeatmap_NoFindingsIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	scan, _ := env.seedCompletedScan(t)

	rec := env.do(t, http.MethodGet, "/v1/scans/"+scan.ID().String()+"/heatmap", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scanId":"`+scan.ID().String()+`","bins":[]}`, rec.Body.String())
}

func TestGetFinding(t *testing.T) {
	env := newTestEnv(t)
	scan, findings := env.seedCompletedScan(t, draft("src/a.go", scanning.SeverityHigh))

	rec := env.do(t, http.MethodGet, "/v1/findings/"+findings[0].ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[findingResponse](t, rec)
	assert.Equal(t, scan.ID(), got.ScanID)
	assert.Equal(t, "GDPR Art. 32", got.LawSection)
	assert.Equal(t, 80, got.Confidence)
}

func TestListScans(t *testing.T) {
	env := newTestEnv(t)
	for range 3 {
		rec := env.do(t, http.MethodPost, "/v1/scans", map[string]string{"repoUrl": "https://github.com/acme/payments"})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/scans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]scanResponse](t, rec), 3)

	rec = env.do(t, http.MethodGet, "/v1/scans?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]scanResponse](t, rec), 2)

	for _, limit := range []string{"0", "51", "x"} {
		rec = env.do(t, http.MethodGet, "/v1/scans?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestSummaryStats(t *testing.T) {
	env := newTestEnv(t)
	env.seedCompletedScan(t, draft("src/a.go", scanning.SeverityHigh), draft("src/b.go", scanning.SeverityLow))
	env.do(t, http.MethodPost, "/v1/scans", map[string]string{"repoUrl": "https://github.com/acme/payments"})

	rec := env.do(t, http.MethodGet, "/v1/stats/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statsResponse{TotalScans: 2, CompletedScans: 1, FailedScans: 0, TotalFindings: 2},
		decodeBody[statsResponse](t, rec))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/liveness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"up","build":"test"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestEnv(t, func(c *Config) {
		c.Ready = func(context.Context) error { return errors.New("database unreachable") }
	})
	rec = down.do(t, http.MethodGet, "/v1/readiness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decodeBody[errorBody](t, rec).Code)
}
