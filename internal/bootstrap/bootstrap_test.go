package bootstrap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	appcluster "github.com/ahrav/compliance-armada/internal/app/cluster"
	"github.com/ahrav/compliance-armada/internal/config"
	"github.com/ahrav/compliance-armada/internal/infra/queue/memory"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy(config.WorkerConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, time.Minute, p.MaxInterval)
	assert.Greater(t, p.Multiplier, 1.0)
}

func TestOpenStore_Memory(t *testing.T) {
	store, err := OpenStore(context.Background(), config.DBConfig{Driver: config.DriverMemory}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ready(context.Background()))
	stats, err := store.Repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalScans)
}

func TestOpenQueue_MemoryWhenKafkaDisabled(t *testing.T) {
	cfg := &config.Config{Worker: config.WorkerConfig{
		Consumers:      2,
		QueueBuffer:    8,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}}

	q, err := OpenQueue(context.Background(), cfg, logger.Noop(), noop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	defer q.Close()

	assert.IsType(t, &memory.Queue{}, q)
}

func TestNewAnalyzer_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.yaml")
	doc := `
coverage_pct: 55
findings:
  - severity: high
    confidence: 90
    law_section: "HIPAA 164.312"
    law_excerpt: "encryption of ePHI"
    file_path: "db/patients.sql"
    line_start: 1
    line_end: 4
    rationale: "plaintext column"
    recommendation: "encrypt at rest"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	a, err := NewAnalyzer(config.WorkerConfig{FindingsFile: path}, logger.Noop())
	require.NoError(t, err)

	drafts, err := a.Analyze(context.Background(), "https://github.com/acme/clinic", "main")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "db/patients.sql", drafts[0].FilePath)
}

func TestNewAnalyzer_MissingFile(t *testing.T) {
	_, err := NewAnalyzer(config.WorkerConfig{FindingsFile: filepath.Join(t.TempDir(), "nope.yaml")}, logger.Noop())
	require.Error(t, err)
}

func TestNewCoordinator_StandaloneByDefault(t *testing.T) {
	coord, err := NewCoordinator(config.ClusterConfig{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	assert.IsType(t, &appcluster.Standalone{}, coord)
}

func TestNewLogger_WritesServiceName(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "compliance-worker", "host-1", config.LogConfig{Level: "info"})
	log.Info(context.Background(), "hello")
	assert.Contains(t, buf.String(), "compliance-worker")
	assert.Contains(t, buf.String(), "host-1")
}
