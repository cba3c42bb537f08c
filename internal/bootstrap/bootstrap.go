// Package bootstrap builds the process-level dependencies shared by the api
// and worker binaries from a loaded configuration.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	appcluster "github.com/ahrav/compliance-armada/internal/app/cluster"
	appscanning "github.com/ahrav/compliance-armada/internal/app/scanning"
	"github.com/ahrav/compliance-armada/internal/config"
	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/analysis/fixture"
	"github.com/ahrav/compliance-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/compliance-armada/internal/infra/queue"
	"github.com/ahrav/compliance-armada/internal/infra/queue/kafka"
	"github.com/ahrav/compliance-armada/internal/infra/queue/memory"
	"github.com/ahrav/compliance-armada/internal/infra/storage"
	memstore "github.com/ahrav/compliance-armada/internal/infra/storage/scanning/memory"
	pgstore "github.com/ahrav/compliance-armada/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
	"github.com/ahrav/compliance-armada/pkg/common/otel"
)

// NewLogger builds the JSON logger for a service. Error records are echoed
// to stderr with their trace ID.
func NewLogger(w io.Writer, service, hostname string, cfg config.LogConfig) *logger.Logger {
	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
	}

	return logger.NewWithMetadata(w, logger.ParseLevel(cfg.Level), service, otel.GetTraceID, events, metadata)
}

// InitTelemetry starts trace and metric export for a service.
func InitTelemetry(log *logger.Logger, cfg config.TelemetryConfig, hostname string) (trace.Tracer, func(context.Context), error) {
	excluded := make(map[string]struct{}, len(cfg.ExcludedRoutes))
	for _, r := range cfg.ExcludedRoutes {
		excluded[r] = struct{}{}
	}

	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.ServiceName,
		ExporterEndpoint: cfg.Endpoint,
		Host:             hostname,
		ExcludedRoutes:   excluded,
		Probability:      cfg.SampleRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
		},
		InsecureExporter: cfg.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting telemetry: %w", err)
	}
	return tp.Tracer(cfg.ServiceName), teardown, nil
}

// Store is an opened scan store.
type Store struct {
	Repo scanning.ScanRepository
	// Ready reports whether the backing database answers.
	Ready func(ctx context.Context) error
	Close func()
}

// OpenStore opens the configured scan store, applying migrations first when
// enabled.
func OpenStore(ctx context.Context, cfg config.DBConfig, log *logger.Logger, tracer trace.Tracer) (*Store, error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn(ctx, "Using in-memory scan store, data is lost on exit")
		return &Store{
			Repo:  memstore.NewScanStore(),
			Ready: func(context.Context) error { return nil },
			Close: func() {},
		}, nil
	}

	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		log.Info(ctx, "startup", "status", "applying migrations")
		if err := storage.Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Store{
		Repo:  pgstore.NewScanStore(pool, tracer),
		Ready: pool.Ping,
		Close: pool.Close,
	}, nil
}

// Queue is a job queue that also exposes reported progress.
type Queue interface {
	scanning.JobQueue
	scanning.ProgressReader
}

// ProgressWatcher is implemented by queues that learn about progress
// reported in other processes.
type ProgressWatcher interface {
	WatchProgress(ctx context.Context) error
}

var _ ProgressWatcher = (*kafka.Queue)(nil)

// RetryPolicy maps worker settings onto the queue redelivery policy.
func RetryPolicy(cfg config.WorkerConfig) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.InitialInterval = cfg.InitialBackoff
	p.MaxInterval = cfg.MaxBackoff
	return p
}

// OpenQueue connects the Kafka queue when enabled and otherwise returns an
// in-memory queue.
func OpenQueue(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
	mp metric.MeterProvider,
) (Queue, error) {
	retry := RetryPolicy(cfg.Worker)

	if !cfg.Kafka.Enabled {
		log.Warn(ctx, "Kafka disabled, using in-memory job queue")
		return memory.New(memory.Config{
			Buffer:    cfg.Worker.QueueBuffer,
			Consumers: cfg.Worker.Consumers,
			Retry:     retry,
		}, log), nil
	}

	metrics, err := kafka.NewQueueMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating queue metrics: %w", err)
	}

	clientID := cfg.Kafka.ClientID
	if clientID == "" {
		clientID = cfg.Telemetry.ServiceName
	}

	q, err := kafka.Connect(&kafka.Config{
		Brokers:         cfg.Kafka.Brokers,
		TopicPrefix:     cfg.Kafka.TopicPrefix,
		ProgressTopic:   cfg.Kafka.ProgressTopic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		GroupID:         cfg.Kafka.GroupID,
		ClientID:        clientID,
		Retry:           retry,
	}, log, metrics, tracer)
	if err != nil {
		return nil, fmt.Errorf("connecting job queue: %w", err)
	}
	return q, nil
}

// NewAnalyzer builds the fixture analyzer, reading the findings document from
// cfg.FindingsFile when set.
func NewAnalyzer(cfg config.WorkerConfig, log *logger.Logger) (scanning.Analyzer, error) {
	opts := []fixture.Option{fixture.WithLatency(cfg.AnalyzerLatency)}
	if cfg.FindingsFile == "" {
		return fixture.New(log, opts...)
	}

	doc, err := os.ReadFile(cfg.FindingsFile)
	if err != nil {
		return nil, fmt.Errorf("reading findings file: %w", err)
	}
	return fixture.NewFromYAML(doc, log, opts...)
}

// NewCoordinator returns a Kubernetes lease coordinator when leader election
// is enabled and a standalone coordinator otherwise.
func NewCoordinator(cfg config.ClusterConfig, log *logger.Logger, tracer trace.Tracer) (appcluster.Coordinator, error) {
	if !cfg.LeaderElection {
		return appcluster.NewStandalone(), nil
	}

	coord, err := kubernetes.NewCoordinator(&kubernetes.Config{
		Namespace:    cfg.Namespace,
		LeaderLockID: cfg.LeaderLockID,
		Identity:     cfg.Identity,
	}, log, tracer)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes coordinator: %w", err)
	}
	return coord, nil
}

// WorkerConfig maps configuration onto the worker settings.
func WorkerConfig(cfg config.WorkerConfig) appscanning.WorkerConfig {
	return appscanning.WorkerConfig{
		Concurrency:  cfg.Concurrency,
		FailTimeout:  cfg.FailTimeout,
		DrainTimeout: cfg.DrainTimeout,
	}
}

// ReconcilerConfig maps configuration onto the reconciler settings.
func ReconcilerConfig(cfg config.ReconcilerConfig) appscanning.ReconcilerConfig {
	return appscanning.ReconcilerConfig{
		Interval:     cfg.Interval,
		OrphanAfter:  cfg.OrphanAfter,
		StaleAfter:   cfg.StaleAfter,
		MaxRequeues:  cfg.MaxRequeues,
		BatchSize:    cfg.BatchSize,
		RequeueRate:  cfg.RequeueRate,
		RequeueBurst: cfg.RequeueBurst,
	}
}
