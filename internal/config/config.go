// Package config loads process configuration for the API and worker from
// defaults, an optional YAML file and COMPLIANCE_* environment variables.
package config

import "time"

// Store and queue drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config represents the top-level configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Web        WebConfig        `mapstructure:"web"`
	DB         DBConfig         `mapstructure:"db"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// WebConfig controls the HTTP servers.
type WebConfig struct {
	APIHost         string        `mapstructure:"api_host" validate:"required"`
	DebugHost       string        `mapstructure:"debug_host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// EmbeddedWorker runs the scan worker inside the API process.
	EmbeddedWorker bool `mapstructure:"embedded_worker"`
}

// DBConfig selects and configures the scan store.
type DBConfig struct {
	Driver            string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN               string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxConns          int32         `mapstructure:"max_conns" validate:"gte=1"`
	MinConns          int32         `mapstructure:"min_conns" validate:"gte=0,ltefield=MaxConns"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// Migrate applies pending schema migrations on startup.
	Migrate bool `mapstructure:"migrate"`
}

// KafkaConfig configures the Kafka job queue. When disabled the in-memory
// queue is used.
type KafkaConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Brokers         []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	TopicPrefix     string   `mapstructure:"topic_prefix"`
	ProgressTopic   string   `mapstructure:"progress_topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	GroupID         string   `mapstructure:"group_id" validate:"required_if=Enabled true"`
	ClientID        string   `mapstructure:"client_id"`
}

// WorkerConfig configures job processing and redelivery.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"gte=1"`
	Consumers       int           `mapstructure:"consumers" validate:"gte=1"`
	QueueBuffer     int           `mapstructure:"queue_buffer" validate:"gte=1"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	FailTimeout     time.Duration `mapstructure:"fail_timeout" validate:"gt=0"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
	AnalyzerLatency time.Duration `mapstructure:"analyzer_latency" validate:"gte=0"`
	// FindingsFile replaces the embedded fixture findings when set.
	FindingsFile string `mapstructure:"findings_file"`
}

// ReconcilerConfig configures the orphan and stale scan sweeps.
type ReconcilerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	OrphanAfter  time.Duration `mapstructure:"orphan_after" validate:"gt=0"`
	StaleAfter   time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	MaxRequeues  int           `mapstructure:"max_requeues" validate:"gte=1"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	RequeueRate  float64       `mapstructure:"requeue_rate" validate:"gte=0"`
	RequeueBurst int           `mapstructure:"requeue_burst" validate:"gte=1"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint       string   `mapstructure:"endpoint"`
	Insecure       bool     `mapstructure:"insecure"`
	SampleRatio    float64  `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	ExcludedRoutes []string `mapstructure:"excluded_routes"`
}

// ClusterConfig configures leader election for the reconciler.
type ClusterConfig struct {
	LeaderElection bool   `mapstructure:"leader_election"`
	Namespace      string `mapstructure:"namespace" validate:"required_if=LeaderElection true"`
	LeaderLockID   string `mapstructure:"leader_lock_id" validate:"required_if=LeaderElection true"`
	// Identity defaults to the host name.
	Identity string `mapstructure:"identity"`
}
