// Package kubernetes provides leader election on Kubernetes lease locks so
// only one instance runs the scan reconciler.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/compliance-armada/internal/app/cluster"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// Compile-time check to verify that Coordinator implements the Coordinator interface.
var _ cluster.Coordinator = new(Coordinator)

// Coordinator elects a single leader among the worker replicas using a
// Kubernetes lease.
type Coordinator struct {
	client kubernetes.Interface
	config Config

	leaderElector *leaderelection.LeaderElector

	mu sync.Mutex
	// Called when leadership status changes.
	leadershipChangeCB func(isLeader bool)
	cancel             context.CancelFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator using the in-cluster configuration, or
// the kubeconfig file when running outside a cluster.
func NewCoordinator(cfg *Config, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	client, err := getKubernetesClient(cfg.KubeConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
	}
	return NewCoordinatorWithClient(client, cfg, logger, tracer)
}

// NewCoordinatorWithClient creates a coordinator on top of an existing client.
func NewCoordinatorWithClient(
	client kubernetes.Interface,
	cfg *Config,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(
			attribute.String("identity", cfg.Identity),
			attribute.String("namespace", cfg.Namespace),
		),
	)
	defer span.End()

	if cfg.Namespace == "" || cfg.LeaderLockID == "" || cfg.Identity == "" {
		err := errors.New("namespace, leader lock id and identity are required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid config")
		return nil, err
	}
	c := cfg.withDefaults()

	coordinator := &Coordinator{
		client: client,
		config: c,
		logger: logger.With(
			"component", "kubernetes_coordinator",
			"namespace", c.Namespace,
			"leader_lock_id", c.LeaderLockID,
			"identity", c.Identity,
		),
		tracer: tracer,
	}

	// Configure lease-based leader election lock.
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      c.LeaderLockID,
			Namespace: c.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: c.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   c.LeaseDuration,
		RenewDeadline:   c.RenewDeadline,
		RetryPeriod:     c.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: coordinator.onStartedLeading,
			OnStoppedLeading: coordinator.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	coordinator.leaderElector = elector
	span.AddEvent("leader_elector_created")

	return coordinator, nil
}

// Start runs leader election and blocks until ctx is cancelled or Stop is
// called. The lease is released on return.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	_, span := c.tracer.Start(ctx, "kubernetes_coordinator.start")
	c.logger.Info(ctx, "Starting leader elector")
	span.End()

	// Run returns whenever leadership is lost; campaign again until cancelled.
	for ctx.Err() == nil {
		c.leaderElector.Run(ctx)
	}
	return nil
}

// Stop gracefully shuts down the coordinator, releasing the lease if held.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info(context.Background(), "Stopping leader elector")
	return nil
}

// OnLeadershipChange registers a callback that will be invoked when this instance
// gains or loses leadership.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadershipChangeCB = cb
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.leadershipChangeCB
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading")
	defer span.End()

	c.logger.Info(ctx, "Became leader")
	span.AddEvent("became_leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading")
	defer span.End()

	c.logger.Info(ctx, "Lost leadership")
	span.AddEvent("lost_leadership")
	c.notify(false)
}
