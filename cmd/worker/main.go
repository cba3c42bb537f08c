package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	appscanning "github.com/ahrav/compliance-armada/internal/app/scanning"
	"github.com/ahrav/compliance-armada/internal/bootstrap"
	"github.com/ahrav/compliance-armada/internal/config"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
	"github.com/ahrav/compliance-armada/pkg/common/otel"
)

var build = "develop"

const serviceType = "compliance-worker"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	svcName := fmt.Sprintf("%s-%s", serviceType, hostname)
	log := bootstrap.NewLogger(os.Stdout, svcName, hostname, cfg.Log)

	if err := run(ctx, log, cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	if !cfg.Kafka.Enabled {
		return errors.New("standalone worker requires kafka; use the api with web.embedded_worker instead")
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	tracer, teardown, err := bootstrap.InitTelemetry(log, cfg.Telemetry, hostname)
	if err != nil {
		return err
	}
	defer teardown(context.WithoutCancel(ctx))

	mp := otel.GetMeterProvider()

	// -------------------------------------------------------------------------
	// Scan Store
	log.Info(ctx, "startup", "status", "opening scan store", "driver", cfg.DB.Driver)

	store, err := bootstrap.OpenStore(ctx, cfg.DB, log, tracer)
	if err != nil {
		return fmt.Errorf("opening scan store: %w", err)
	}
	defer store.Close()

	// -------------------------------------------------------------------------
	// Job Queue
	log.Info(ctx, "startup", "status", "initializing job queue")

	q, err := bootstrap.OpenQueue(ctx, cfg, log, tracer, mp)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Error(ctx, "shutdown", "status", "closing job queue", "err", err)
		}
	}()

	scanMetrics, err := appscanning.NewScanMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating scan metrics: %w", err)
	}

	analyzer, err := bootstrap.NewAnalyzer(cfg.Worker, log)
	if err != nil {
		return fmt.Errorf("creating analyzer: %w", err)
	}

	worker := appscanning.NewWorker(store.Repo, analyzer, bootstrap.WorkerConfig(cfg.Worker), log, scanMetrics, tracer)

	g, ctx := errgroup.WithContext(ctx)

	// -------------------------------------------------------------------------
	// Start Debug Service
	g.Go(func() error { return bootstrap.ServeDebug(ctx, cfg.Web.DebugHost, log) })

	// -------------------------------------------------------------------------
	// Start Worker
	log.Info(ctx, "startup", "status", "starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"max_attempts", cfg.Worker.MaxAttempts,
	)
	g.Go(func() error { return worker.Run(ctx, q) })

	// -------------------------------------------------------------------------
	// Start Reconciler
	if cfg.Reconciler.Enabled {
		coord, err := bootstrap.NewCoordinator(cfg.Cluster, log, tracer)
		if err != nil {
			return err
		}
		reconciler := appscanning.NewReconciler(
			store.Repo, q, coord, bootstrap.ReconcilerConfig(cfg.Reconciler), log, scanMetrics, tracer,
		)
		g.Go(func() error { return reconciler.Run(ctx) })
	}

	// -------------------------------------------------------------------------
	// Shutdown
	err = g.Wait()
	log.Info(context.WithoutCancel(ctx), "shutdown", "status", "shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
