package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/compliance-armada/internal/api/debug"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// ServeDebug serves pprof and the runtime dashboard on host until ctx is
// cancelled. An empty host disables the listener.
func ServeDebug(ctx context.Context, host string, log *logger.Logger) error {
	if host == "" {
		return nil
	}

	mux, err := debug.Mux()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              host,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "startup", "status", "debug router started", "host", host)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}
