package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ahrav/compliance-armada/internal/api/errs"
)

const readinessTimeout = 2 * time.Second

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, healthResponse{Status: "up", Build: s.cfg.Build})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn(ctx, "Readiness check failed", "error", err)
			s.respond(w, r, http.StatusServiceUnavailable, errs.Newf(errs.Unavailable, "not ready"))
			return
		}
	}
	s.respond(w, r, http.StatusOK, healthResponse{Status: "ok", Build: s.cfg.Build})
}
