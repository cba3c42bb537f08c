package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/compliance-armada/internal/api/errs"
	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

// maxListScans is the number of scans returned by GET /v1/scans.
const maxListScans = 50

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createScanRequest
	if err := decode(r, w, &req); err != nil {
		s.cfg.Metrics.IncScanRequestErrors(ctx, "decode")
		s.respondError(w, r, err)
		return
	}
	if err := errs.Check(req); err != nil {
		s.cfg.Metrics.IncScanRequestErrors(ctx, "validation")
		s.respondError(w, r, errs.New(errs.InvalidArgument, err))
		return
	}

	scan, err := s.cfg.Dispatcher.Dispatch(ctx, req.RepoURL, req.Branch)
	var enqErr *scanning.EnqueueError
	switch {
	case errors.As(err, &enqErr) && scan != nil:
		// The scan is stored; the reconciler re-enqueues it.
		s.cfg.Metrics.IncScanRequestErrors(ctx, "enqueue")
		s.logger.Warn(ctx, "Scan accepted but not queued",
			"scan_id", scan.ID(),
			"error", err,
		)
		trace.SpanFromContext(ctx).AddEvent("enqueue_deferred",
			trace.WithAttributes(attribute.String("scan_id", scan.ID().String())))
	case err != nil:
		s.cfg.Metrics.IncScanRequestErrors(ctx, "dispatch")
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		s.respondError(w, r, err)
		return
	}

	s.cfg.Metrics.IncScanRequestsTotal(ctx)
	s.respond(w, r, http.StatusAccepted, toScanResponse(scan))
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	limit := maxListScans
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListScans {
			s.respondError(w, r, errs.Newf(errs.InvalidArgument, "limit must be between 1 and %d", maxListScans))
			return
		}
		limit = n
	}

	scans, err := s.cfg.Scans.ListScans(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]scanResponse, len(scans))
	for i, scan := range scans {
		out[i] = toScanResponse(scan)
	}
	s.respond(w, r, http.StatusOK, out)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuidParam(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	scan, err := s.cfg.Scans.GetScan(ctx, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	findings, err := s.cfg.Scans.ListFindings(ctx, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respond(w, r, http.StatusOK, scanDetailResponse{
		scanResponse: toScanResponse(scan),
		Progress:     s.progressOf(scan),
		Findings:     toFindingResponses(findings),
	})
}

// progressOf returns the last reported progress for scan. A completed scan
// always reads 100. Without a reading, nil is returned.
func (s *Server) progressOf(scan *scanning.Scan) *int {
	if scan.Status() == scanning.ScanStatusCompleted {
		pct := scanning.PhaseFinalize.Progress()
		return &pct
	}
	if s.cfg.Progress == nil {
		return nil
	}
	if pct, ok := s.cfg.Progress.Progress(scan.ID()); ok {
		return &pct
	}
	return nil
}

func (s *Server) handleGetHeatmap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuidParam(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if _, err := s.cfg.Scans.GetScan(ctx, id); err != nil {
		s.respondError(w, r, err)
		return
	}

	findings, err := s.cfg.Scans.ListFindings(ctx, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respond(w, r, http.StatusOK, toHeatmapResponse(id, scanning.Aggregate(findings)))
}

func (s *Server) handleGetFinding(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	finding, err := s.cfg.Scans.GetFinding(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, toFindingResponse(*finding))
}

func (s *Server) handleSummaryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Scans.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, statsResponse{
		TotalScans:     stats.TotalScans,
		CompletedScans: stats.CompletedScans,
		FailedScans:    stats.FailedScans,
		TotalFindings:  stats.TotalFindings,
	})
}
