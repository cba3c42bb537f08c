package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ahrav/compliance-armada/internal/api/errs"
)

const maxBodyBytes = 1 << 20

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error(r.Context(), "Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := errs.FromDomain(err)
	if apiErr.Code == errs.Internal {
		s.logger.Error(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
	}
	s.respond(w, r, apiErr.Code.HTTPStatus(), apiErr)
}

func decode(r *http.Request, w http.ResponseWriter, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errs.Newf(errs.InvalidArgument, "request body exceeds %d bytes", maxErr.Limit)
		}
		return errs.Newf(errs.InvalidArgument, "unable to decode request body: %v", err)
	}
	return nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.New(errs.InvalidArgument, fmt.Errorf("invalid %s %q", name, raw))
	}
	return id, nil
}
