package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sidecoach/sidecoach/internal/coach"
)

// handleDispatch decodes one request envelope and hands it to the router.
// Dispatch-level failures come back as {success:false} with HTTP 200; only
// transport-level problems produce non-200 statuses.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req coach.Request
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				"request body exceeds the size limit", s.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "malformed_envelope",
			"request body is not a valid envelope", s.logger)
		return
	}
	// Reject trailing garbage after the envelope.
	if err := json.NewDecoder(body).Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "malformed_envelope",
			"unexpected data after the envelope", s.logger)
		return
	}

	resp := s.router.Dispatch(r.Context(), req)
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness probe failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error(), s.logger)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}
