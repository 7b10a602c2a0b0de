package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/events"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/server"
)

// maxSubmitBody bounds the POST /requests body.
const maxSubmitBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "unavailable",
		State:         "unknown",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Handlers:      []HandlerStatus{},
	}
	code := http.StatusServiceUnavailable

	if s.status != nil {
		st := s.status.State()
		resp.State = st.String()
		if st == server.StateRunning {
			resp.Status = "ok"
			code = http.StatusOK
		}
		resp.RunningJobs = s.status.RunningJobs()
		for _, h := range s.status.Handlers() {
			types := h.Types()
			if types == nil {
				types = []string{}
			}
			resp.Handlers = append(resp.Handlers, HandlerStatus{
				Name:        h.Name(),
				Types:       types,
				RunningJobs: h.RunningJobs(),
			})
		}
	}

	respondJSON(w, code, resp)
}

// handleSubmit handles POST /requests.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.RecordThrottled()
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	id, err := s.submitter.Submit(r.Context(), connector.Submission{
		Type:     req.Type,
		ParentID: req.ParentID,
		Creator:  "api",
		Data:     req.Data,
	})
	if err != nil {
		s.logger.Error("failed to submit request", "type", req.Type, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit request")
		return
	}

	s.metrics.RecordSubmission("api")
	s.events.Publish(events.TypeRequestSubmitted, map[string]string{"request_id": id, "type": req.Type, "source": "api"})
	log.WithRequest(s.logger, id).Info("request submitted", "type", req.Type)

	respondJSON(w, http.StatusAccepted, SubmitResponse{RequestID: id, Status: "queued", Type: req.Type})
}

// handleGetRequest handles GET /requests/{requestID}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")

	rec, err := s.submitter.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, connector.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("failed to look up request", "request_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up request")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
