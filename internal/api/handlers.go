package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"scriptflow/internal/engine"
	"scriptflow/internal/monitor"
	"scriptflow/internal/storage"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	core     engine.Core
	store    *storage.Memory
	recorder *monitor.Recorder
	metrics  *monitor.Metrics
}

// NewHandlers creates the handler set.
func NewHandlers(core engine.Core, store *storage.Memory, recorder *monitor.Recorder, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		core:     core,
		store:    store,
		recorder: recorder,
		metrics:  metrics,
	}
}

// HandleSubmit admits a script for execution.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.metrics != nil {
		h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	id, err := h.core.Submit(engine.SubmitRequest{
		ScriptID:   req.ScriptID,
		ScriptName: req.ScriptName,
		Code:       req.Code,
		Parameters: req.Parameters,
		Timeout:    req.Timeout.Duration,
	})
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	log.Info().
		Str("execution_id", id).
		Str("script_id", req.ScriptID).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("execution submitted")

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ExecutionID: id,
		Status:      string(storage.StatusQueued),
	})
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var secErr *engine.SecurityError
	switch {
	case errors.As(err, &secErr):
		resp := ErrorResponse{
			Error:     secErr.Reason,
			Code:      "SECURITY_" + upper(string(secErr.Verdict)),
			Severity:  secErr.Severity.String(),
			Details:   secErr.Errors,
			RequestID: RequestIDFromContext(r.Context()),
		}
		writeJSON(w, http.StatusForbidden, resp)
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, engine.ErrCapacity):
		w.Header().Set("Retry-After", "5")
		writeError(w, err.Error(), "CAPACITY_EXCEEDED", http.StatusTooManyRequests, r)
	case errors.Is(err, engine.ErrStopped):
		writeError(w, "engine is shutting down", "UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Msg("submit failed")
		writeError(w, "submission failed", "INTERNAL", http.StatusInternalServerError, r)
	}
}

// HandleGetExecution returns a single execution by ID.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	exec, err := h.core.Get(id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

// HandleListExecutions lists executions, optionally filtered by status
// and script ID via query parameters.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.ExecutionFilter{
		ScriptID: q.Get("script_id"),
		Limit:    parseIntDefault(q.Get("limit"), 50),
		Offset:   parseIntDefault(q.Get("offset"), 0),
	}

	if s := q.Get("status"); s != "" {
		status := storage.Status(s)
		if !status.Valid() {
			writeError(w, "unknown status: "+s, "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Status = status
	}

	writeJSON(w, http.StatusOK, h.store.ListExecutions(filter))
}

// HandleListRunning lists executions that are queued or running.
func (h *Handlers) HandleListRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.ListRunning())
}

// HandleCancelExecution requests cancellation of an execution.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	cancelled, err := h.core.Cancel(id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	log.Info().
		Str("execution_id", id).
		Bool("cancelled", cancelled).
		Msg("cancel requested")

	writeJSON(w, http.StatusOK, CancelResponse{ExecutionID: id, Cancelled: cancelled})
}

// HandleListQuarantine lists quarantined code records, newest first.
func (h *Handlers) HandleListQuarantine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)
	writeJSON(w, http.StatusOK, h.store.ListQuarantine(limit, offset))
}

// HandleGetQuarantine returns a quarantine record by ID.
func (h *Handlers) HandleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.store.GetQuarantine(id)
	if err != nil {
		writeError(w, "quarantine record not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleReviewQuarantine marks a quarantine record as reviewed.
func (h *Handlers) HandleReviewQuarantine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ReviewedBy == "" {
		writeError(w, "reviewed_by is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rec, err := h.store.ReviewQuarantine(id, req.ReviewedBy, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, "quarantine record not found", "NOT_FOUND", http.StatusNotFound, r)
		case errors.Is(err, storage.ErrAlreadyReviewed):
			writeError(w, "record already reviewed", "ALREADY_REVIEWED", http.StatusConflict, r)
		default:
			writeError(w, "review failed", "INTERNAL", http.StatusInternalServerError, r)
		}
		return
	}

	log.Info().
		Str("quarantine_id", id).
		Str("reviewed_by", req.ReviewedBy).
		Msg("quarantine record reviewed")

	writeJSON(w, http.StatusOK, rec)
}

// HandleSecurityMetrics returns the recorded security metric snapshots.
func (h *Handlers) HandleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	writeJSON(w, http.StatusOK, h.store.ListMetrics(limit))
}

// HandleSecurityMetricsCurrent returns an on-demand snapshot of the
// current aggregation window.
func (h *Handlers) HandleSecurityMetricsCurrent(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		writeError(w, "metrics recorder not enabled", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.recorder.Snapshot())
}

// HandleGetSettings returns the engine's current runtime settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	s := h.core.Settings()
	writeJSON(w, http.StatusOK, SettingsRequest{
		MaxConcurrent:  s.MaxConcurrent,
		MaxQueueDepth:  s.MaxQueueDepth,
		DefaultTimeout: Duration{s.DefaultTimeout},
		MaxTimeout:     Duration{s.MaxTimeout},
	})
}

// HandleUpdateSettings applies new engine runtime settings.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	settings := engine.Settings{
		MaxConcurrent:  req.MaxConcurrent,
		MaxQueueDepth:  req.MaxQueueDepth,
		DefaultTimeout: req.DefaultTimeout.Duration,
		MaxTimeout:     req.MaxTimeout.Duration,
	}
	if err := h.core.UpdateSettings(settings); err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	log.Info().
		Int("max_concurrent", settings.MaxConcurrent).
		Int("max_queue_depth", settings.MaxQueueDepth).
		Msg("engine settings updated")

	writeJSON(w, http.StatusOK, req)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func upper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
