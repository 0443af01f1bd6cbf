package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scriptflow/internal/engine"
	"scriptflow/internal/gate"
	"scriptflow/internal/storage"
	"scriptflow/pkg/rules"
)

// fakeCore implements engine.Core for handler tests.
type fakeCore struct {
	submitID  string
	submitErr error
	lastReq   engine.SubmitRequest

	execs map[string]*storage.Execution

	cancelApplied bool
	cancelErr     error

	settings engine.Settings
}

func (f *fakeCore) Submit(req engine.SubmitRequest) (string, error) {
	f.lastReq = req
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeCore) Get(id string) (*storage.Execution, error) {
	exec, ok := f.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	return exec, nil
}

func (f *fakeCore) Cancel(id string) (bool, error) {
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	return f.cancelApplied, nil
}

func (f *fakeCore) ListRunning() []storage.Execution {
	var out []storage.Execution
	for _, e := range f.execs {
		if !e.Status.Terminal() {
			out = append(out, *e)
		}
	}
	return out
}

func (f *fakeCore) Settings() engine.Settings        { return f.settings }
func (f *fakeCore) UpdateSettings(s engine.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.settings = s
	return nil
}

func newTestHandlers(core *fakeCore) (*Handlers, *storage.Memory) {
	store := storage.NewMemory()
	return NewHandlers(core, store, nil, nil), store
}

func TestHandleSubmit(t *testing.T) {
	core := &fakeCore{submitID: "exec-1"}
	h, _ := newTestHandlers(core)

	body, _ := json.Marshal(SubmitRequest{
		ScriptID: "s1",
		Code:     "progress(10);",
		Timeout:  Duration{5 * time.Second},
	})
	req := httptest.NewRequest(http.MethodPost, "/executions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleSubmit(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ExecutionID != "exec-1" {
		t.Errorf("execution_id = %q", resp.ExecutionID)
	}
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}
	if core.lastReq.Timeout != 5*time.Second {
		t.Errorf("forwarded timeout = %s", core.lastReq.Timeout)
	}
}

func TestHandleSubmitErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			"invalid request",
			fmt.Errorf("%w: code is empty", engine.ErrInvalidRequest),
			http.StatusBadRequest, "INVALID_REQUEST",
		},
		{
			"capacity",
			fmt.Errorf("%w: queue full", engine.ErrCapacity),
			http.StatusTooManyRequests, "CAPACITY_EXCEEDED",
		},
		{
			"stopped",
			engine.ErrStopped,
			http.StatusServiceUnavailable, "UNAVAILABLE",
		},
		{
			"security rejection",
			&engine.SecurityError{
				Verdict:  gate.VerdictRejected,
				Reason:   "forbidden pattern",
				Severity: rules.SeverityHigh,
				Errors:   []string{"line 1: eval"},
			},
			http.StatusForbidden, "SECURITY_REJECTED",
		},
		{
			"quarantined",
			&engine.SecurityError{
				Verdict:  gate.VerdictQuarantined,
				Reason:   "forbidden API usage",
				Severity: rules.SeverityCritical,
			},
			http.StatusForbidden, "SECURITY_QUARANTINED",
		},
		{
			"internal",
			errors.New("unexpected"),
			http.StatusInternalServerError, "INTERNAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &fakeCore{submitErr: tt.err}
			h, _ := newTestHandlers(core)

			req := httptest.NewRequest(http.MethodPost, "/executions",
				bytes.NewReader([]byte(`{"code":"x();"}`)))
			rec := httptest.NewRecorder()
			h.HandleSubmit(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleSubmitBadJSON(t *testing.T) {
	h, _ := newTestHandlers(&fakeCore{})

	req := httptest.NewRequest(http.MethodPost, "/executions", bytes.NewReader([]byte(`{not json`)))
	rec := httptest.NewRecorder()
	h.HandleSubmit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSubmitMissingCode(t *testing.T) {
	h, _ := newTestHandlers(&fakeCore{})

	req := httptest.NewRequest(http.MethodPost, "/executions", bytes.NewReader([]byte(`{"script_id":"s1"}`)))
	rec := httptest.NewRecorder()
	h.HandleSubmit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetExecution(t *testing.T) {
	core := &fakeCore{execs: map[string]*storage.Execution{
		"e1": {ID: "e1", Status: storage.StatusRunning, Progress: 40},
	}}
	h, _ := newTestHandlers(core)

	req := httptest.NewRequest(http.MethodGet, "/executions/e1", nil)
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()
	h.HandleGetExecution(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var exec storage.Execution
	json.Unmarshal(rec.Body.Bytes(), &exec)
	if exec.ID != "e1" || exec.Progress != 40 {
		t.Errorf("got %+v", exec)
	}
}

func TestHandleGetExecutionNotFound(t *testing.T) {
	h, _ := newTestHandlers(&fakeCore{execs: map[string]*storage.Execution{}})

	req := httptest.NewRequest(http.MethodGet, "/executions/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	h.HandleGetExecution(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListExecutions(t *testing.T) {
	h, store := newTestHandlers(&fakeCore{})
	store.CreateExecution(&storage.Execution{ID: "e1", ScriptID: "s1", Status: storage.StatusCompleted, StartTime: time.Now()})
	store.CreateExecution(&storage.Execution{ID: "e2", ScriptID: "s2", Status: storage.StatusRunning, StartTime: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/executions?status=running", nil)
	rec := httptest.NewRecorder()
	h.HandleListExecutions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []storage.Execution
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 1 || out[0].ID != "e2" {
		t.Errorf("got %v", out)
	}
}

func TestHandleListExecutionsBadStatus(t *testing.T) {
	h, _ := newTestHandlers(&fakeCore{})

	req := httptest.NewRequest(http.MethodGet, "/executions?status=bogus", nil)
	rec := httptest.NewRecorder()
	h.HandleListExecutions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCancelExecution(t *testing.T) {
	core := &fakeCore{cancelApplied: true}
	h, _ := newTestHandlers(core)

	req := httptest.NewRequest(http.MethodDelete, "/executions/e1", nil)
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()
	h.HandleCancelExecution(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp CancelResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Cancelled {
		t.Error("cancelled = false, want true")
	}
}

func TestHandleCancelTerminalReturnsFalse(t *testing.T) {
	core := &fakeCore{cancelApplied: false}
	h, _ := newTestHandlers(core)

	req := httptest.NewRequest(http.MethodDelete, "/executions/e1", nil)
	req.SetPathValue("id", "e1")
	rec := httptest.NewRecorder()
	h.HandleCancelExecution(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a no-op cancel", rec.Code)
	}
	var resp CancelResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Cancelled {
		t.Error("cancelled = true, want false")
	}
}

func TestHandleQuarantineReview(t *testing.T) {
	h, store := newTestHandlers(&fakeCore{})
	store.CreateQuarantine(&storage.QuarantinedCode{ID: "q1", Severity: "high", CreatedAt: time.Now()})

	body := []byte(`{"reviewed_by":"alex"}`)
	req := httptest.NewRequest(http.MethodPost, "/quarantine/q1/review", bytes.NewReader(body))
	req.SetPathValue("id", "q1")
	rec := httptest.NewRecorder()
	h.HandleReviewQuarantine(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var q storage.QuarantinedCode
	json.Unmarshal(rec.Body.Bytes(), &q)
	if !q.Reviewed || q.ReviewedBy != "alex" {
		t.Errorf("got %+v", q)
	}

	// Second review conflicts.
	req = httptest.NewRequest(http.MethodPost, "/quarantine/q1/review", bytes.NewReader(body))
	req.SetPathValue("id", "q1")
	rec = httptest.NewRecorder()
	h.HandleReviewQuarantine(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("second review status = %d, want 409", rec.Code)
	}
}

func TestHandleQuarantineReviewValidation(t *testing.T) {
	h, _ := newTestHandlers(&fakeCore{})

	req := httptest.NewRequest(http.MethodPost, "/quarantine/q1/review",
		bytes.NewReader([]byte(`{"reviewed_by":""}`)))
	req.SetPathValue("id", "q1")
	rec := httptest.NewRecorder()
	h.HandleReviewQuarantine(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/quarantine/missing/review",
		bytes.NewReader([]byte(`{"reviewed_by":"alex"}`)))
	req.SetPathValue("id", "missing")
	rec = httptest.NewRecorder()
	h.HandleReviewQuarantine(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleSecurityMetrics(t *testing.T) {
	h, store := newTestHandlers(&fakeCore{})
	store.AppendMetric(storage.SecurityMetric{ID: "m1", TotalExecutions: 5})

	req := httptest.NewRequest(http.MethodGet, "/security/metrics", nil)
	rec := httptest.NewRecorder()
	h.HandleSecurityMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []storage.SecurityMetric
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 1 || out[0].TotalExecutions != 5 {
		t.Errorf("got %v", out)
	}
}

func TestHandleSecurityMetricsCurrentWithoutRecorder(t *testing.T) {
	h, _ := newTestHandlers(&fakeCore{})

	req := httptest.NewRequest(http.MethodGet, "/security/metrics/current", nil)
	rec := httptest.NewRecorder()
	h.HandleSecurityMetricsCurrent(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleUpdateSettings(t *testing.T) {
	core := &fakeCore{settings: engine.Settings{
		MaxConcurrent: 10, MaxQueueDepth: 50,
		DefaultTimeout: 30 * time.Second, MaxTimeout: 60 * time.Second,
	}}
	h, _ := newTestHandlers(core)

	body := []byte(`{"max_concurrent":20,"max_queue_depth":100,"default_timeout":"10s","max_timeout":"30s"}`)
	req := httptest.NewRequest(http.MethodPut, "/config/engine", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleUpdateSettings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if core.settings.MaxConcurrent != 20 {
		t.Errorf("MaxConcurrent = %d, want 20", core.settings.MaxConcurrent)
	}
	if core.settings.DefaultTimeout != 10*time.Second {
		t.Errorf("DefaultTimeout = %s, want 10s", core.settings.DefaultTimeout)
	}
}

func TestHandleUpdateSettingsInvalid(t *testing.T) {
	core := &fakeCore{settings: engine.Settings{MaxConcurrent: 10, MaxQueueDepth: 50, DefaultTimeout: 30 * time.Second}}
	h, _ := newTestHandlers(core)

	body := []byte(`{"max_concurrent":0,"max_queue_depth":0,"default_timeout":"10s","max_timeout":"30s"}`)
	req := httptest.NewRequest(http.MethodPut, "/config/engine", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleUpdateSettings(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if core.settings.MaxConcurrent != 10 {
		t.Error("rejected update changed settings")
	}
}
