package api

import "time"

// SubmitRequest is the API-level request to run a script.
type SubmitRequest struct {
	ScriptID   string         `json:"script_id"`
	ScriptName string         `json:"script_name,omitempty"`
	Code       string         `json:"code"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    Duration       `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// SubmitResponse acknowledges an admitted execution.
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// CancelResponse reports whether a cancellation was actually applied.
type CancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Cancelled   bool   `json:"cancelled"`
}

// ReviewRequest marks a quarantine record as human-reviewed.
type ReviewRequest struct {
	ReviewedBy string `json:"reviewed_by"`
}

// SettingsRequest updates the engine's runtime limits.
type SettingsRequest struct {
	MaxConcurrent  int      `json:"max_concurrent"`
	MaxQueueDepth  int      `json:"max_queue_depth"`
	DefaultTimeout Duration `json:"default_timeout"`
	MaxTimeout     Duration `json:"max_timeout"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Code      string   `json:"code"`
	Severity  string   `json:"severity,omitempty"`
	Details   []string `json:"details,omitempty"`
	RequestID string   `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Running  int    `json:"running"`
	Queued   int    `json:"queued"`
	Uptime   string `json:"uptime"`
}
