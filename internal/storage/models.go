package storage

import "time"

// Status is the execution state machine position.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LogLevel classifies a log entry.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelSecurity LogLevel = "security"
)

// LogEntry is one line of execution output. Immutable once appended;
// slice order is append order, which is causal order within one execution.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Execution is the authoritative record of a single script run.
// ScriptName is a snapshot taken at admission; the script itself may be
// deleted while this record persists.
type Execution struct {
	ID             string         `json:"id" db:"id"`
	ScriptID       string         `json:"script_id" db:"script_id"`
	ScriptName     string         `json:"script_name" db:"script_name"`
	Status         Status         `json:"status" db:"status"`
	StartTime      time.Time      `json:"start_time" db:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty" db:"end_time"`
	DurationMS     int64          `json:"duration_ms" db:"duration_ms"`
	Progress       int            `json:"progress" db:"progress"`
	Parameters     map[string]any `json:"parameters,omitempty" db:"parameters"`
	Logs           []LogEntry     `json:"logs" db:"logs"`
	Screenshots    []string       `json:"screenshots" db:"screenshots"`
	Result         any            `json:"result,omitempty" db:"result"`
	Error          string         `json:"error,omitempty" db:"error"`
	SecurityLevel  string         `json:"security_level" db:"security_level"`
	SanitizationID string         `json:"sanitization_id,omitempty" db:"sanitization_id"`
	ValidationID   string         `json:"validation_id,omitempty" db:"validation_id"`
	Quarantined    bool           `json:"quarantined" db:"quarantined"`
}

// QuarantinedCode is the audit record left behind by a gate rejection or
// quarantine decision. Review fields are set only through the human-review
// workflow, never by the engine.
type QuarantinedCode struct {
	ID            string     `json:"id" db:"id"`
	ExecutionID   string     `json:"execution_id,omitempty" db:"execution_id"`
	OriginalCode  string     `json:"original_code" db:"original_code"`
	SanitizedCode string     `json:"sanitized_code,omitempty" db:"sanitized_code"`
	Reason        string     `json:"reason" db:"reason"`
	Errors        []string   `json:"errors" db:"errors"`
	Severity      string     `json:"severity" db:"severity"`
	Reviewed      bool       `json:"reviewed" db:"reviewed"`
	ReviewedBy    string     `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// SecurityMetric is a full aggregate snapshot, not a delta. Append-only
// time series; full snapshots keep the read path simple and avoid
// concurrent-increment races at the storage layer.
type SecurityMetric struct {
	ID                    string    `json:"id" db:"id"`
	TotalExecutions       int64     `json:"total_executions" db:"total_executions"`
	BlockedExecutions     int64     `json:"blocked_executions" db:"blocked_executions"`
	TimeoutExecutions     int64     `json:"timeout_executions" db:"timeout_executions"`
	MemoryViolations      int64     `json:"memory_violations" db:"memory_violations"`
	CPUViolations         int64     `json:"cpu_violations" db:"cpu_violations"`
	QuarantinedScripts    int64     `json:"quarantined_scripts" db:"quarantined_scripts"`
	AvgExecutionTimeMS    float64   `json:"avg_execution_time_ms" db:"avg_execution_time_ms"`
	AvgSanitizationTimeMS float64   `json:"avg_sanitization_time_ms" db:"avg_sanitization_time_ms"`
	AvgValidationTimeMS   float64   `json:"avg_validation_time_ms" db:"avg_validation_time_ms"`
	RecordedAt            time.Time `json:"recorded_at" db:"recorded_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	ScriptID string
	Status   Status
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
