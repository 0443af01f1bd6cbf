package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyReviewed is returned when a quarantine record was already reviewed.
var ErrAlreadyReviewed = errors.New("quarantine record already reviewed")

// Memory is the authoritative in-process store for executions, quarantine
// records and security metric snapshots. All reads return copies; the engine
// is the only writer of execution state and goes through UpdateExecution so
// mutations to one record are serialized.
type Memory struct {
	mu          sync.RWMutex
	executions  map[string]*Execution
	order       []string // insertion order of execution ids
	quarantined map[string]*QuarantinedCode
	qorder      []string
	metrics     []SecurityMetric
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		executions:  make(map[string]*Execution),
		quarantined: make(map[string]*QuarantinedCode),
	}
}

// CreateExecution inserts a new execution record.
func (m *Memory) CreateExecution(exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	cp := copyExecution(exec)
	m.executions[exec.ID] = cp
	m.order = append(m.order, exec.ID)
	return nil
}

// GetExecution returns a snapshot of an execution.
func (m *Memory) GetExecution(id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return copyExecution(exec), nil
}

// UpdateExecution applies fn to the stored record under the store lock and
// returns a snapshot of the result. fn sees the live record; if it returns an
// error the record is left as fn left it, so fn must not partially mutate on
// failure.
func (m *Memory) UpdateExecution(id string, fn func(*Execution) error) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err := fn(exec); err != nil {
		return nil, err
	}
	return copyExecution(exec), nil
}

// ListExecutions returns snapshots matching the filter, newest first.
func (m *Memory) ListExecutions(filter ExecutionFilter) []Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Execution
	for i := len(m.order) - 1; i >= 0; i-- {
		exec := m.executions[m.order[i]]
		if filter.ScriptID != "" && exec.ScriptID != filter.ScriptID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.Since != nil && exec.StartTime.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && exec.StartTime.After(*filter.Until) {
			continue
		}
		out = append(out, *copyExecution(exec))
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// ListRunning returns non-terminal executions ordered by start time.
func (m *Memory) ListRunning() []Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Execution
	for _, id := range m.order {
		exec := m.executions[id]
		if !exec.Status.Terminal() {
			out = append(out, *copyExecution(exec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// CreateQuarantine inserts a quarantine record.
func (m *Memory) CreateQuarantine(q *QuarantinedCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.quarantined[q.ID]; ok {
		return fmt.Errorf("quarantine record %s already exists", q.ID)
	}
	cp := *q
	cp.Errors = append([]string(nil), q.Errors...)
	m.quarantined[q.ID] = &cp
	m.qorder = append(m.qorder, q.ID)
	return nil
}

// GetQuarantine returns a snapshot of a quarantine record.
func (m *Memory) GetQuarantine(id string) (*QuarantinedCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quarantined[id]
	if !ok {
		return nil, fmt.Errorf("quarantine record %s: %w", id, ErrNotFound)
	}
	cp := *q
	cp.Errors = append([]string(nil), q.Errors...)
	return &cp, nil
}

// ListQuarantine returns quarantine records, newest first.
func (m *Memory) ListQuarantine(limit, offset int) []QuarantinedCode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []QuarantinedCode
	for i := len(m.qorder) - 1; i >= 0; i-- {
		q := m.quarantined[m.qorder[i]]
		cp := *q
		cp.Errors = append([]string(nil), q.Errors...)
		out = append(out, cp)
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AttachQuarantineExecution back-references an admitted execution from its
// quarantine record, keeping the join resolvable from either side.
func (m *Memory) AttachQuarantineExecution(recordID, execID string) (*QuarantinedCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quarantined[recordID]
	if !ok {
		return nil, fmt.Errorf("quarantine record %s: %w", recordID, ErrNotFound)
	}
	q.ExecutionID = execID

	cp := *q
	cp.Errors = append([]string(nil), q.Errors...)
	return &cp, nil
}

// ReviewQuarantine marks a record reviewed. This is the only path that sets
// the review fields; a second review fails rather than overwriting the first.
func (m *Memory) ReviewQuarantine(id, reviewer string, at time.Time) (*QuarantinedCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quarantined[id]
	if !ok {
		return nil, fmt.Errorf("quarantine record %s: %w", id, ErrNotFound)
	}
	if q.Reviewed {
		return nil, ErrAlreadyReviewed
	}
	q.Reviewed = true
	q.ReviewedBy = reviewer
	t := at
	q.ReviewedAt = &t

	cp := *q
	cp.Errors = append([]string(nil), q.Errors...)
	return &cp, nil
}

// AppendMetric appends a security metric snapshot to the time series.
func (m *Memory) AppendMetric(metric SecurityMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, metric)
}

// ListMetrics returns the most recent snapshots, newest first.
func (m *Memory) ListMetrics(limit int) []SecurityMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SecurityMetric, 0, len(m.metrics))
	for i := len(m.metrics) - 1; i >= 0; i-- {
		out = append(out, m.metrics[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyExecution(exec *Execution) *Execution {
	cp := *exec
	cp.Logs = append([]LogEntry(nil), exec.Logs...)
	cp.Screenshots = append([]string(nil), exec.Screenshots...)
	if exec.Parameters != nil {
		cp.Parameters = make(map[string]any, len(exec.Parameters))
		for k, v := range exec.Parameters {
			cp.Parameters[k] = v
		}
	}
	if exec.EndTime != nil {
		t := *exec.EndTime
		cp.EndTime = &t
	}
	return &cp
}
