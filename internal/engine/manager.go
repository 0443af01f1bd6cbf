// Package engine drives the execution lifecycle: admission control, the
// queued → running → terminal state machine, cancellation and event
// emission. One manager is constructed per process with injected
// configuration, clock and executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scriptflow/internal/bus"
	"scriptflow/internal/gate"
	"scriptflow/internal/monitor"
	"scriptflow/internal/storage"
)

// Settings are the engine's runtime-adjustable limits.
type Settings struct {
	MaxConcurrent  int
	MaxQueueDepth  int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Validate checks settings consistency.
func (s Settings) Validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", s.MaxConcurrent)
	}
	if s.MaxQueueDepth < 0 {
		return fmt.Errorf("max_queue_depth must be >= 0, got %d", s.MaxQueueDepth)
	}
	if s.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	if s.MaxTimeout > 0 && s.DefaultTimeout > s.MaxTimeout {
		return fmt.Errorf("default_timeout (%s) must be <= max_timeout (%s)", s.DefaultTimeout, s.MaxTimeout)
	}
	return nil
}

// SubmitRequest is a request to run one script.
type SubmitRequest struct {
	ScriptID   string
	ScriptName string
	Code       string
	Parameters map[string]any
	Timeout    time.Duration // 0 means the configured default
}

// DecisionObserver is notified of every gate decision, accepted or not.
// The metrics recorder implements it.
type DecisionObserver interface {
	ObserveDecision(d gate.Decision)
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditWriter mirrors terminal executions and quarantine records to the
// durable audit log.
func WithAuditWriter(w *storage.AuditWriter) Option {
	return func(m *Manager) { m.audit = w }
}

// WithDecisionObserver registers a gate decision observer.
func WithDecisionObserver(obs DecisionObserver) Option {
	return func(m *Manager) { m.observer = obs }
}

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTracer enables a span per execution run.
func WithTracer(tr *monitor.Tracer) Option {
	return func(m *Manager) { m.tracer = tr }
}

// flow is the engine's private handle on one in-flight execution. All state
// transitions for the execution go through f.mu, which makes them
// linearizable; everything else about the execution is owned by the single
// goroutine driving it.
type flow struct {
	id       string
	scriptID string
	code     string
	params   map[string]any
	timeout  time.Duration
	severity string

	mu        sync.Mutex
	terminal  bool
	cancelled bool
	progress  int

	// guarded by Manager.mu
	started  bool
	heldSlot bool
	dequeued bool
	runCtx   context.Context
	stop     context.CancelFunc
}

// Manager accepts run requests, enforces admission control and drives each
// admitted execution through the state machine.
type Manager struct {
	store    *storage.Memory
	bus      *bus.Bus
	gate     *gate.Gate
	executor Executor
	audit    *storage.AuditWriter
	observer DecisionObserver
	tracer   *monitor.Tracer
	now      func() time.Time

	mu       sync.Mutex
	settings Settings
	running  int
	queue    []*flow
	flows    map[string]*flow
	stopped  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a manager. Call Stop to shut it down.
func New(settings Settings, store *storage.Memory, b *bus.Bus, g *gate.Gate, exec Executor, opts ...Option) (*Manager, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine settings: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		bus:      b,
		gate:     g,
		executor: exec,
		now:      time.Now,
		settings: settings,
		flows:    make(map[string]*flow),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Submit vets the code, applies admission control and, if admitted, creates
// the execution record and returns its id immediately. The run itself
// proceeds asynchronously; everything after admission is reported through
// the event bus and the execution's terminal fields.
func (m *Manager) Submit(req SubmitRequest) (string, error) {
	if req.Code == "" {
		return "", fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.currentSettings().DefaultTimeout
	}
	if max := m.currentSettings().MaxTimeout; max > 0 && timeout > max {
		return "", fmt.Errorf("%w: timeout %s exceeds maximum %s", ErrInvalidRequest, timeout, max)
	}

	decision := m.gate.Vet(req.Code, req.Parameters)
	if m.observer != nil {
		m.observer.ObserveDecision(decision)
	}
	if !decision.Accepted() {
		if m.audit != nil && decision.Quarantine != nil {
			m.audit.LogQuarantine(decision.Quarantine)
		}
		secErr := &SecurityError{
			Verdict:  decision.Verdict,
			Reason:   decision.Reason,
			Severity: decision.Severity,
			Errors:   decision.Errors,
		}
		if decision.Quarantine != nil {
			secErr.QuarantineID = decision.Quarantine.ID
		}
		return "", secErr
	}

	f := &flow{
		id:       uuid.New().String(),
		scriptID: req.ScriptID,
		code:     decision.SanitizedCode,
		params:   req.Parameters,
		timeout:  timeout,
		severity: decision.Severity.String(),
	}

	name := req.ScriptName
	if name == "" {
		name = "unnamed script"
	}
	exec := &storage.Execution{
		ID:             f.id,
		ScriptID:       req.ScriptID,
		ScriptName:     name,
		Status:         storage.StatusQueued,
		StartTime:      m.now(),
		Parameters:     req.Parameters,
		SecurityLevel:  decision.Severity.String(),
		SanitizationID: decision.SanitizationID,
		ValidationID:   decision.ValidationID,
		Quarantined:    decision.Quarantine != nil,
	}

	// Admission: slot, bounded queue, or capacity error. Nothing is
	// persisted for rejected admissions. The record is created under m.mu,
	// before the flow is reachable from the queue or the flow table: a
	// released slot can start a queued flow the instant it is appended, and
	// the running transition needs the record to already exist.
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	start := m.running < m.settings.MaxConcurrent
	if !start && len(m.queue) >= m.settings.MaxQueueDepth {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d running, queue depth %d",
			ErrCapacity, m.settings.MaxConcurrent, m.settings.MaxQueueDepth)
	}
	if err := m.store.CreateExecution(exec); err != nil {
		m.mu.Unlock()
		return "", &ExecutionError{ExecID: f.id, Op: "create_record", Err: err}
	}
	if start {
		m.running++
		m.startLocked(f)
	} else {
		m.queue = append(m.queue, f)
	}
	m.flows[f.id] = f
	m.mu.Unlock()

	// A sanitized acceptance with a quarantine record: make the join
	// resolvable from either side before the created event goes out.
	if decision.Quarantine != nil {
		if q, err := m.store.AttachQuarantineExecution(decision.Quarantine.ID, f.id); err == nil {
			if m.audit != nil {
				m.audit.LogQuarantine(q)
			}
		}
	}

	snap, _ := m.store.GetExecution(f.id)
	m.publish(bus.ExecutionCreated, f.id, snap)

	log.Info().
		Str("execution_id", f.id).
		Str("script_id", req.ScriptID).
		Str("security_level", decision.Severity.String()).
		Bool("queued_behind", !start).
		Msg("execution admitted")

	if start {
		m.wg.Add(1)
		go m.run(f)
	}
	return f.id, nil
}

// startLocked marks f scheduled onto a slot. Caller holds m.mu and has
// already accounted for the slot.
func (m *Manager) startLocked(f *flow) {
	f.started = true
	f.heldSlot = true
	f.runCtx, f.stop = context.WithCancel(m.baseCtx)
}

// Get returns a snapshot of an execution.
func (m *Manager) Get(id string) (*storage.Execution, error) {
	return m.store.GetExecution(id)
}

// ListRunning returns non-terminal executions in admission order.
func (m *Manager) ListRunning() []storage.Execution {
	return m.store.ListRunning()
}

// Cancel requests cancellation. It returns true if a cancellation was
// actually applied; cancelling an already-terminal execution is a no-op
// returning false, not an error.
func (m *Manager) Cancel(id string) (bool, error) {
	m.mu.Lock()
	f := m.flows[id]
	m.mu.Unlock()

	if f == nil {
		if _, err := m.store.GetExecution(id); err != nil {
			return false, err
		}
		return false, nil
	}

	f.mu.Lock()
	if f.terminal {
		f.mu.Unlock()
		return false, nil
	}
	f.cancelled = true

	m.mu.Lock()
	started := f.started
	if !started {
		f.dequeued = true
	}
	m.mu.Unlock()

	applied := m.finalizeLocked(f, storage.StatusCancelled, nil, "")
	f.mu.Unlock()

	// Signal the executor after the cancelled state is committed; any
	// progress or log it still reports hits the terminal guard and is
	// dropped.
	if started && f.stop != nil {
		f.stop()
	}
	if !started {
		// Never held a slot; just forget its queue entry.
		m.release(f)
	}
	return applied, nil
}

// UpdateSettings swaps the engine limits and emits a configUpdated event.
// Raising capacity drains the wait queue immediately.
func (m *Manager) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.settings = s
	m.scheduleLocked()
	m.mu.Unlock()

	m.publish(bus.ConfigUpdated, "", s)
	log.Info().
		Int("max_concurrent", s.MaxConcurrent).
		Int("max_queue_depth", s.MaxQueueDepth).
		Msg("engine settings updated")
	return nil
}

// Settings returns the current engine limits.
func (m *Manager) Settings() Settings {
	return m.currentSettings()
}

// RunningCount returns the number of executions holding a slot.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// QueueDepth returns the number of executions waiting for a slot.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.queue {
		if !f.dequeued {
			n++
		}
	}
	return n
}

// Stop refuses new submissions, cancels in-flight executions and waits for
// their goroutines, up to ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	flows := make([]*flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.mu.Unlock()

	for _, f := range flows {
		if _, err := m.Cancel(f.id); err != nil {
			log.Error().Err(err).Str("execution_id", f.id).Msg("cancel during shutdown failed")
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// run drives one admitted execution to a terminal state. All executor
// failures are caught here and converted into the failed transition; nothing
// escapes this loop.
func (m *Manager) run(f *flow) {
	defer m.wg.Done()
	defer m.release(f)

	if !m.toRunning(f) {
		return
	}

	runCtx := f.runCtx
	if m.tracer != nil {
		ctx, span := m.tracer.StartSpan(runCtx, "execution.run",
			monitor.AttrExecutionID.String(f.id),
			monitor.AttrScriptID.String(f.scriptID),
			monitor.AttrSeverity.String(f.severity))
		runCtx = ctx
		defer func() {
			if exec, err := m.store.GetExecution(f.id); err == nil {
				span.SetAttributes(
					monitor.AttrStatus.String(string(exec.Status)),
					monitor.AttrDurationMS.Int64(exec.DurationMS),
				)
			}
			span.End()
		}()
	}

	execCtx, cancel := context.WithTimeout(runCtx, f.timeout)
	defer cancel()

	result, err := m.invoke(execCtx, f)

	if err == nil {
		if result == nil {
			result = "ok"
		}
		m.finalize(f, storage.StatusCompleted, result, "")
		return
	}

	f.mu.Lock()
	alreadyTerminal := f.terminal
	f.mu.Unlock()
	if alreadyTerminal {
		// Cancellation committed first; the executor's outcome is dropped.
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) || execCtx.Err() == context.DeadlineExceeded {
		m.finalize(f, storage.StatusFailed, nil, "timeout")
		return
	}
	m.finalize(f, storage.StatusFailed, nil, err.Error())
}

// invoke calls the opaque executor with panic containment.
func (m *Manager) invoke(ctx context.Context, f *flow) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("execution_id", f.id).Msg("executor panicked")
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	cb := Callbacks{
		OnProgress: func(p int) { m.applyProgress(f, p) },
		OnLog: func(level storage.LogLevel, msg string, data map[string]any) {
			m.applyLog(f, level, msg, data)
		},
		OnScreenshot: func(ref string) { m.applyScreenshot(f, ref) },
	}
	return m.executor.Run(ctx, f.code, f.params, cb)
}

func (m *Manager) toRunning(f *flow) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal {
		return false
	}
	snap, err := m.store.UpdateExecution(f.id, func(e *storage.Execution) error {
		e.Status = storage.StatusRunning
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("execution_id", f.id).Msg("running transition failed")
		return false
	}
	m.publish(bus.ExecutionUpdated, f.id, snap)
	return true
}

// applyProgress clamps non-monotonic reports to max(previous, reported).
// 100 is reserved for the completed transition.
func (m *Manager) applyProgress(f *flow, p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal {
		return
	}
	if p < 0 {
		p = 0
	}
	if p > 99 {
		p = 99
	}
	if p < f.progress {
		p = f.progress
	}
	f.progress = p
	snap, err := m.store.UpdateExecution(f.id, func(e *storage.Execution) error {
		e.Progress = p
		return nil
	})
	if err != nil {
		return
	}
	m.publish(bus.ExecutionUpdated, f.id, snap)
}

func (m *Manager) applyLog(f *flow, level storage.LogLevel, msg string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal {
		return
	}
	entry := storage.LogEntry{
		Timestamp: m.now(),
		Level:     level,
		Message:   msg,
		Data:      data,
	}
	if _, err := m.store.UpdateExecution(f.id, func(e *storage.Execution) error {
		e.Logs = append(e.Logs, entry)
		return nil
	}); err != nil {
		return
	}
	m.publish(bus.LogAdded, f.id, entry)
}

func (m *Manager) applyScreenshot(f *flow, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal {
		return
	}
	snap, err := m.store.UpdateExecution(f.id, func(e *storage.Execution) error {
		e.Screenshots = append(e.Screenshots, ref)
		return nil
	})
	if err != nil {
		return
	}
	m.publish(bus.ExecutionUpdated, f.id, snap)
}

// finalize commits a terminal transition. Exactly one caller wins; later
// attempts are no-ops, which is what makes the cancellation race safe.
func (m *Manager) finalize(f *flow, status storage.Status, result any, errMsg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m.finalizeLocked(f, status, result, errMsg)
}

func (m *Manager) finalizeLocked(f *flow, status storage.Status, result any, errMsg string) bool {
	if f.terminal {
		return false
	}
	f.terminal = true

	end := m.now()
	snap, err := m.store.UpdateExecution(f.id, func(e *storage.Execution) error {
		e.Status = status
		e.EndTime = &end
		e.DurationMS = end.Sub(e.StartTime).Milliseconds()
		switch status {
		case storage.StatusCompleted:
			e.Progress = 100
			e.Result = result
		case storage.StatusFailed:
			e.Error = errMsg
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("execution_id", f.id).Msg("terminal transition failed")
		return false
	}

	switch status {
	case storage.StatusCompleted:
		m.publish(bus.ExecutionCompleted, f.id, snap)
	case storage.StatusFailed:
		m.publish(bus.ExecutionFailed, f.id, snap)
	case storage.StatusCancelled:
		m.publish(bus.ExecutionCancelled, f.id, snap)
	}

	if m.audit != nil {
		m.audit.LogExecution(snap)
	}

	m.mu.Lock()
	delete(m.flows, f.id)
	m.mu.Unlock()

	log.Info().
		Str("execution_id", f.id).
		Str("status", string(status)).
		Int64("duration_ms", snap.DurationMS).
		Msg("execution finished")
	return true
}

// release returns f's slot (if it held one) and schedules waiting flows.
func (m *Manager) release(f *flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.heldSlot {
		f.heldSlot = false
		m.running--
	}
	m.scheduleLocked()
}

// scheduleLocked starts queued flows while slots are free, FIFO, skipping
// entries cancelled while they waited. Caller holds m.mu.
func (m *Manager) scheduleLocked() {
	for m.running < m.settings.MaxConcurrent && len(m.queue) > 0 {
		f := m.queue[0]
		m.queue = m.queue[1:]
		if f.dequeued {
			continue
		}
		m.running++
		m.startLocked(f)
		m.wg.Add(1)
		go m.run(f)
	}
}

func (m *Manager) currentSettings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Manager) publish(kind bus.Kind, execID string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:        kind,
		ExecutionID: execID,
		Time:        m.now(),
		Payload:     payload,
	})
}
