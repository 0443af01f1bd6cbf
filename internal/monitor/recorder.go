package monitor

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scriptflow/internal/bus"
	"scriptflow/internal/gate"
	"scriptflow/internal/storage"
)

// Recorder aggregates security metrics from terminal execution events and
// gate decisions. A single goroutine owns all aggregate state, so concurrent
// terminal events never lose increments; snapshots are full copies written
// to the store on an interval and on demand.
type Recorder struct {
	bus      *bus.Bus
	store    *storage.Memory
	audit    *storage.AuditWriter
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time

	decisions chan gate.Decision
	snapReq   chan chan storage.SecurityMetric
	stop      chan struct{}
	wg        sync.WaitGroup

	agg aggregates
}

type aggregates struct {
	total       int64
	blocked     int64
	timeouts    int64
	memViol     int64
	cpuViol     int64
	quarantined int64

	execMS float64
	execN  int64
	sanMS  float64
	sanN   int64
	valMS  float64
	valN   int64
}

// NewRecorder creates a recorder. audit may be nil.
func NewRecorder(b *bus.Bus, store *storage.Memory, audit *storage.AuditWriter, metrics *Metrics, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Recorder{
		bus:       b,
		store:     store,
		audit:     audit,
		metrics:   metrics,
		interval:  interval,
		now:       time.Now,
		decisions: make(chan gate.Decision, 1024),
		snapReq:   make(chan chan storage.SecurityMetric),
		stop:      make(chan struct{}),
	}
}

// ObserveDecision feeds a gate decision into the aggregation loop. Blocks
// only if the recorder is severely backlogged.
func (r *Recorder) ObserveDecision(d gate.Decision) {
	select {
	case r.decisions <- d:
	case <-r.stop:
	}
}

// Snapshot returns the current aggregates as a SecurityMetric without
// recording it.
func (r *Recorder) Snapshot() storage.SecurityMetric {
	reply := make(chan storage.SecurityMetric, 1)
	select {
	case r.snapReq <- reply:
		return <-reply
	case <-r.stop:
		return storage.SecurityMetric{RecordedAt: r.now()}
	}
}

// Start begins consuming events. Call Stop to flush a final snapshot.
func (r *Recorder) Start() {
	sub := r.bus.Subscribe(bus.ExecutionCompleted, bus.ExecutionFailed, bus.ExecutionCancelled)
	r.wg.Add(1)
	go r.loop(sub)
}

// Stop writes a final snapshot and waits for the loop to exit.
func (r *Recorder) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Recorder) loop(sub *bus.Subscription) {
	defer r.wg.Done()
	defer r.bus.Unsubscribe(sub)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			r.onTerminal(ev)
		case d := <-r.decisions:
			r.onDecision(d)
		case <-ticker.C:
			r.record()
		case reply := <-r.snapReq:
			reply <- r.snapshot()
		case <-r.stop:
			// Drain anything already queued, then leave a final snapshot.
			for {
				select {
				case ev := <-sub.C():
					r.onTerminal(ev)
				case d := <-r.decisions:
					r.onDecision(d)
				default:
					r.record()
					return
				}
			}
		}
	}
}

func (r *Recorder) onTerminal(ev bus.Event) {
	exec, ok := ev.Payload.(*storage.Execution)
	if !ok {
		log.Warn().Str("kind", string(ev.Kind)).Msg("terminal event without execution payload")
		return
	}

	r.agg.total++
	r.agg.execMS += float64(exec.DurationMS)
	r.agg.execN++

	switch {
	case exec.Error == "timeout":
		r.agg.timeouts++
	case strings.Contains(exec.Error, "memory limit"):
		r.agg.memViol++
	case strings.Contains(exec.Error, "cpu limit"):
		r.agg.cpuViol++
	}

	r.metrics.ExecutionsTotal.WithLabelValues(string(exec.Status)).Inc()
	r.metrics.ExecutionDuration.Observe(float64(exec.DurationMS) / 1000.0)
}

func (r *Recorder) onDecision(d gate.Decision) {
	r.metrics.GateDecisions.WithLabelValues(string(d.Verdict), d.Severity.String()).Inc()

	if !d.Accepted() {
		r.agg.total++
		r.agg.blocked++
	}
	if d.Quarantine != nil {
		r.agg.quarantined++
		r.metrics.QuarantinedTotal.Inc()
	}
	if d.SanitizationTime > 0 {
		r.agg.sanMS += float64(d.SanitizationTime.Microseconds()) / 1000.0
		r.agg.sanN++
	}
	if d.ValidationTime > 0 {
		r.agg.valMS += float64(d.ValidationTime.Microseconds()) / 1000.0
		r.agg.valN++
	}
}

func (r *Recorder) snapshot() storage.SecurityMetric {
	return storage.SecurityMetric{
		ID:                    uuid.New().String(),
		TotalExecutions:       r.agg.total,
		BlockedExecutions:     r.agg.blocked,
		TimeoutExecutions:     r.agg.timeouts,
		MemoryViolations:      r.agg.memViol,
		CPUViolations:         r.agg.cpuViol,
		QuarantinedScripts:    r.agg.quarantined,
		AvgExecutionTimeMS:    avg(r.agg.execMS, r.agg.execN),
		AvgSanitizationTimeMS: avg(r.agg.sanMS, r.agg.sanN),
		AvgValidationTimeMS:   avg(r.agg.valMS, r.agg.valN),
		RecordedAt:            r.now(),
	}
}

func (r *Recorder) record() {
	m := r.snapshot()
	r.store.AppendMetric(m)
	if r.audit != nil {
		r.audit.LogMetric(&m)
	}
}

func avg(sum float64, n int64) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
