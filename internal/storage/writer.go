package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter persists finished executions, quarantine records and metric
// snapshots to PostgreSQL from a single goroutine, so slow or failing writes
// never block the engine.
type AuditWriter struct {
	db   *DB
	ch   chan auditEntry
	wg   sync.WaitGroup
	done chan struct{}
}

type auditEntry struct {
	exec       *Execution
	quarantine *QuarantinedCode
	metric     *SecurityMetric
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan auditEntry, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogExecution enqueues a terminal execution for persistence.
func (w *AuditWriter) LogExecution(exec *Execution) {
	w.enqueue(auditEntry{exec: exec}, exec.ID)
}

// LogQuarantine enqueues a quarantine record for persistence.
func (w *AuditWriter) LogQuarantine(q *QuarantinedCode) {
	w.enqueue(auditEntry{quarantine: q}, q.ID)
}

// LogMetric enqueues a security metric snapshot for persistence.
func (w *AuditWriter) LogMetric(m *SecurityMetric) {
	w.enqueue(auditEntry{metric: m}, m.ID)
}

func (w *AuditWriter) enqueue(entry auditEntry, id string) {
	select {
	case w.ch <- entry:
	default:
		log.Warn().Str("id", id).Msg("audit buffer full, dropping entry")
	}
}

// Flush stops the writer and drains pending entries, up to timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.writeWithRetry(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.writeWithRetry(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(entry auditEntry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.write(ctx, entry)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().Err(err).Msg("audit write failed permanently after retries")
		}
	}
}

func (w *AuditWriter) write(ctx context.Context, entry auditEntry) error {
	switch {
	case entry.exec != nil:
		return w.db.SaveExecution(ctx, entry.exec)
	case entry.quarantine != nil:
		return w.db.SaveQuarantine(ctx, entry.quarantine)
	case entry.metric != nil:
		return w.db.SaveMetric(ctx, entry.metric)
	}
	return nil
}
