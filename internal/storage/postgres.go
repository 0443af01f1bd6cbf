package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool used as a durable mirror of the
// in-memory store. The engine never reads execution state back from here;
// it exists for history and the dashboard's long-range queries.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// SaveExecution upserts an execution record. Called once per execution after
// the terminal transition, so the row reflects the final state.
func (db *DB) SaveExecution(ctx context.Context, exec *Execution) error {
	params, err := json.Marshal(exec.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	logs, err := json.Marshal(exec.Logs)
	if err != nil {
		return fmt.Errorf("encoding logs: %w", err)
	}
	shots, err := json.Marshal(exec.Screenshots)
	if err != nil {
		return fmt.Errorf("encoding screenshots: %w", err)
	}
	result, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	query := `
		INSERT INTO executions (id, script_id, script_name, status, start_time, end_time,
			duration_ms, progress, parameters, logs, screenshots, result, error,
			security_level, sanitization_id, validation_id, quarantined)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, end_time = EXCLUDED.end_time,
			duration_ms = EXCLUDED.duration_ms, progress = EXCLUDED.progress,
			logs = EXCLUDED.logs, screenshots = EXCLUDED.screenshots,
			result = EXCLUDED.result, error = EXCLUDED.error,
			quarantined = EXCLUDED.quarantined`

	_, err = db.pool.Exec(ctx, query,
		exec.ID, exec.ScriptID, exec.ScriptName, string(exec.Status),
		exec.StartTime, exec.EndTime, exec.DurationMS, exec.Progress,
		params, logs, shots, result,
		truncateForDB(exec.Error, 65535),
		exec.SecurityLevel, exec.SanitizationID, exec.ValidationID, exec.Quarantined,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// SaveQuarantine inserts a quarantined code record.
func (db *DB) SaveQuarantine(ctx context.Context, q *QuarantinedCode) error {
	errs, err := json.Marshal(q.Errors)
	if err != nil {
		return fmt.Errorf("encoding validation errors: %w", err)
	}

	query := `
		INSERT INTO quarantined_code (id, execution_id, original_code, sanitized_code,
			reason, errors, severity, reviewed, reviewed_by, reviewed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			reviewed = EXCLUDED.reviewed, reviewed_by = EXCLUDED.reviewed_by,
			reviewed_at = EXCLUDED.reviewed_at`

	_, err = db.pool.Exec(ctx, query,
		q.ID, q.ExecutionID,
		truncateForDB(q.OriginalCode, 1<<20),
		truncateForDB(q.SanitizedCode, 1<<20),
		q.Reason, errs, q.Severity,
		q.Reviewed, q.ReviewedBy, q.ReviewedAt, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting quarantine record: %w", err)
	}
	return nil
}

// SaveMetric appends a security metric snapshot.
func (db *DB) SaveMetric(ctx context.Context, m *SecurityMetric) error {
	query := `
		INSERT INTO security_metrics (id, total_executions, blocked_executions,
			timeout_executions, memory_violations, cpu_violations, quarantined_scripts,
			avg_execution_time_ms, avg_sanitization_time_ms, avg_validation_time_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := db.pool.Exec(ctx, query,
		m.ID, m.TotalExecutions, m.BlockedExecutions, m.TimeoutExecutions,
		m.MemoryViolations, m.CPUViolations, m.QuarantinedScripts,
		m.AvgExecutionTimeMS, m.AvgSanitizationTimeMS, m.AvgValidationTimeMS,
		m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security metric: %w", err)
	}
	return nil
}

// PruneLogs deletes terminal executions older than the retention window.
// Driven by an external scheduler (cron or the server's retention ticker);
// the engine itself never prunes.
func (db *DB) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM executions WHERE end_time IS NOT NULL AND end_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
