// Package gate inspects script source before the engine admits it.
// A verdict is a pure function of the code and the configured rule set;
// the only side effect is recording quarantine decisions for audit.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scriptflow/internal/storage"
	"scriptflow/pkg/rules"
)

// Verdict is the gate's classification of a piece of code.
type Verdict string

const (
	VerdictAccepted    Verdict = "accepted"
	VerdictRejected    Verdict = "rejected"
	VerdictQuarantined Verdict = "quarantined"
)

// Decision is the outcome of vetting one script body.
type Decision struct {
	Verdict        Verdict
	SanitizedCode  string // set when accepted
	SanitizationID string // set when accepted
	ValidationID   string
	Reason         string
	Severity       rules.Severity
	Errors         []string
	Findings       []rules.Finding

	// Quarantine is the audit record created for this decision, if any.
	// Present for every decision with severity >= high, including sanitized
	// acceptances, so the audit trail is never lossy.
	Quarantine *storage.QuarantinedCode

	ValidationTime   time.Duration
	SanitizationTime time.Duration
}

// Accepted reports whether the code may proceed to admission.
func (d Decision) Accepted() bool {
	return d.Verdict == VerdictAccepted
}

// QuarantineSink records quarantine decisions.
type QuarantineSink interface {
	CreateQuarantine(q *storage.QuarantinedCode) error
}

// Config controls gate behavior. All knobs come from configuration,
// never hardcoded.
type Config struct {
	Enabled          bool
	MaxCodeBytes     int
	EnableQuarantine bool
}

// Gate vets script source against a bounded rule set.
type Gate struct {
	cfg   Config
	rules *rules.Set
	sink  QuarantineSink
	now   func() time.Time
}

// New creates a gate. sink may be nil, in which case quarantine records are
// still attached to decisions but not persisted.
func New(cfg Config, set *rules.Set, sink QuarantineSink) *Gate {
	if set == nil {
		set = rules.Default()
	}
	return &Gate{
		cfg:   cfg,
		rules: set,
		sink:  sink,
		now:   time.Now,
	}
}

// Vet classifies code prior to admission. Inspection failures never admit:
// a panic during scanning becomes a critical rejection.
func (g *Gate) Vet(code string, params map[string]any) (decision Decision) {
	if !g.cfg.Enabled {
		return Decision{
			Verdict:        VerdictAccepted,
			SanitizedCode:  code,
			SanitizationID: uuid.New().String(),
			ValidationID:   uuid.New().String(),
			Severity:       rules.SeverityLow,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("gate inspection panicked")
			decision = g.reject(code, fmt.Sprintf("inspection failure: %v", r),
				rules.SeverityCritical, nil)
		}
	}()

	validationID := uuid.New().String()

	if g.cfg.MaxCodeBytes > 0 && len(code) > g.cfg.MaxCodeBytes {
		d := g.reject(code, "size exceeded", rules.SeverityHigh, nil)
		d.ValidationID = validationID
		d.Errors = []string{fmt.Sprintf("code is %d bytes, limit is %d", len(code), g.cfg.MaxCodeBytes)}
		if d.Quarantine != nil {
			d.Quarantine.Errors = d.Errors
		}
		return d
	}

	scanStart := g.now()
	findings := g.rules.Scan(code)
	validationTime := g.now().Sub(scanStart)

	if len(findings) == 0 {
		sanStart := g.now()
		sanitized := normalize(code)
		return Decision{
			Verdict:          VerdictAccepted,
			SanitizedCode:    sanitized,
			SanitizationID:   uuid.New().String(),
			ValidationID:     validationID,
			Severity:         rules.SeverityLow,
			ValidationTime:   validationTime,
			SanitizationTime: g.now().Sub(sanStart),
		}
	}

	severity := g.rules.MaxSeverity(findings)
	errs := findingErrors(findings)

	// Critical findings are never admitted.
	if severity >= rules.SeverityCritical {
		verdict := VerdictRejected
		if g.cfg.EnableQuarantine {
			verdict = VerdictQuarantined
		}
		d := g.decide(verdict, code, "forbidden API usage", severity, findings)
		d.ValidationID = validationID
		d.Errors = errs
		d.ValidationTime = validationTime
		return d
	}

	// Everything flagged is sanitizable: neutralize and admit. High-severity
	// sanitized acceptances still leave a quarantine record behind.
	if g.rules.Sanitizable(findings) {
		sanStart := g.now()
		sanitized := normalize(rules.Neutralize(code, findings))
		sanitizationTime := g.now().Sub(sanStart)

		d := Decision{
			Verdict:          VerdictAccepted,
			SanitizedCode:    sanitized,
			SanitizationID:   uuid.New().String(),
			ValidationID:     validationID,
			Severity:         severity,
			Errors:           errs,
			Findings:         findings,
			ValidationTime:   validationTime,
			SanitizationTime: sanitizationTime,
		}
		if severity >= rules.SeverityHigh {
			d.Quarantine = g.record(code, sanitized, "sanitized before execution", severity, errs)
		}
		return d
	}

	d := g.reject(code, "forbidden pattern", severity, findings)
	d.ValidationID = validationID
	d.Errors = errs
	d.ValidationTime = validationTime
	return d
}

func (g *Gate) reject(code, reason string, severity rules.Severity, findings []rules.Finding) Decision {
	return g.decide(VerdictRejected, code, reason, severity, findings)
}

func (g *Gate) decide(verdict Verdict, code, reason string, severity rules.Severity, findings []rules.Finding) Decision {
	d := Decision{
		Verdict:  verdict,
		Reason:   reason,
		Severity: severity,
		Findings: findings,
	}
	if severity >= rules.SeverityHigh {
		d.Quarantine = g.record(code, "", reason, severity, findingErrors(findings))
	}
	return d
}

func (g *Gate) record(code, sanitized, reason string, severity rules.Severity, errs []string) *storage.QuarantinedCode {
	q := &storage.QuarantinedCode{
		ID:            uuid.New().String(),
		OriginalCode:  code,
		SanitizedCode: sanitized,
		Reason:        reason,
		Errors:        errs,
		Severity:      severity.String(),
		CreatedAt:     g.now(),
	}
	if g.sink != nil {
		if err := g.sink.CreateQuarantine(q); err != nil {
			log.Error().Err(err).Str("quarantine_id", q.ID).Msg("failed to record quarantine decision")
		}
	}
	return q
}

func findingErrors(findings []rules.Finding) []string {
	if len(findings) == 0 {
		return nil
	}
	errs := make([]string, 0, len(findings))
	for _, f := range findings {
		errs = append(errs, fmt.Sprintf("line %d: %s (%s)", f.Line, f.Detail, f.Rule))
	}
	return errs
}

// normalize strips NUL bytes and normalizes line endings so the executor
// sees the same bytes the gate scanned.
func normalize(code string) string {
	code = strings.ReplaceAll(code, "\x00", "")
	code = strings.ReplaceAll(code, "\r\n", "\n")
	return code
}
