package gate

import (
	"regexp"
	"strings"
	"testing"

	"scriptflow/internal/storage"
	"scriptflow/pkg/rules"
)

type fakeSink struct {
	records []*storage.QuarantinedCode
	err     error
}

func (f *fakeSink) CreateQuarantine(q *storage.QuarantinedCode) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, q)
	return nil
}

func newTestGate(sink QuarantineSink) *Gate {
	return New(Config{
		Enabled:          true,
		MaxCodeBytes:     1000,
		EnableQuarantine: true,
	}, rules.Default(), sink)
}

func TestVetCleanCode(t *testing.T) {
	sink := &fakeSink{}
	g := newTestGate(sink)

	d := g.Vet(`await page.goto("https://example.com");`, nil)

	if !d.Accepted() {
		t.Fatalf("verdict = %s, want accepted", d.Verdict)
	}
	if d.SanitizedCode == "" {
		t.Error("accepted decision has empty sanitized code")
	}
	if d.SanitizationID == "" || d.ValidationID == "" {
		t.Error("accepted decision missing sanitization or validation ID")
	}
	if d.Severity != rules.SeverityLow {
		t.Errorf("severity = %s, want low", d.Severity)
	}
	if len(sink.records) != 0 {
		t.Errorf("clean code created %d quarantine records", len(sink.records))
	}
}

func TestVetDisabledGateAcceptsAnything(t *testing.T) {
	g := New(Config{Enabled: false}, rules.Default(), nil)

	code := `require('child_process').exec('rm -rf /')`
	d := g.Vet(code, nil)

	if !d.Accepted() {
		t.Fatalf("verdict = %s, want accepted with gate disabled", d.Verdict)
	}
	if d.SanitizedCode != code {
		t.Error("disabled gate must pass code through unchanged")
	}
}

func TestVetSizeLimit(t *testing.T) {
	sink := &fakeSink{}
	g := New(Config{Enabled: true, MaxCodeBytes: 10, EnableQuarantine: true}, rules.Default(), sink)

	d := g.Vet(strings.Repeat("a", 11), nil)

	if d.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", d.Verdict)
	}
	if d.Reason != "size exceeded" {
		t.Errorf("reason = %q, want %q", d.Reason, "size exceeded")
	}
	if d.Severity != rules.SeverityHigh {
		t.Errorf("severity = %s, want high", d.Severity)
	}
	if len(d.Errors) == 0 {
		t.Error("size rejection carries no errors")
	}
	if len(sink.records) != 1 {
		t.Fatalf("got %d quarantine records, want 1", len(sink.records))
	}
	if sink.records[0].Severity != "high" {
		t.Errorf("record severity = %s, want high", sink.records[0].Severity)
	}
}

func TestVetCriticalQuarantines(t *testing.T) {
	sink := &fakeSink{}
	g := newTestGate(sink)

	d := g.Vet(`const cp = require('child_process');`, nil)

	if d.Verdict != VerdictQuarantined {
		t.Fatalf("verdict = %s, want quarantined", d.Verdict)
	}
	if d.Severity != rules.SeverityCritical {
		t.Errorf("severity = %s, want critical", d.Severity)
	}
	if d.Quarantine == nil {
		t.Fatal("quarantined decision has no record")
	}
	if len(sink.records) != 1 {
		t.Fatalf("got %d quarantine records, want 1", len(sink.records))
	}
	if sink.records[0].ID != d.Quarantine.ID {
		t.Error("decision record does not match persisted record")
	}
}

func TestVetCriticalRejectedWhenQuarantineDisabled(t *testing.T) {
	sink := &fakeSink{}
	g := New(Config{Enabled: true, MaxCodeBytes: 1000, EnableQuarantine: false}, rules.Default(), sink)

	d := g.Vet(`process.env.AWS_SECRET`, nil)

	if d.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", d.Verdict)
	}
	// The audit record is still written even when quarantine admission
	// is disabled.
	if len(sink.records) != 1 {
		t.Errorf("got %d quarantine records, want 1", len(sink.records))
	}
}

func TestVetSanitizableAccepted(t *testing.T) {
	sink := &fakeSink{}
	g := newTestGate(sink)

	code := "await page.goto(url);\ndebugger;\nprogress(100);"
	d := g.Vet(code, nil)

	if !d.Accepted() {
		t.Fatalf("verdict = %s, want accepted", d.Verdict)
	}
	if !strings.Contains(d.SanitizedCode, "// sanitized: ") {
		t.Errorf("sanitized code missing neutralized line: %q", d.SanitizedCode)
	}
	if strings.Contains(d.SanitizedCode, "\ndebugger;") {
		t.Error("debugger line survived sanitization")
	}
	// Low severity: no quarantine record.
	if len(sink.records) != 0 {
		t.Errorf("got %d quarantine records, want 0", len(sink.records))
	}
}

func TestVetHighSeveritySanitizedLeavesRecord(t *testing.T) {
	sink := &fakeSink{}
	g := newTestGate(sink)

	code := `var c = document.cookie;`
	d := g.Vet(code, nil)

	if !d.Accepted() {
		t.Fatalf("verdict = %s, want accepted", d.Verdict)
	}
	if d.Severity != rules.SeverityHigh {
		t.Errorf("severity = %s, want high", d.Severity)
	}
	if d.Quarantine == nil {
		t.Fatal("high-severity sanitized acceptance left no record")
	}
	if d.Quarantine.SanitizedCode == "" {
		t.Error("record missing sanitized code")
	}
	if d.Quarantine.OriginalCode != code {
		t.Error("record missing original code")
	}
	if len(sink.records) != 1 {
		t.Errorf("got %d quarantine records, want 1", len(sink.records))
	}
}

func TestVetMixedFindingsRejected(t *testing.T) {
	sink := &fakeSink{}
	g := newTestGate(sink)

	// Sanitizable debugger plus non-sanitizable eval: must reject.
	d := g.Vet("debugger;\neval(x);", nil)

	if d.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", d.Verdict)
	}
	if d.Severity != rules.SeverityHigh {
		t.Errorf("severity = %s, want high", d.Severity)
	}
	if len(d.Errors) != 2 {
		t.Errorf("got %d errors, want 2", len(d.Errors))
	}
}

func TestVetPanicBecomesCriticalRejection(t *testing.T) {
	// A rule set with a nil regex panics on scan.
	bad := rules.NewSet([]rules.Rule{{Name: "broken", Regex: nil}})
	g := New(Config{Enabled: true}, bad, nil)

	d := g.Vet("anything", nil)

	if d.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", d.Verdict)
	}
	if d.Severity != rules.SeverityCritical {
		t.Errorf("severity = %s, want critical", d.Severity)
	}
	if !strings.Contains(d.Reason, "inspection failure") {
		t.Errorf("reason = %q, want inspection failure", d.Reason)
	}
}

func TestVetNormalizesLineEndings(t *testing.T) {
	g := newTestGate(nil)

	d := g.Vet("var a = 1;\r\nvar b = 2;\x00", nil)

	if !d.Accepted() {
		t.Fatalf("verdict = %s, want accepted", d.Verdict)
	}
	if strings.Contains(d.SanitizedCode, "\r\n") {
		t.Error("CRLF survived normalization")
	}
	if strings.Contains(d.SanitizedCode, "\x00") {
		t.Error("NUL byte survived normalization")
	}
}

func TestVetCustomRuleSet(t *testing.T) {
	set := rules.NewSet([]rules.Rule{{
		Name:        "no_foo",
		Description: "foo is forbidden",
		Regex:       regexp.MustCompile(`\bfoo\b`),
		Severity:    rules.SeverityMedium,
	}})
	g := New(Config{Enabled: true}, set, nil)

	if d := g.Vet("var foo = 1;", nil); d.Verdict != VerdictRejected {
		t.Errorf("verdict = %s, want rejected", d.Verdict)
	}
	if d := g.Vet("var bar = 1;", nil); !d.Accepted() {
		t.Errorf("verdict = %s, want accepted", d.Verdict)
	}
}
