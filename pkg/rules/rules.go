// Package rules defines the static-check rule set the security gate runs
// against submitted script source. A rule is a compiled pattern with a
// severity; sanitizable rules can be neutralized by commenting the offending
// line out instead of refusing the script outright.
package rules

import (
	"regexp"
	"strings"
)

// Severity levels for matched rules.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Rule is one forbidden-API or suspicious-construct pattern.
type Rule struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
	Sanitize    bool // line can be commented out instead of rejecting
}

// Finding is a single rule match within submitted code.
type Finding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line"`
}

// Set is an ordered collection of rules.
type Set struct {
	rules []Rule
}

// NewSet builds a set from the given rules.
func NewSet(rules []Rule) *Set {
	return &Set{rules: rules}
}

// Rules returns the underlying rules in evaluation order.
func (s *Set) Rules() []Rule {
	return s.rules
}

// Scan matches every rule against every line of code and returns the
// findings in line order.
func (s *Set) Scan(code string) []Finding {
	var findings []Finding

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, r := range s.rules {
			if r.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Rule:     r.Name,
					Severity: r.Severity.String(),
					Detail:   r.Description,
					Line:     i + 1,
				})
			}
		}
	}
	return findings
}

// MaxSeverity returns the highest severity among findings, or SeverityLow
// when there are none.
func (s *Set) MaxSeverity(findings []Finding) Severity {
	max := SeverityLow
	for _, f := range findings {
		if sev := parseSeverity(f.Severity); sev > max {
			max = sev
		}
	}
	return max
}

// Sanitizable reports whether every finding belongs to a sanitizable rule.
func (s *Set) Sanitizable(findings []Finding) bool {
	byName := make(map[string]Rule, len(s.rules))
	for _, r := range s.rules {
		byName[r.Name] = r
	}
	for _, f := range findings {
		r, ok := byName[f.Rule]
		if !ok || !r.Sanitize {
			return false
		}
	}
	return len(findings) > 0
}

// Neutralize comments out every line with a finding and returns the
// sanitized source. Line numbers in findings are 1-based.
func Neutralize(code string, findings []Finding) string {
	flagged := make(map[int]struct{}, len(findings))
	for _, f := range findings {
		flagged[f.Line] = struct{}{}
	}

	lines := strings.Split(code, "\n")
	for i := range lines {
		if _, ok := flagged[i+1]; ok {
			lines[i] = "// sanitized: " + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

func parseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}
