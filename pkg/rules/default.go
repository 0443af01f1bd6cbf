package rules

import "regexp"

// Default returns the standard rule set for browser-automation scripts.
// Scripts run inside an embedded JS runtime with no module system, so any
// attempt to reach node APIs, spawn processes or exfiltrate session state
// is either hostile or copy-pasted from somewhere it should not have been.
func Default() *Set {
	return NewSet([]Rule{
		{
			Name:        "dynamic_eval",
			Description: "eval or Function-constructor code generation",
			Regex:       regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "process_access",
			Description: "accessing the host process object",
			Regex:       regexp.MustCompile(`\bprocess\.(env|exit|kill|binding)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "module_load",
			Description: "loading host modules (require/import of fs, child_process, net)",
			Regex:       regexp.MustCompile(`require\s*\(\s*['"](fs|child_process|net|os|vm|worker_threads)['"]`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "shell_spawn",
			Description: "spawning a shell or external process",
			Regex:       regexp.MustCompile(`\b(exec|execSync|spawn|spawnSync|fork)\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "cookie_exfiltration",
			Description: "reading cookies into an outbound request",
			Regex:       regexp.MustCompile(`document\.cookie`),
			Severity:    SeverityHigh,
			Sanitize:    true,
		},
		{
			Name:        "storage_dump",
			Description: "bulk read of local/session storage",
			Regex:       regexp.MustCompile(`(localStorage|sessionStorage)\s*\.\s*(key|length)|JSON\.stringify\s*\(\s*(localStorage|sessionStorage)`),
			Severity:    SeverityMedium,
			Sanitize:    true,
		},
		{
			Name:        "metadata_service",
			Description: "reaching a cloud metadata endpoint",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "prototype_pollution",
			Description: "writing to __proto__ or Object.prototype",
			Regex:       regexp.MustCompile(`__proto__\s*[\[.=]|Object\.prototype\s*\[`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "file_url",
			Description: "navigating to or fetching a file:// URL",
			Regex:       regexp.MustCompile(`(?i)['"]file://`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "cryptocurrency mining payload",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|coinhive|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
			Sanitize:    true,
		},
		{
			Name:        "debugger_statement",
			Description: "debugger statement left in script",
			Regex:       regexp.MustCompile(`^\s*debugger\s*;?\s*$`),
			Severity:    SeverityLow,
			Sanitize:    true,
		},
		{
			Name:        "websocket_tunnel",
			Description: "raw WebSocket to a non-https endpoint",
			Regex:       regexp.MustCompile(`new\s+WebSocket\s*\(\s*['"]ws://`),
			Severity:    SeverityMedium,
			Sanitize:    true,
		},
	})
}
