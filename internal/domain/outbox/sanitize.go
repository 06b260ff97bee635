package outbox

import (
	"regexp"
	"strings"
)

const (
	maxReasonLength = 512
	truncatedSuffix = "... (truncated)"
	redacted        = "[REDACTED]"
)

var secretPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redacted},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`), `$1=` + redacted},
	{regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`), redacted},
}

// SanitizeReason redacts credentials from failure text and bounds its length before it is stored.
func SanitizeReason(reason string) string {
	out := strings.TrimSpace(reason)
	for _, p := range secretPatterns {
		out = p.pattern.ReplaceAllString(out, p.replacement)
	}

	runes := []rune(out)
	if len(runes) <= maxReasonLength {
		return out
	}
	return string(runes[:maxReasonLength-len(truncatedSuffix)]) + truncatedSuffix
}
