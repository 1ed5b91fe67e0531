package logutil

import (
	"regexp"
	"strings"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

var (
	urlCredentials      = regexp.MustCompile(`(?i)(https?://[^\s:/@]+:)([^@\s/]+)(@)`)
	sensitiveAssignment = regexp.MustCompile(`(?i)\b(GH_TOKEN|GITHUB_TOKEN|OPENAI_API_KEY|ANTHROPIC_API_KEY|OPENCODE_SERVER_PASSWORD)\s*=\s*(?:"[^"]*"|'[^']*'|[^\s,;]+)`)
	bearerToken         = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]+`)
)

// RedactSensitive masks credentials embedded in URLs, well-known token
// assignments and bearer tokens. Remote command output and error text pass
// through it before being logged or shown.
func RedactSensitive(s string) string {
	s = urlCredentials.ReplaceAllString(s, "${1}[REDACTED]${3}")
	s = sensitiveAssignment.ReplaceAllStringFunc(s, func(m string) string {
		key := sensitiveAssignment.FindStringSubmatch(m)[1]
		return key + "=[REDACTED]"
	})
	return bearerToken.ReplaceAllString(s, "Bearer [REDACTED]")
}
