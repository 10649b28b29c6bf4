package logging

import "strings"

// SanitizeForLog removes potentially sensitive data from strings before
// logging. It redacts common token shapes rather than trying to be complete.
func SanitizeForLog(s string) string {
	if strings.HasPrefix(s, "ghs_") || strings.HasPrefix(s, "ghp_") || strings.HasPrefix(s, "gho_") {
		return "[REDACTED_TOKEN]"
	}
	if strings.HasPrefix(s, "Bearer ") {
		return "Bearer [REDACTED]"
	}
	return s
}
