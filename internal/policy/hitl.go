package policy

import (
	"fmt"
	"regexp"
	"unicode"

	"github.com/ashep-ai/ashep/internal/config"
)

var (
	alphanumericPattern     = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	alphanumericDashPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateHITLReason checks a human-in-the-loop reason against the rule set.
// Predefined reasons always pass. Custom reasons must be enabled, must match
// the configured pattern, and must not start with a digit regardless of the
// pattern mode.
func ValidateHITLReason(reason string, rules config.AllowedReasonsConfig) error {
	if reason == "" {
		return fmt.Errorf("HITL reason must not be empty")
	}
	for _, r := range rules.Predefined {
		if r == reason {
			return nil
		}
	}
	if !rules.AllowCustom {
		return fmt.Errorf("HITL reason %q is not in the predefined list and custom reasons are disabled", reason)
	}
	if unicode.IsDigit([]rune(reason)[0]) {
		return fmt.Errorf("HITL reason %q must not start with a digit", reason)
	}
	switch rules.CustomValidation {
	case "none", "":
		return nil
	case "alphanumeric":
		if !alphanumericPattern.MatchString(reason) {
			return fmt.Errorf("HITL reason %q must be alphanumeric", reason)
		}
	case "alphanumeric-dash-underscore":
		if !alphanumericDashPattern.MatchString(reason) {
			return fmt.Errorf("HITL reason %q may only contain letters, digits, dashes, and underscores", reason)
		}
	default:
		return fmt.Errorf("unknown custom_validation mode: %s", rules.CustomValidation)
	}
	return nil
}

// ValidateHITLReason checks a reason against the engine's configured rules.
func (e *Engine) ValidateHITLReason(reason string) error {
	return ValidateHITLReason(reason, e.hitl)
}
