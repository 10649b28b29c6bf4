package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecisionResponse is the parsed reply of a decision agent.
type DecisionResponse struct {
	Decision        string   `json:"decision"`
	Reasoning       string   `json:"reasoning"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations,omitempty"`
	// RequireApproval is set when low confidence demotes the action.
	RequireApproval bool `json:"-"`
}

// ValidationResult is the outcome of ValidateResponse.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Response *DecisionResponse
}

// Thresholds gate decision confidence. Zero values disable a gate.
type Thresholds struct {
	AutoAdvance     float64
	RequireApproval float64
}

// decisionPattern matches <action> or <action>_to_<target>.
var decisionPattern = regexp.MustCompile(`^([a-z]+(?:_[a-z]+)*?)(?:_to_([a-z0-9_-]+))?$`)

var codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// SanitizeResponse strips markdown code fences, surrounding whitespace,
// escaped quotes, and control characters from a raw agent reply.
func SanitizeResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if m := codeFencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// ParseAction splits a decision string into its action and optional target.
// "jump_back_to_plan" yields ("jump_back", "plan"); "advance" yields
// ("advance", "").
func ParseAction(decision string) (action, target string, ok bool) {
	if idx := strings.LastIndex(decision, "_to_"); idx > 0 {
		return decision[:idx], decision[idx+len("_to_"):], true
	}
	if decisionPattern.MatchString(decision) {
		return decision, "", true
	}
	return "", "", false
}

// ValidateResponse sanitizes and parses a decision agent reply, enforcing
// the response schema, destination allow-list, and confidence thresholds.
// One jsonrepair pass is attempted when plain unmarshalling fails.
func (b *Builder) ValidateResponse(raw string, allowedDestinations []string, thresholds *Thresholds) ValidationResult {
	result := ValidationResult{}
	cleaned := SanitizeResponse(raw)
	if cleaned == "" {
		result.Errors = append(result.Errors, "empty response")
		return result
	}

	var resp DecisionResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("response is not valid JSON: %v", err))
			return result
		}
		if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("response is not valid JSON after repair: %v", err))
			return result
		}
		result.Warnings = append(result.Warnings, "response JSON required repair")
	}

	if resp.Decision == "" {
		result.Errors = append(result.Errors, "missing field: decision")
	}
	if strings.TrimSpace(resp.Reasoning) == "" {
		result.Errors = append(result.Errors, "missing field: reasoning")
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		result.Errors = append(result.Errors, fmt.Sprintf("confidence out of range [0,1]: %v", resp.Confidence))
	}

	action, target, ok := ParseAction(resp.Decision)
	if resp.Decision != "" && !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("malformed decision: %q", resp.Decision))
	}

	if ok && target != "" && (strings.HasPrefix(action, "jump") || action == "advance") {
		if !containsDestination(allowedDestinations, target) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("decision target %q is not an allowed destination", target))
		}
	}

	if len(result.Errors) > 0 {
		return result
	}

	if thresholds != nil {
		if thresholds.RequireApproval > 0 && resp.Confidence < thresholds.RequireApproval {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("confidence %.2f below require_approval threshold %.2f",
					resp.Confidence, thresholds.RequireApproval))
		}
		if thresholds.AutoAdvance > 0 && resp.Confidence < thresholds.AutoAdvance {
			resp.RequireApproval = true
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("confidence %.2f below auto_advance threshold %.2f, requiring approval",
					resp.Confidence, thresholds.AutoAdvance))
		}
	}

	result.Valid = true
	result.Response = &resp
	b.analytics.record(&resp)
	return result
}

func containsDestination(allowed []string, target string) bool {
	for _, d := range allowed {
		if d == target {
			return true
		}
	}
	return false
}
