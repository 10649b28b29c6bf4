// Package tracker is the gateway to the external issue tracker. It owns all
// label mutations: phase labels, HITL labels, and the exclusion label.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Orchestration label prefixes on issues.
const (
	PhaseLabelPrefix    = "ashep-phase:"
	HITLLabelPrefix     = "ashep-hitl:"
	ExcludedLabel       = "ashep-excluded"
	PolicyLabelPrefix   = "ashep-policy:"
	priorityLabelPrefix = "priority:"
)

// Issue statuses as the gateway reports them.
const (
	StatusOpen       = "open"
	StatusInProgress = "in-progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
)

// Errors classifying tracker failures.
var (
	// ErrTrackerUnavailable is transient: network trouble, rate limits,
	// 5xx responses. Callers may retry.
	ErrTrackerUnavailable = errors.New("tracker unavailable")
	// ErrTrackerProtocol is permanent: malformed output, usage errors,
	// unknown issues. Retrying will not help.
	ErrTrackerProtocol = errors.New("tracker protocol error")
)

// Issue is the gateway's view of one tracker issue.
type Issue struct {
	ID        string
	Title     string
	Body      string
	Type      string
	Priority  int
	Status    string
	Labels    []string
	CreatedAt time.Time
}

// Gateway reads and mutates issue state in the external tracker.
type Gateway interface {
	ListReady(ctx context.Context) ([]*Issue, error)
	Get(ctx context.Context, id string) (*Issue, error)
	SetPhaseLabel(ctx context.Context, id, phase string) error
	ClearPhaseLabels(ctx context.Context, id string) error
	SetHITLLabel(ctx context.Context, id, reason string) error
	ClearHITLLabels(ctx context.Context, id string) error
	HasExcludedLabel(ctx context.Context, id string) (bool, error)
	GetCurrentPhase(ctx context.Context, id string) (string, error)
	GetHITLReason(ctx context.Context, id string) (string, error)
	CloseIssue(ctx context.Context, id string) error
}

// PhaseFromLabels extracts the phase from a label set, empty when absent.
func PhaseFromLabels(labels []string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, PhaseLabelPrefix) {
			return strings.TrimPrefix(l, PhaseLabelPrefix)
		}
	}
	return ""
}

// HITLReasonFromLabels extracts the HITL reason from a label set.
func HITLReasonFromLabels(labels []string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, HITLLabelPrefix) {
			return strings.TrimPrefix(l, HITLLabelPrefix)
		}
	}
	return ""
}

// PolicyFromLabels extracts the policy name an issue is pinned to.
func PolicyFromLabels(labels []string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, PolicyLabelPrefix) {
			return strings.TrimPrefix(l, PolicyLabelPrefix)
		}
	}
	return ""
}

// HasLabel reports whether the label set contains an exact label.
func HasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// priorityFromLabels parses the priority:<n> label; missing means 0.
func priorityFromLabels(labels []string) int {
	for _, l := range labels {
		if strings.HasPrefix(l, priorityLabelPrefix) {
			if n, err := strconv.Atoi(strings.TrimPrefix(l, priorityLabelPrefix)); err == nil {
				return n
			}
		}
	}
	return 0
}

// classifyError maps a tracker subprocess failure onto the error taxonomy
// using exit-code and stderr heuristics.
func classifyError(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	transientWords := []string{
		"timeout", "timed out", "connection", "network", "temporarily",
		"rate limit", "502", "503", "504", "unavailable",
	}
	for _, w := range transientWords {
		if strings.Contains(lower, w) {
			return fmt.Errorf("%w: %s", ErrTrackerUnavailable, firstLine(stderr))
		}
	}
	if stderr != "" {
		return fmt.Errorf("%w: %s", ErrTrackerProtocol, firstLine(stderr))
	}
	return fmt.Errorf("%w: %v", ErrTrackerProtocol, err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
