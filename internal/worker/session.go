package worker

import (
	"context"

	"github.com/ashep-ai/ashep/internal/policy"
)

// Session reuse keywords accepted by reuse_session_from_phase.
const (
	sessionSelf     = "@self"
	sessionPrevious = "@previous"
	sessionFirst    = "@first"
	sessionShared   = "@shared"
)

// resolveSession interprets the phase's reuse_session_from_phase setting and
// returns the session to continue, or empty for a fresh one. The second
// return value explains the choice for run metadata. A candidate whose
// cumulative token usage crossed the context-window budget is not reused.
func (w *Worker) resolveSession(ctx context.Context, pol *policy.Policy, phaseCfg *policy.PhaseConfig, phaseName, issueID string) (string, string) {
	directive := phaseCfg.ReuseSessionFromPhase
	if directive == "" && pol.SharedSession {
		directive = sessionShared
	}
	if directive == "" {
		return "", "fresh"
	}

	var candidate string
	var err error
	switch directive {
	case sessionSelf:
		candidate, err = w.store.LastSuccessfulSession(ctx, issueID, phaseName)
	case sessionPrevious:
		prev := previousPhase(pol, phaseName)
		if prev == "" {
			return "", "fresh: no previous phase"
		}
		candidate, err = w.store.LastSuccessfulSession(ctx, issueID, prev)
	case sessionFirst:
		candidate, err = w.store.LastSuccessfulSession(ctx, issueID, pol.Phases[0].Name)
	case sessionShared:
		if !pol.SharedSession {
			return "", "fresh: policy does not share sessions"
		}
		candidate, err = w.store.LastSessionForIssue(ctx, issueID)
	default:
		// An explicit phase name.
		candidate, err = w.store.LastSuccessfulSession(ctx, issueID, directive)
	}
	if err != nil {
		w.logger.Warning("Session lookup (%s) failed for issue %s: %v", directive, issueID, err)
		return "", "fresh: lookup failed"
	}
	if candidate == "" {
		return "", "fresh: no prior session"
	}

	if !w.withinTokenBudget(ctx, issueID, candidate, phaseCfg) {
		w.logger.Info("Session %s for issue %s exceeds its context budget, starting fresh", candidate, issueID)
		return "", "fresh: token budget exceeded"
	}
	return candidate, "reuse: " + directive
}

// withinTokenBudget checks the candidate session's cumulative token usage
// against max_context_tokens × context_window_threshold.
func (w *Worker) withinTokenBudget(ctx context.Context, issueID, sessionID string, phaseCfg *policy.PhaseConfig) bool {
	maxTokens := phaseCfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = w.cfg.SessionContinuation.DefaultMaxContextTokens
	}
	threshold := phaseCfg.ContextWindowThreshold
	if threshold <= 0 {
		threshold = w.cfg.SessionContinuation.DefaultThreshold
	}

	used, err := w.store.SessionTokenTotal(ctx, issueID, sessionID)
	if err != nil {
		w.logger.Warning("Token total lookup failed for session %s: %v", sessionID, err)
		return false
	}
	return float64(used) < float64(maxTokens)*threshold
}

// previousPhase returns the phase before the named one, empty at the start.
func previousPhase(pol *policy.Policy, phaseName string) string {
	for i := range pol.Phases {
		if pol.Phases[i].Name == phaseName && i > 0 {
			return pol.Phases[i-1].Name
		}
	}
	return ""
}
