package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/prompt"
	"github.com/ashep-ai/ashep/internal/runlog"
	"github.com/ashep-ai/ashep/internal/tracker"
)

// assistantSettings is the effective worker-assistant configuration after
// the phase > policy > global precedence is resolved.
type assistantSettings struct {
	enabled        bool
	capability     string
	timeout        time.Duration
	fallbackAction string
}

// resolveAssistant merges the three override levels. A nil Enabled inherits
// the outer level; strings and timeouts override only when set.
func (w *Worker) resolveAssistant(pol *policy.Policy, phaseCfg *policy.PhaseConfig) assistantSettings {
	s := assistantSettings{
		enabled:        w.cfg.WorkerAssistant.Enabled,
		capability:     w.cfg.WorkerAssistant.AgentCapability,
		timeout:        time.Duration(w.cfg.WorkerAssistant.TimeoutMs) * time.Millisecond,
		fallbackAction: w.cfg.WorkerAssistant.FallbackAction,
	}
	for _, o := range []*policy.AssistantOverride{pol.WorkerAssistant, phaseCfg.WorkerAssistant} {
		if o == nil {
			continue
		}
		if o.Enabled != nil {
			s.enabled = *o.Enabled
		}
		if o.AgentCapability != "" {
			s.capability = o.AgentCapability
		}
		if o.TimeoutMs > 0 {
			s.timeout = time.Duration(o.TimeoutMs) * time.Millisecond
		}
		if o.FallbackAction != "" {
			s.fallbackAction = o.FallbackAction
		}
	}
	return s
}

// consultAssistant runs the post-outcome assistant, when enabled, and lets
// its verdict override the engine's transition: advance keeps the computed
// transition, retry forces a retry, block forces a soft block. Parse
// failures and timeouts fall back to the configured action.
func (w *Worker) consultAssistant(ctx context.Context, issue *tracker.Issue, pol *policy.Policy, phaseCfg *policy.PhaseConfig, run *runlog.Run, terminal *agent.Terminal, computed policy.Transition) policy.Transition {
	s := w.resolveAssistant(pol, phaseCfg)
	if !s.enabled || s.capability == "" {
		return computed
	}

	verdict, reasoning, err := w.askAssistant(ctx, issue, run, terminal, s)
	if err != nil {
		w.logger.Warning("Worker assistant failed for run %s, falling back to %s: %v", run.ID, s.fallbackAction, err)
		verdict = s.fallbackAction
		reasoning = fmt.Sprintf("Assistant unavailable, fallback action %s: %v", s.fallbackAction, err)
	}
	w.logDecision(ctx, run, runlog.DecisionWorkerAssistant, verdict, reasoning, nil)

	switch verdict {
	case "advance":
		return computed
	case "retry":
		retries, err := w.store.GetPhaseRetryCount(ctx, issue.ID, run.Phase)
		if err != nil {
			retries = 1
		}
		return policy.Transition{
			Type:   policy.TransitionRetry,
			Delay:  policy.RetryDelay(pol.Retry, retries),
			Reason: "Worker assistant requested a retry: " + reasoning,
		}
	default:
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     "Worker assistant blocked the issue: " + reasoning,
			ReasonCode: "assistant-block",
		}
	}
}

// askAssistant launches the assistant capability with a structured run
// summary and parses its {advance, retry, block} verdict.
func (w *Worker) askAssistant(ctx context.Context, issue *tracker.Issue, run *runlog.Run, terminal *agent.Terminal, s assistantSettings) (string, string, error) {
	selected, err := w.registry.SelectAgent([]string{s.capability}, nil)
	if err != nil {
		return "", "", fmt.Errorf("no agent for assistant capability %s: %w", s.capability, err)
	}

	summary := map[string]interface{}{
		"issue": map[string]interface{}{
			"id":    issue.ID,
			"title": issue.Title,
		},
		"run": map[string]interface{}{
			"id":          run.ID,
			"phase":       run.Phase,
			"success":     terminal.Success,
			"error":       terminal.Error,
			"duration_ms": terminal.Metrics.DurationMs,
			"tokens_used": terminal.Metrics.TokensUsed,
		},
	}
	built, err := w.prompts.BuildPrompt(s.capability, summary)
	if err != nil {
		return "", "", err
	}

	_, events, err := w.agents.Launch(ctx, agent.LaunchSpec{
		AgentID:      selected.ID,
		SystemPrompt: built.SystemPrompt,
		UserPrompt:   built.UserPrompt,
		Timeout:      s.timeout,
	})
	if err != nil {
		return "", "", err
	}
	terminalEvt := drainToTerminal(events)
	if terminalEvt.TimedOut {
		return "", "", fmt.Errorf("assistant timed out after %v", s.timeout)
	}

	verdict, reasoning, ok := parseAssistantVerdict(terminalEvt.Output)
	if !ok {
		return "", "", fmt.Errorf("unparseable assistant reply %q", firstChars(terminalEvt.Output, 80))
	}
	return verdict, reasoning, nil
}

// parseAssistantVerdict accepts either a JSON reply with a decision field or
// a bare verdict word as the first token.
func parseAssistantVerdict(raw string) (verdict, reasoning string, ok bool) {
	cleaned := prompt.SanitizeResponse(raw)
	if cleaned == "" {
		return "", "", false
	}

	var parsed struct {
		Decision  string `json:"decision"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil && parsed.Decision != "" {
		if isAssistantVerdict(parsed.Decision) {
			return parsed.Decision, parsed.Reasoning, true
		}
		return "", "", false
	}

	fields := strings.FieldsFunc(cleaned, func(r rune) bool {
		return r == ' ' || r == '\n' || r == ':' || r == '.' || r == ','
	})
	if len(fields) == 0 {
		return "", "", false
	}
	word := strings.ToLower(fields[0])
	if isAssistantVerdict(word) {
		return word, strings.TrimSpace(cleaned), true
	}
	return "", "", false
}

func isAssistantVerdict(s string) bool {
	return s == "advance" || s == "retry" || s == "block"
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
