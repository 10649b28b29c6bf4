package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/prompt"
	"github.com/ashep-ai/ashep/internal/runlog"
	"github.com/ashep-ai/ashep/internal/tracker"
)

// ProcessIssue runs one phase of one issue end to end: resolve policy and
// phase, pre-check loop limits, select an agent, run it, and apply the
// resulting transition. Every exit path leaves a terminal run and a decision
// behind.
func (w *Worker) ProcessIssue(ctx context.Context, issue *tracker.Issue) error {
	policyName, pol, ok := w.resolvePolicy(issue)
	if !ok {
		return w.blockIssue(ctx, issue.ID, "", policy.ReasonCodeError,
			fmt.Sprintf("Unknown policy for issue %s", issue.ID))
	}

	phaseName, proceed, err := w.resolvePhase(ctx, issue, policyName, pol)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	phaseCfg := pol.Phase(phaseName)

	// Loop-prevention pre-check before any run exists for this attempt.
	blocked, err := w.policies.PreDispatchCheck(ctx, policyName, phaseName, issue.ID)
	if err != nil {
		return err
	}
	if blocked != nil {
		return w.blockIssue(ctx, issue.ID, "", blocked.ReasonCode, blocked.Reason)
	}

	run, terminal, err := w.executePhase(ctx, issue, policyName, pol, phaseName, phaseCfg)
	if err != nil {
		return err
	}
	if run == nil {
		// Agent selection failed; the block is already applied.
		return nil
	}

	outcome := policyOutcome(terminal, phaseCfg)
	retries, err := w.store.GetPhaseRetryCount(ctx, issue.ID, phaseName)
	if err != nil {
		return err
	}
	outcome.RetryCount = retries

	transition, err := w.policies.DetermineTransition(ctx, policyName, phaseName, outcome, issue.ID)
	if err != nil {
		return err
	}

	transition = w.consultAssistant(ctx, issue, pol, phaseCfg, run, terminal, transition)

	return w.applyTransition(ctx, issue, policyName, pol, phaseName, run, transition, 0)
}

// resolvePolicy picks the issue's policy from its ashep-policy: label, else
// the default.
func (w *Worker) resolvePolicy(issue *tracker.Issue) (string, *policy.Policy, bool) {
	name := tracker.PolicyFromLabels(issue.Labels)
	if name == "" {
		name = w.policies.DefaultPolicyName()
	}
	pol, ok := w.policies.GetPolicy(name)
	return name, pol, ok
}

// resolvePhase reads the phase label, assigning the first phase when the
// issue carries none. Unknown phase labels follow the configured
// invalid_label_strategy: error blocks, warning reassigns the first phase,
// ignore skips the issue.
func (w *Worker) resolvePhase(ctx context.Context, issue *tracker.Issue, policyName string, pol *policy.Policy) (string, bool, error) {
	phaseName := tracker.PhaseFromLabels(issue.Labels)
	if phaseName == "" {
		first := pol.Phases[0].Name
		if err := w.tracker.SetPhaseLabel(ctx, issue.ID, first); err != nil {
			return "", false, fmt.Errorf("failed to assign first phase: %w", err)
		}
		w.logger.Info("Issue %s entering policy %s at phase %s", issue.ID, policyName, first)
		return first, true, nil
	}
	if pol.Phase(phaseName) != nil {
		return phaseName, true, nil
	}

	switch w.cfg.Workflow.InvalidLabelStrategy {
	case "warning":
		first := pol.Phases[0].Name
		w.logger.Warning("Issue %s carries unknown phase label %q, reassigning %s", issue.ID, phaseName, first)
		if err := w.tracker.SetPhaseLabel(ctx, issue.ID, first); err != nil {
			return "", false, err
		}
		return first, true, nil
	case "ignore":
		w.logger.Debug("Issue %s carries unknown phase label %q, skipping", issue.ID, phaseName)
		return "", false, nil
	default:
		err := w.blockIssue(ctx, issue.ID, "", policy.ReasonCodeError,
			fmt.Sprintf("Unknown phase label %q for policy %s", phaseName, policyName))
		return "", false, err
	}
}

// executePhase selects the agent, builds the prompt, creates the run, and
// drives the agent session to its terminal event. A nil run with nil error
// means agent selection failed and the issue was blocked.
func (w *Worker) executePhase(ctx context.Context, issue *tracker.Issue, policyName string, pol *policy.Policy, phaseName string, phaseCfg *policy.PhaseConfig) (*runlog.Run, *agent.Terminal, error) {
	selected, selErr := w.registry.SelectAgent(phaseCfg.Capabilities, nil)

	retries, err := w.store.GetPhaseRetryCount(ctx, issue.ID, phaseName)
	if err != nil {
		return nil, nil, err
	}

	sessionID, sessionReason := w.resolveSession(ctx, pol, phaseCfg, phaseName, issue.ID)

	run, err := w.store.CreateRun(ctx, runlog.Run{
		IssueID:    issue.ID,
		Phase:      phaseName,
		PolicyName: policyName,
		Status:     runlog.StatusRunning,
		SessionID:  sessionID,
		Metadata: map[string]interface{}{
			"attempt_number": retries + 1,
			"session_reuse":  sessionReason,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	w.metrics.RunStarted()
	defer w.metrics.RunFinished()

	if selErr != nil {
		w.logDecision(ctx, run, runlog.DecisionAgentSelection, "none",
			fmt.Sprintf("No capable agent for %v: %v", phaseCfg.Capabilities, selErr), nil)
		w.failRun(ctx, run.ID, "No capable agent")
		if err := w.blockIssue(ctx, issue.ID, run.ID, "no-agent", "No capable agent"); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}
	w.logDecision(ctx, run, runlog.DecisionAgentSelection, selected.ID,
		fmt.Sprintf("Selected for capabilities %v", phaseCfg.Capabilities), nil)
	agentID := selected.ID
	if _, err := w.store.UpdateRun(ctx, run.ID, runlog.RunPatch{AgentID: &agentID}); err != nil {
		return nil, nil, err
	}

	built, err := w.buildPhasePrompt(ctx, issue, phaseName, phaseCfg)
	if err != nil {
		w.failRun(ctx, run.ID, fmt.Sprintf("Prompt build failed: %v", err))
		return nil, nil, err
	}

	timeout := phaseTimeout(pol, phaseCfg)
	launchedSession, events, err := w.agents.Launch(ctx, agent.LaunchSpec{
		AgentID:      selected.ID,
		SessionID:    sessionID,
		SystemPrompt: built.SystemPrompt,
		UserPrompt:   built.UserPrompt,
		Timeout:      timeout,
	})
	if err != nil {
		w.failRun(ctx, run.ID, fmt.Sprintf("Agent start failed: %v", err))
		terminal := &agent.Terminal{Error: err.Error()}
		return run, terminal, nil
	}
	if launchedSession != sessionID {
		if _, err := w.store.UpdateRun(ctx, run.ID, runlog.RunPatch{SessionID: &launchedSession}); err != nil {
			w.logger.Warning("Failed to record session id for run %s: %v", run.ID, err)
		}
	}

	terminal := w.consumeStream(ctx, run.ID, events)
	if err := w.recordOutcome(ctx, run.ID, phaseName, terminal); err != nil {
		return nil, nil, err
	}
	return run, terminal, nil
}

// consumeStream drains the event channel, heartbeating the run on progress,
// and returns the terminal event. A closed stream without a terminal event
// is treated as a crash.
func (w *Worker) consumeStream(ctx context.Context, runID string, events <-chan agent.Event) *agent.Terminal {
	lastBeat := w.now()
	tokensSoFar := 0
	for evt := range events {
		switch evt.Type {
		case agent.EventTerminal:
			return evt.Terminal
		case agent.EventTokens:
			tokensSoFar = evt.Tokens
		}
		if w.now().Sub(lastBeat) >= heartbeatInterval {
			lastBeat = w.now()
			patch := runlog.RunPatch{Metadata: map[string]interface{}{"tokens_so_far": tokensSoFar}}
			if _, err := w.store.UpdateRun(ctx, runID, patch); err != nil {
				w.logger.Warning("Heartbeat update failed for run %s: %v", runID, err)
			}
		}
	}
	return &agent.Terminal{Error: "agent stream ended without a terminal event"}
}

// recordOutcome writes the terminal status and metrics onto the run.
func (w *Worker) recordOutcome(ctx context.Context, runID, phaseName string, terminal *agent.Terminal) error {
	status := terminalStatus(terminal)
	outcome := &runlog.Outcome{
		Success: terminal.Success,
		Message: strings.TrimSpace(terminal.Output),
		Metrics: runlog.RunMetrics{
			DurationMs:    terminal.Metrics.DurationMs,
			StartTimeMs:   terminal.Metrics.StartTimeMs,
			EndTimeMs:     terminal.Metrics.EndTimeMs,
			TokensUsed:    terminal.Metrics.TokensUsed,
			Cost:          terminal.Metrics.Cost,
			APICallsCount: terminal.Metrics.APICallsCount,
		},
	}
	if terminal.Error != "" {
		outcome.Error = &runlog.RunError{Message: terminal.Error}
	}
	if _, err := w.store.UpdateRun(ctx, runID, runlog.RunPatch{Status: &status, Outcome: outcome}); err != nil {
		return err
	}
	w.metrics.RecordDispatch(phaseName, status)
	w.metrics.ObserveRunDuration(phaseName, time.Duration(terminal.Metrics.DurationMs)*time.Millisecond)
	w.metrics.AddTokens(phaseName, terminal.Metrics.TokensUsed)
	return nil
}

// buildPhasePrompt renders the phase prompt: the phase's custom_prompt when
// set, else the template keyed by the phase's first capability. Unread
// messages addressed to this phase are folded in and marked read.
func (w *Worker) buildPhasePrompt(ctx context.Context, issue *tracker.Issue, phaseName string, phaseCfg *policy.PhaseConfig) (prompt.Prompt, error) {
	messages, err := w.messenger.ReceiveMessages(ctx, issue.ID, phaseName, true)
	if err != nil {
		return prompt.Prompt{}, err
	}
	var msgText strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&msgText, "[%s from %s] %s\n", m.MessageType, m.FromPhase, m.Content)
	}

	context := map[string]interface{}{
		"issue": map[string]interface{}{
			"id":          issue.ID,
			"title":       issue.Title,
			"description": issue.Body,
			"type":        issue.Type,
		},
		"phase": map[string]interface{}{
			"name":         phaseName,
			"description":  phaseCfg.Description,
			"capabilities": phaseCfg.Capabilities,
		},
		"messages": msgText.String(),
	}

	if phaseCfg.CustomPrompt != "" {
		return w.prompts.BuildCustomPrompt(phaseCfg.CustomPrompt, context)
	}
	templateName := ""
	if len(phaseCfg.Capabilities) > 0 {
		templateName = phaseCfg.Capabilities[0]
	}
	return w.prompts.BuildPrompt(templateName, context)
}

// failRun marks a run failed with an error message.
func (w *Worker) failRun(ctx context.Context, runID, message string) {
	status := runlog.StatusFailed
	_, err := w.store.UpdateRun(ctx, runID, runlog.RunPatch{
		Status:  &status,
		Outcome: &runlog.Outcome{Success: false, Error: &runlog.RunError{Message: message}},
	})
	if err != nil {
		w.logger.Error("Failed to mark run %s failed: %v", runID, err)
	}
}

// blockIssue sets the HITL label and logs the soft block.
func (w *Worker) blockIssue(ctx context.Context, issueID, runID, reasonCode, reason string) error {
	if reasonCode == "" {
		reasonCode = policy.ReasonCodeError
	}
	if err := w.policies.ValidateHITLReason(reasonCode); err != nil {
		w.logger.Warning("HITL reason %q rejected (%v), using %s", reasonCode, err, policy.ReasonCodeError)
		reasonCode = policy.ReasonCodeError
	}
	if err := w.tracker.SetHITLLabel(ctx, issueID, reasonCode); err != nil {
		return fmt.Errorf("failed to set HITL label on issue %s: %w", issueID, err)
	}
	w.metrics.RecordHITLBlock(reasonCode)
	w.logger.Warning("Issue %s blocked for human attention: %s", issueID, reason)
	if runID != "" {
		w.logDecision(ctx, &runlog.Run{ID: runID, IssueID: issueID}, runlog.DecisionHITL, reasonCode, reason, nil)
	}
	return nil
}

// logDecision records a decision row, logging rather than failing on error.
func (w *Worker) logDecision(ctx context.Context, run *runlog.Run, decisionType, decision, reasoning string, metadata map[string]interface{}) {
	_, err := w.store.LogDecision(ctx, runlog.Decision{
		RunID:     run.ID,
		IssueID:   run.IssueID,
		Type:      decisionType,
		Decision:  decision,
		Reasoning: reasoning,
		Metadata:  metadata,
	})
	if err != nil {
		w.logger.Error("Failed to log %s decision for run %s: %v", decisionType, run.ID, err)
	}
}

// policyOutcome maps a terminal event onto the policy engine's view.
func policyOutcome(terminal *agent.Terminal, phaseCfg *policy.PhaseConfig) policy.Outcome {
	return policy.Outcome{
		Success:          terminal.Success,
		RequiresApproval: phaseCfg.RequireApproval,
	}
}

// terminalStatus maps a terminal event to a run status.
func terminalStatus(terminal *agent.Terminal) string {
	switch {
	case terminal.TimedOut:
		return runlog.StatusTimeout
	case terminal.Killed:
		return runlog.StatusCancelled
	case terminal.Success:
		return runlog.StatusCompleted
	default:
		return runlog.StatusFailed
	}
}

// phaseTimeout computes the wall-clock budget for one phase run.
func phaseTimeout(pol *policy.Policy, phaseCfg *policy.PhaseConfig) time.Duration {
	base := pol.TimeoutBaseMs
	if base <= 0 {
		base = 600000
	}
	multiplier := phaseCfg.TimeoutMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return time.Duration(float64(base)*multiplier) * time.Millisecond
}
