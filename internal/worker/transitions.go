package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/prompt"
	"github.com/ashep-ai/ashep/internal/runlog"
	"github.com/ashep-ai/ashep/internal/tracker"
)

// maxDynamicDepth caps dynamic-decision recursion: a decision agent may not
// delegate to another decision agent.
const maxDynamicDepth = 1

// applyTransition carries out the policy verdict against the tracker, the
// messenger, and the run log, logging a phase_transition decision for every
// applied transition.
func (w *Worker) applyTransition(ctx context.Context, issue *tracker.Issue, policyName string, pol *policy.Policy, phaseName string, run *runlog.Run, tr policy.Transition, depth int) error {
	w.metrics.RecordTransition(string(tr.Type))

	switch tr.Type {
	case policy.TransitionAdvance:
		if err := w.tracker.SetPhaseLabel(ctx, issue.ID, tr.NextPhase); err != nil {
			return err
		}
		w.sendPhaseMessage(ctx, issue.ID, phaseName, tr.NextPhase, "result", resultContent(run, tr))
		w.logTransition(ctx, run, "advance", tr.Reason, phaseName, tr.NextPhase)
		w.logger.Info("Issue %s advanced %s -> %s", issue.ID, phaseName, tr.NextPhase)
		return nil

	case policy.TransitionRetry:
		w.logTransition(ctx, run, "retry", tr.Reason, phaseName, phaseName)
		w.logger.Warning("Issue %s retrying phase %s in %v (%s)", issue.ID, phaseName, tr.Delay, tr.Reason)
		if !w.sleep(ctx, tr.Delay) {
			// Shutdown aborts the pending retry; the next poll picks it up.
			return nil
		}
		fresh, err := w.tracker.Get(ctx, issue.ID)
		if err != nil {
			return err
		}
		return w.ProcessIssue(ctx, fresh)

	case policy.TransitionJumpBack:
		if err := w.tracker.SetPhaseLabel(ctx, issue.ID, tr.JumpTargetPhase); err != nil {
			return err
		}
		w.sendPhaseMessage(ctx, issue.ID, phaseName, tr.JumpTargetPhase, "context",
			fmt.Sprintf("Jumped back from %s: %s", phaseName, tr.Reason))
		w.logTransition(ctx, run, "jump_back", tr.Reason, phaseName, tr.JumpTargetPhase)
		w.logger.Info("Issue %s jumped back %s -> %s", issue.ID, phaseName, tr.JumpTargetPhase)
		return nil

	case policy.TransitionDynamicDecision:
		if depth >= maxDynamicDepth {
			blocked := policy.Transition{
				Type:       policy.TransitionBlock,
				Reason:     "Nested dynamic decision rejected",
				ReasonCode: policy.ReasonCodeError,
			}
			return w.applyTransition(ctx, issue, policyName, pol, phaseName, run, blocked, depth)
		}
		next, err := w.runDynamicDecision(ctx, issue, policyName, phaseName, run, tr)
		if err != nil {
			return err
		}
		validated, err := w.policies.ValidateDynamicTransition(ctx, policyName, phaseName, next, issue.ID, w.registry)
		if err != nil {
			return err
		}
		return w.applyTransition(ctx, issue, policyName, pol, phaseName, run, validated, depth+1)

	case policy.TransitionClose:
		if err := w.tracker.ClearPhaseLabels(ctx, issue.ID); err != nil {
			return err
		}
		if err := w.tracker.ClearHITLLabels(ctx, issue.ID); err != nil {
			return err
		}
		if err := w.tracker.CloseIssue(ctx, issue.ID); err != nil {
			return err
		}
		w.logTransition(ctx, run, "close", tr.Reason, phaseName, "")
		w.logger.Info("Issue %s closed: %s", issue.ID, tr.Reason)
		return nil

	case policy.TransitionBlock:
		w.logTransition(ctx, run, "block", tr.Reason, phaseName, "")
		return w.blockIssue(ctx, issue.ID, run.ID, tr.ReasonCode, tr.Reason)

	default:
		return fmt.Errorf("unknown transition type: %s", tr.Type)
	}
}

// runDynamicDecision asks the named decision capability what to do next and
// converts its parsed reply into a transition. Invalid replies block.
func (w *Worker) runDynamicDecision(ctx context.Context, issue *tracker.Issue, policyName, phaseName string, run *runlog.Run, tr policy.Transition) (policy.Transition, error) {
	cfg := tr.DecisionConfig
	selected, err := w.registry.SelectAgent([]string{tr.DynamicCapability}, nil)
	if err != nil {
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     fmt.Sprintf("No agent for decision capability %s", tr.DynamicCapability),
			ReasonCode: policy.ReasonCodeError,
		}, nil
	}

	built, err := w.prompts.BuildPrompt(tr.DynamicCapability, map[string]interface{}{
		"issue": map[string]interface{}{
			"id":    issue.ID,
			"title": issue.Title,
		},
		"phase": map[string]interface{}{
			"name": phaseName,
		},
		"allowed_destinations": cfg.AllowedDestinations,
	})
	if err != nil {
		return policy.Transition{}, err
	}

	_, events, err := w.agents.Launch(ctx, agent.LaunchSpec{
		AgentID:      selected.ID,
		SystemPrompt: built.SystemPrompt,
		UserPrompt:   built.UserPrompt,
		Timeout:      time.Duration(w.cfg.WorkerAssistant.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     fmt.Sprintf("Decision agent failed to start: %v", err),
			ReasonCode: policy.ReasonCodeError,
		}, nil
	}
	terminal := drainToTerminal(events)

	thresholds := &prompt.Thresholds{
		AutoAdvance:     cfg.Confidence.AutoAdvance,
		RequireApproval: cfg.Confidence.RequireApproval,
	}
	result := w.prompts.ValidateResponse(terminal.Output, cfg.AllowedDestinations, thresholds)
	if !result.Valid {
		w.logDecision(ctx, run, runlog.DecisionDynamic, "invalid",
			fmt.Sprintf("Decision response rejected: %v", result.Errors), nil)
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     "Dynamic decision response was invalid",
			ReasonCode: policy.ReasonCodeError,
		}, nil
	}

	resp := result.Response
	w.logDecision(ctx, run, runlog.DecisionDynamic, resp.Decision, resp.Reasoning, map[string]interface{}{
		"confidence":       resp.Confidence,
		"require_approval": resp.RequireApproval,
	})

	if resp.RequireApproval {
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     fmt.Sprintf("Decision confidence %.2f requires approval", resp.Confidence),
			ReasonCode: policy.ReasonCodeApproval,
		}, nil
	}
	return w.decisionToTransition(policyName, phaseName, resp)
}

// decisionToTransition maps a parsed decision string onto the transition sum.
func (w *Worker) decisionToTransition(policyName, phaseName string, resp *prompt.DecisionResponse) (policy.Transition, error) {
	action, target, ok := prompt.ParseAction(resp.Decision)
	if !ok {
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     fmt.Sprintf("Unparseable decision %q", resp.Decision),
			ReasonCode: policy.ReasonCodeError,
		}, nil
	}
	switch action {
	case "advance":
		next := target
		if next == "" {
			linear, ok := w.policies.NextPhase(policyName, phaseName)
			if !ok {
				return policy.Transition{Type: policy.TransitionClose, Reason: resp.Reasoning}, nil
			}
			next = linear
		}
		return policy.Transition{Type: policy.TransitionAdvance, NextPhase: next, Reason: resp.Reasoning}, nil
	case "jump_back":
		return policy.Transition{Type: policy.TransitionJumpBack, JumpTargetPhase: target, Reason: resp.Reasoning}, nil
	case "close":
		return policy.Transition{Type: policy.TransitionClose, Reason: resp.Reasoning}, nil
	case "block":
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     resp.Reasoning,
			ReasonCode: policy.ReasonCodeApproval,
		}, nil
	default:
		return policy.Transition{
			Type:       policy.TransitionBlock,
			Reason:     fmt.Sprintf("Unknown decision action %q", action),
			ReasonCode: policy.ReasonCodeError,
		}, nil
	}
}

// logTransition records a phase_transition decision with from/to metadata.
func (w *Worker) logTransition(ctx context.Context, run *runlog.Run, decision, reason, from, to string) {
	w.logDecision(ctx, run, runlog.DecisionPhaseTransition, decision, reason, map[string]interface{}{
		"from_phase": from,
		"to_phase":   to,
	})
}

// sendPhaseMessage sends a message between phases, logging failures.
func (w *Worker) sendPhaseMessage(ctx context.Context, issueID, from, to, messageType, content string) {
	_, err := w.messenger.SendMessage(ctx, runlog.PhaseMessage{
		IssueID:     issueID,
		FromPhase:   from,
		ToPhase:     to,
		MessageType: messageType,
		Content:     content,
	})
	if err != nil {
		w.logger.Warning("Failed to send %s message %s -> %s for issue %s: %v", messageType, from, to, issueID, err)
	}
}

// sleep waits for d or the context; false means the context ended first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// drainToTerminal consumes a stream until its terminal event.
func drainToTerminal(events <-chan agent.Event) *agent.Terminal {
	for evt := range events {
		if evt.Type == agent.EventTerminal {
			return evt.Terminal
		}
	}
	return &agent.Terminal{Error: "agent stream ended without a terminal event"}
}

// resultContent summarizes a finished run for the next phase.
func resultContent(run *runlog.Run, tr policy.Transition) string {
	return fmt.Sprintf("Phase %s completed (run %s): %s", run.Phase, run.ID, tr.Reason)
}
