// Package monitor supervises live runs: it resumes state after a crash,
// detects stalled sessions from heartbeat age, and enforces wall-clock
// timeouts the agent gateway missed.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/logging"
	"github.com/ashep-ai/ashep/internal/metrics"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/runlog"
	"github.com/ashep-ai/ashep/internal/tracker"
)

// Deps carries the collaborators a Monitor needs.
type Deps struct {
	Config   *config.Config
	Tracker  tracker.Gateway
	Agents   agent.Gateway
	Policies *policy.Engine
	Store    *runlog.Store
	Metrics  *metrics.Metrics
	Logger   logging.Logger
}

// Monitor is the supervisory loop over the run log's live runs.
type Monitor struct {
	cfg      *config.Config
	tracker  tracker.Gateway
	agents   agent.Gateway
	policies *policy.Engine
	store    *runlog.Store
	metrics  *metrics.Metrics
	logger   logging.Logger
	now      func() time.Time
}

// New builds a monitor from its dependencies.
func New(d Deps) *Monitor {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Monitor{
		cfg:      d.Config,
		tracker:  d.Tracker,
		agents:   d.Agents,
		policies: d.Policies,
		store:    d.Store,
		metrics:  d.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run resumes interrupted runs once, then polls live runs until the context
// ends. One bad run never stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.ResumeInterruptedRuns(ctx); err != nil {
		m.logger.Error("Startup resume failed: %v", err)
	}

	interval := time.Duration(m.cfg.Monitor.PollIntervalMs) * time.Millisecond
	m.logger.Info("Monitor started (poll %v, stall threshold %dms)", interval, m.cfg.Monitor.StallThresholdMs)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

// ResumeInterruptedRuns reconciles the run log with reality after a restart:
// a run still marked running whose session the gateway no longer knows, or
// whose heartbeat predates the resume threshold, was interrupted. Each one is
// marked timed out and handed to the policy engine for the retry-or-block
// verdict.
func (m *Monitor) ResumeInterruptedRuns(ctx context.Context) error {
	live, err := m.store.LiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live runs: %w", err)
	}
	if len(live) == 0 {
		return nil
	}

	active := make(map[string]bool)
	for _, s := range m.agents.ActiveSessions() {
		active[s] = true
	}

	threshold := m.resumeThreshold()
	resumed := 0
	for _, run := range live {
		orphaned := run.SessionID == "" || !active[run.SessionID]
		stale := m.now().Sub(run.UpdatedAt) > threshold
		if !orphaned && !stale {
			continue
		}
		reason := "session lost across restart"
		if !orphaned {
			reason = fmt.Sprintf("no heartbeat for %v", m.now().Sub(run.UpdatedAt).Round(time.Second))
		}
		if err := m.timeOutRun(ctx, run, reason); err != nil {
			m.logger.Error("Failed to resume run %s: %v", run.ID, err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		m.logger.Info("Resumed %d interrupted run(s)", resumed)
	}
	return nil
}

// checkOnce sweeps live runs for stalls and wall-clock timeouts.
func (m *Monitor) checkOnce(ctx context.Context) {
	live, err := m.store.LiveRuns(ctx)
	if err != nil {
		m.logger.Warning("Failed to list live runs: %v", err)
		return
	}

	for _, run := range live {
		if ctx.Err() != nil {
			return
		}
		if deadline := m.wallClockBudget(run); deadline > 0 && m.now().Sub(run.CreatedAt) > deadline {
			m.killAndTimeout(ctx, run, fmt.Sprintf("exceeded wall-clock budget %v", deadline))
			continue
		}
		if stall := m.stallThreshold(run); m.now().Sub(run.UpdatedAt) > stall {
			m.killAndTimeout(ctx, run, fmt.Sprintf("no heartbeat for %v", m.now().Sub(run.UpdatedAt).Round(time.Second)))
		}
	}
}

// killAndTimeout terminates the session, then records the timeout and lets
// the policy engine decide retry versus block.
func (m *Monitor) killAndTimeout(ctx context.Context, run *runlog.Run, reason string) {
	if run.SessionID != "" {
		if err := m.agents.Kill(run.SessionID); err != nil {
			m.logger.Warning("Failed to kill session %s for run %s: %v", run.SessionID, run.ID, err)
		}
	}
	if err := m.timeOutRun(ctx, run, reason); err != nil {
		m.logger.Error("Failed to time out run %s: %v", run.ID, err)
	}
}

// timeOutRun marks the run timed out, logs the timeout decision, and applies
// the policy verdict to the issue's labels. A retry verdict leaves the labels
// alone so the worker's next poll re-dispatches the phase.
func (m *Monitor) timeOutRun(ctx context.Context, run *runlog.Run, reason string) error {
	status := runlog.StatusTimeout
	_, err := m.store.UpdateRun(ctx, run.ID, runlog.RunPatch{
		Status: &status,
		Outcome: &runlog.Outcome{
			Success: false,
			Error:   &runlog.RunError{Type: "timeout", Message: reason},
		},
	})
	if err != nil {
		return err
	}
	if _, err := m.store.LogDecision(ctx, runlog.Decision{
		RunID:     run.ID,
		IssueID:   run.IssueID,
		Type:      runlog.DecisionTimeout,
		Decision:  "timeout",
		Reasoning: reason,
	}); err != nil {
		m.logger.Warning("Failed to log timeout decision for run %s: %v", run.ID, err)
	}
	m.metrics.RecordDispatch(run.Phase, runlog.StatusTimeout)

	retries, err := m.store.GetPhaseRetryCount(ctx, run.IssueID, run.Phase)
	if err != nil {
		return err
	}
	transition, err := m.policies.DetermineTransition(ctx, run.PolicyName, run.Phase,
		policy.Outcome{Success: false, RetryCount: retries}, run.IssueID)
	if err != nil {
		return err
	}
	if transition.Type == policy.TransitionBlock {
		reasonCode := transition.ReasonCode
		if err := m.policies.ValidateHITLReason(reasonCode); err != nil {
			m.logger.Warning("HITL reason %q rejected (%v), using %s", reasonCode, err, policy.ReasonCodeError)
			reasonCode = policy.ReasonCodeError
		}
		if err := m.tracker.SetHITLLabel(ctx, run.IssueID, reasonCode); err != nil {
			return fmt.Errorf("failed to block issue %s: %w", run.IssueID, err)
		}
		m.metrics.RecordHITLBlock(reasonCode)
		m.logger.Warning("Issue %s blocked after timeout: %s", run.IssueID, transition.Reason)
		return nil
	}
	m.logger.Info("Run %s timed out (%s), issue %s left for re-dispatch", run.ID, reason, run.IssueID)
	return nil
}

// stallThreshold is the policy's stall_threshold_ms when set, else the
// monitor default.
func (m *Monitor) stallThreshold(run *runlog.Run) time.Duration {
	ms := m.cfg.Monitor.StallThresholdMs
	if pol, ok := m.policies.GetPolicy(run.PolicyName); ok && pol.StallThresholdMs > 0 {
		ms = pol.StallThresholdMs
	}
	return time.Duration(ms) * time.Millisecond
}

// resumeThreshold pads the stall threshold by the timeout multiplier so a
// restart does not kill runs that were healthy moments before.
func (m *Monitor) resumeThreshold() time.Duration {
	base := time.Duration(m.cfg.Monitor.StallThresholdMs) * time.Millisecond
	return time.Duration(float64(base) * m.cfg.Monitor.TimeoutMultiplier)
}

// wallClockBudget is the phase timeout padded by the monitor's multiplier;
// zero disables the check for runs whose policy or phase is unknown.
func (m *Monitor) wallClockBudget(run *runlog.Run) time.Duration {
	pol, ok := m.policies.GetPolicy(run.PolicyName)
	if !ok {
		return 0
	}
	phase := pol.Phase(run.Phase)
	if phase == nil {
		return 0
	}
	base := pol.TimeoutBaseMs
	if base <= 0 {
		base = 600000
	}
	multiplier := phase.TimeoutMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	budget := time.Duration(float64(base)*multiplier) * time.Millisecond
	return time.Duration(float64(budget) * m.cfg.Monitor.TimeoutMultiplier)
}
