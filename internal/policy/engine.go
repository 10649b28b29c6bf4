package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/logging"
)

// Engine answers transition questions for loaded policies. It is read-mostly:
// ReplaceFile swaps the whole policy set atomically on reload.
type Engine struct {
	mu       sync.RWMutex
	file     *File
	counters Counters
	loop     config.LoopPreventionConfig
	hitl     config.AllowedReasonsConfig
	logger   logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCounters wires the run log counters used by loop prevention.
func WithCounters(c Counters) Option {
	return func(e *Engine) { e.counters = c }
}

// WithLoopPrevention sets the global loop-prevention limits.
func WithLoopPrevention(cfg config.LoopPreventionConfig) Option {
	return func(e *Engine) { e.loop = cfg }
}

// WithHITLRules sets the human-in-the-loop reason rule set.
func WithHITLRules(cfg config.AllowedReasonsConfig) Option {
	return func(e *Engine) { e.hitl = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a policy engine over a validated policy file.
func NewEngine(file *File, opts ...Option) *Engine {
	e := &Engine{
		file:   file,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplaceFile swaps in a reloaded policy set.
func (e *Engine) ReplaceFile(f *File) {
	e.mu.Lock()
	e.file = f
	e.mu.Unlock()
}

func (e *Engine) snapshot() *File {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.file
}

// PolicyNames returns all policy names, sorted.
func (e *Engine) PolicyNames() []string {
	file := e.snapshot()
	names := make([]string, 0, len(file.Policies))
	for name := range file.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns the named policy. Callers must treat it as read-only.
func (e *Engine) GetPolicy(name string) (*Policy, bool) {
	p, ok := e.snapshot().Policies[name]
	return p, ok
}

// DefaultPolicyName returns the configured default policy.
func (e *Engine) DefaultPolicyName() string {
	return e.snapshot().DefaultPolicy
}

// PhaseSequence returns the ordered phase names of a policy.
func (e *Engine) PhaseSequence(policyName string) ([]string, error) {
	pol, ok := e.GetPolicy(policyName)
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", policyName)
	}
	names := make([]string, len(pol.Phases))
	for i, ph := range pol.Phases {
		names[i] = ph.Name
	}
	return names, nil
}

// GetPhaseConfig returns the phase config for (policy, phase).
func (e *Engine) GetPhaseConfig(policyName, phase string) (*PhaseConfig, bool) {
	pol, ok := e.GetPolicy(policyName)
	if !ok {
		return nil, false
	}
	ph := pol.Phase(phase)
	if ph == nil {
		return nil, false
	}
	return ph, true
}

// NextPhase returns the phase after the given one, or false when the phase
// is last or unknown.
func (e *Engine) NextPhase(policyName, phase string) (string, bool) {
	pol, ok := e.GetPolicy(policyName)
	if !ok {
		return "", false
	}
	return pol.nextPhase(phase)
}

// Phase returns the named phase config, or nil.
func (p *Policy) Phase(name string) *PhaseConfig {
	for i := range p.Phases {
		if p.Phases[i].Name == name {
			return &p.Phases[i]
		}
	}
	return nil
}

func (p *Policy) nextPhase(name string) (string, bool) {
	for i := range p.Phases {
		if p.Phases[i].Name == name && i+1 < len(p.Phases) {
			return p.Phases[i+1].Name, true
		}
	}
	return "", false
}

// CalculateRetryDelay computes the wait before retry attempt (0-based).
func (e *Engine) CalculateRetryDelay(policyName string, attempt int) time.Duration {
	pol, ok := e.GetPolicy(policyName)
	if !ok {
		return 0
	}
	return RetryDelay(pol.Retry, attempt)
}

// RetryDelay computes the delay for a 0-based retry attempt under the given
// strategy, capped by max_delay_ms.
func RetryDelay(rc RetryConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := rc.InitialDelayMs
	var ms int64
	switch rc.Backoff {
	case "linear":
		ms = base * int64(attempt+1)
	case "exponential":
		shift := attempt
		if shift > 20 {
			shift = 20
		}
		ms = base << uint(shift)
	default:
		ms = base
	}
	if rc.MaxDelayMs > 0 && ms > rc.MaxDelayMs {
		ms = rc.MaxDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

// DetermineTransition computes what happens to an issue after a run at
// currentPhase finishes with the given outcome. The run is assumed to be
// recorded already, so visit and retry counts include it. issueID may be
// empty to skip loop prevention.
func (e *Engine) DetermineTransition(ctx context.Context, policyName, currentPhase string, outcome Outcome, issueID string) (Transition, error) {
	file := e.snapshot()

	pol, ok := file.Policies[policyName]
	if !ok {
		return blockTransition(fmt.Sprintf("Policy not found: %s", policyName), ReasonCodeError), nil
	}
	phase := pol.Phase(currentPhase)
	if phase == nil {
		return blockTransition(fmt.Sprintf("Phase not found: %s", currentPhase), ReasonCodeError), nil
	}

	if outcome.RequiresApproval || phase.RequireApproval || pol.RequireHITL {
		return blockTransition("Human approval required", ReasonCodeApproval), nil
	}

	if !outcome.Success {
		if outcome.RetryCount < pol.Retry.MaxAttempts {
			k := outcome.RetryCount
			if k < 1 {
				k = 1
			}
			return Transition{
				Type:   TransitionRetry,
				Delay:  RetryDelay(pol.Retry, k-1),
				Reason: fmt.Sprintf("Retry %d/%d", k, pol.Retry.MaxAttempts),
			}, nil
		}
		return blockTransition(fmt.Sprintf("Max retries exceeded (%d)", pol.Retry.MaxAttempts), ReasonCodeMaxRetries), nil
	}

	dynamic := phase.DynamicDecision != nil && phase.DynamicDecision.Enabled
	next, hasNext := pol.nextPhase(currentPhase)

	proposed := ""
	if !dynamic && hasNext {
		proposed = next
	}
	blocked, err := e.checkLoopLimits(ctx, pol, issueID, currentPhase, proposed, true)
	if err != nil {
		return Transition{}, err
	}
	if blocked != nil {
		return *blocked, nil
	}

	if dynamic {
		return Transition{
			Type:              TransitionDynamicDecision,
			DynamicCapability: phase.DynamicDecision.Capability,
			DecisionConfig:    phase.DynamicDecision,
			Reason:            fmt.Sprintf("Phase %s delegates its transition to capability %s", currentPhase, phase.DynamicDecision.Capability),
		}, nil
	}

	if hasNext {
		return Transition{
			Type:      TransitionAdvance,
			NextPhase: next,
			Reason:    fmt.Sprintf("Phase %s completed, advancing to %s", currentPhase, next),
		}, nil
	}
	return Transition{Type: TransitionClose, Reason: "All phases completed"}, nil
}

// PreDispatchCheck applies loop-prevention limits before a new run for
// (issue, phase) is created. A non-nil transition is always a block.
func (e *Engine) PreDispatchCheck(ctx context.Context, policyName, phase, issueID string) (*Transition, error) {
	file := e.snapshot()
	pol, ok := file.Policies[policyName]
	if !ok {
		t := blockTransition(fmt.Sprintf("Policy not found: %s", policyName), ReasonCodeError)
		return &t, nil
	}
	if pol.Phase(phase) == nil {
		t := blockTransition(fmt.Sprintf("Phase not found: %s", phase), ReasonCodeError)
		return &t, nil
	}
	return e.checkLoopLimits(ctx, pol, issueID, phase, "", false)
}

// ValidateDynamicTransition checks a transition raised by a decision agent
// before the worker applies it: jump targets must exist in the policy and
// differ from the current phase, nested dynamic decisions need an active
// capability provider, and loop limits apply to the proposed move.
func (e *Engine) ValidateDynamicTransition(ctx context.Context, policyName, currentPhase string, tr Transition, issueID string, caps CapabilityChecker) (Transition, error) {
	file := e.snapshot()
	pol, ok := file.Policies[policyName]
	if !ok {
		return blockTransition(fmt.Sprintf("Policy not found: %s", policyName), ReasonCodeError), nil
	}

	switch tr.Type {
	case TransitionJumpBack:
		target := tr.JumpTargetPhase
		if pol.Phase(target) == nil {
			return blockTransition(fmt.Sprintf("Jump target not in policy: %s", target), ReasonCodeError), nil
		}
		if target == currentPhase {
			return blockTransition(fmt.Sprintf("Jump target equals current phase: %s", target), ReasonCodeError), nil
		}
		blocked, err := e.checkLoopLimits(ctx, pol, issueID, currentPhase, target, true)
		if err != nil {
			return Transition{}, err
		}
		if blocked != nil {
			return *blocked, nil
		}
	case TransitionAdvance:
		if tr.NextPhase != "" {
			if pol.Phase(tr.NextPhase) == nil {
				return blockTransition(fmt.Sprintf("Advance target not in policy: %s", tr.NextPhase), ReasonCodeError), nil
			}
			blocked, err := e.checkLoopLimits(ctx, pol, issueID, currentPhase, tr.NextPhase, true)
			if err != nil {
				return Transition{}, err
			}
			if blocked != nil {
				return *blocked, nil
			}
		}
	case TransitionDynamicDecision:
		if caps == nil || !caps.HasActiveProvider(tr.DynamicCapability) {
			return blockTransition(fmt.Sprintf("No active provider for capability %s", tr.DynamicCapability), ReasonCodeError), nil
		}
	}
	return tr, nil
}

// checkLoopLimits enforces the visit cap, the per-pair transition cap, and
// oscillation detection. includesCurrentRun tells it whether the run log
// already counts the run being decided, so the visit comparison always works
// on prior visits. proposedNext may be empty when the destination is not
// known yet.
func (e *Engine) checkLoopLimits(ctx context.Context, pol *Policy, issueID, currentPhase, proposedNext string, includesCurrentRun bool) (*Transition, error) {
	if !e.loop.Enabled || issueID == "" || e.counters == nil {
		return nil, nil
	}

	maxVisits := e.loop.MaxVisitsDefault
	if pol.LoopPrevention != nil && pol.LoopPrevention.MaxVisits != nil {
		maxVisits = *pol.LoopPrevention.MaxVisits
	}
	if ph := pol.Phase(currentPhase); ph != nil && ph.MaxVisits != nil {
		maxVisits = *ph.MaxVisits
	}
	visits, err := e.counters.GetPhaseVisitCount(ctx, issueID, currentPhase)
	if err != nil {
		return nil, fmt.Errorf("failed to count phase visits: %w", err)
	}
	if includesCurrentRun && visits > 0 {
		visits--
	}
	if visits >= maxVisits {
		t := blockTransition(fmt.Sprintf("Phase %s exceeded max_visits (%d)", currentPhase, maxVisits), ReasonCodeLoopDetected)
		return &t, nil
	}

	if proposedNext != "" {
		maxTransitions := e.loop.MaxTransitionsDefault
		if pol.LoopPrevention != nil && pol.LoopPrevention.MaxTransitions != nil {
			maxTransitions = *pol.LoopPrevention.MaxTransitions
		}
		for _, r := range pol.TransitionRules {
			if r.From == currentPhase && r.To == proposedNext {
				maxTransitions = r.MaxTransitions
				break
			}
		}
		count, err := e.counters.GetTransitionCount(ctx, issueID, currentPhase, proposedNext)
		if err != nil {
			return nil, fmt.Errorf("failed to count transitions: %w", err)
		}
		if count >= maxTransitions {
			t := blockTransition(
				fmt.Sprintf("Transition %s->%s exceeded max_transitions (%d)", currentPhase, proposedNext, maxTransitions),
				ReasonCodeLoopDetected)
			return &t, nil
		}
	}

	oscillating, a, b, err := e.detectOscillation(ctx, issueID, currentPhase, proposedNext)
	if err != nil {
		return nil, err
	}
	if oscillating {
		t := blockTransition(fmt.Sprintf("Oscillating cycle detected: %s <-> %s", a, b), ReasonCodeLoopDetected)
		return &t, nil
	}
	return nil, nil
}

// detectOscillation reports whether the last cycle_detection_length
// transitions (including the proposed one, when known) alternate between
// exactly two phases.
func (e *Engine) detectOscillation(ctx context.Context, issueID, currentPhase, proposedNext string) (bool, string, string, error) {
	cycleLen := e.loop.CycleDetectionLength
	if cycleLen < 2 {
		return false, "", "", nil
	}
	need := cycleLen
	if proposedNext != "" {
		need = cycleLen - 1
	}
	recent, err := e.counters.RecentTransitions(ctx, issueID, need)
	if err != nil {
		return false, "", "", fmt.Errorf("failed to list recent transitions: %w", err)
	}
	if len(recent) < need {
		return false, "", "", nil
	}

	// Newest-first from the run log; evaluate oldest-first.
	window := make([]TransitionRecord, 0, cycleLen)
	for i := need - 1; i >= 0; i-- {
		window = append(window, recent[i])
	}
	if proposedNext != "" {
		window = append(window, TransitionRecord{FromPhase: currentPhase, ToPhase: proposedNext})
	}
	if len(window) != cycleLen {
		return false, "", "", nil
	}
	if !isOscillating(window) {
		return false, "", "", nil
	}
	return true, window[0].FromPhase, window[0].ToPhase, nil
}

func isOscillating(window []TransitionRecord) bool {
	a, b := window[0].FromPhase, window[0].ToPhase
	if a == "" || b == "" || a == b {
		return false
	}
	for i, tr := range window {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		if tr.FromPhase != from || tr.ToPhase != to {
			return false
		}
	}
	return true
}

func blockTransition(reason, code string) Transition {
	return Transition{Type: TransitionBlock, Reason: reason, ReasonCode: code}
}
