// Package policy loads workflow policies and computes phase transitions:
// advance, retry, jump_back, dynamic_decision, block, or close.
package policy

import (
	"context"
	"time"
)

// File is the parsed policies.yaml document.
type File struct {
	DefaultPolicy string             `yaml:"default_policy"`
	Policies      map[string]*Policy `yaml:"policies"`
}

// Policy is one named workflow: an ordered phase list plus retry, timeout,
// session, and loop-prevention configuration.
type Policy struct {
	Name             string             `yaml:"-"`
	Description      string             `yaml:"description"`
	Phases           []PhaseConfig      `yaml:"phases"`
	Retry            RetryConfig        `yaml:"retry"`
	TimeoutBaseMs    int64              `yaml:"timeout_base_ms"`
	StallThresholdMs int64              `yaml:"stall_threshold_ms"`
	SharedSession    bool               `yaml:"shared_session"`
	RequireHITL      bool               `yaml:"require_hitl"`
	WorkerAssistant  *AssistantOverride `yaml:"worker_assistant"`
	LoopPrevention   *LoopOverrides     `yaml:"loop_prevention"`
	TransitionRules  []TransitionRule   `yaml:"transition_rules"`
}

// PhaseConfig is one step of a policy.
type PhaseConfig struct {
	Name                   string                 `yaml:"name"`
	Description            string                 `yaml:"description"`
	Capabilities           []string               `yaml:"capabilities"`
	TimeoutMultiplier      float64                `yaml:"timeout_multiplier"`
	RequireApproval        bool                   `yaml:"require_approval"`
	CustomPrompt           string                 `yaml:"custom_prompt"`
	ReuseSessionFromPhase  string                 `yaml:"reuse_session_from_phase"`
	ContextWindowThreshold float64                `yaml:"context_window_threshold"`
	MaxContextTokens       int                    `yaml:"max_context_tokens"`
	MaxVisits              *int                   `yaml:"max_visits"`
	WorkerAssistant        *AssistantOverride     `yaml:"worker_assistant"`
	DynamicDecision        *DynamicDecisionConfig `yaml:"dynamic_decision"`
}

// RetryConfig controls failed-phase retries.
type RetryConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	InitialDelayMs int64  `yaml:"initial_delay_ms"`
	Backoff        string `yaml:"backoff"`
	MaxDelayMs     int64  `yaml:"max_delay_ms"`
}

// LoopOverrides raises or lowers the global loop-prevention limits for one
// policy. Nil fields inherit the global defaults.
type LoopOverrides struct {
	MaxVisits      *int `yaml:"max_visits"`
	MaxTransitions *int `yaml:"max_transitions"`
}

// TransitionRule caps how often a specific phase pair may transition.
type TransitionRule struct {
	From           string `yaml:"from"`
	To             string `yaml:"to"`
	MaxTransitions int    `yaml:"max_transitions"`
}

// AssistantOverride adjusts worker-assistant behavior at policy or phase
// level. Enabled is a tri-state: nil inherits the outer setting.
type AssistantOverride struct {
	Enabled         *bool  `yaml:"enabled"`
	AgentCapability string `yaml:"agent_capability"`
	TimeoutMs       int64  `yaml:"timeout_ms"`
	FallbackAction  string `yaml:"fallback_action"`
}

// DynamicDecisionConfig lets a phase delegate its transition to a decision
// agent instead of advancing linearly.
type DynamicDecisionConfig struct {
	Enabled             bool                 `yaml:"enabled"`
	Capability          string               `yaml:"capability"`
	AllowedDestinations []string             `yaml:"allowed_destinations"`
	Confidence          ConfidenceThresholds `yaml:"confidence"`
}

// ConfidenceThresholds gate dynamic decisions: below RequireApproval the
// response is flagged, below AutoAdvance it is demoted to approval.
type ConfidenceThresholds struct {
	AutoAdvance     float64 `yaml:"auto_advance"`
	RequireApproval float64 `yaml:"require_approval"`
}

// TransitionType enumerates the closed set of policy verdicts.
type TransitionType string

const (
	TransitionAdvance         TransitionType = "advance"
	TransitionRetry           TransitionType = "retry"
	TransitionJumpBack        TransitionType = "jump_back"
	TransitionDynamicDecision TransitionType = "dynamic_decision"
	TransitionBlock           TransitionType = "block"
	TransitionClose           TransitionType = "close"
)

// Transition is the engine's verdict on what happens to an issue next.
// Only the fields matching Type are populated.
type Transition struct {
	Type TransitionType

	// NextPhase is set for advance.
	NextPhase string
	// Delay is set for retry.
	Delay time.Duration
	// JumpTargetPhase is set for jump_back.
	JumpTargetPhase string
	// DynamicCapability and DecisionConfig are set for dynamic_decision.
	DynamicCapability string
	DecisionConfig    *DynamicDecisionConfig

	// Reason is human-readable; ReasonCode is the label-safe slug used for
	// block transitions (e.g. "max-retries", "loop-detected").
	Reason     string
	ReasonCode string
}

// Outcome is the policy-relevant summary of a finished run.
type Outcome struct {
	Success          bool
	RequiresApproval bool
	// RetryCount is the number of failed runs recorded for the issue and
	// phase, including the run this outcome describes when it failed.
	RetryCount int
}

// TransitionRecord is one recorded phase transition for an issue.
type TransitionRecord struct {
	FromPhase string
	ToPhase   string
}

// Counters supplies the historical counts loop prevention needs. The run
// log implements it.
type Counters interface {
	GetPhaseVisitCount(ctx context.Context, issueID, phase string) (int, error)
	GetTransitionCount(ctx context.Context, issueID, fromPhase, toPhase string) (int, error)
	// RecentTransitions returns the newest transitions first.
	RecentTransitions(ctx context.Context, issueID string, limit int) ([]TransitionRecord, error)
}

// CapabilityChecker answers whether a capability has at least one active
// provider. The agent registry implements it.
type CapabilityChecker interface {
	HasActiveProvider(capability string) bool
}

// Reason codes attached to block transitions so callers can map them to
// label-safe HITL reasons.
const (
	ReasonCodeApproval     = "approval"
	ReasonCodeMaxRetries   = "max-retries"
	ReasonCodeLoopDetected = "loop-detected"
	ReasonCodeError        = "error"
)
