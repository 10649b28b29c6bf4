// Package runlog is the durable append-only store of runs, decisions, and
// phase messages, with the indexed queries the policy engine and worker need.
package runlog

import (
	"errors"
	"time"
)

// Run statuses. A run is immutable once it reaches a terminal status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Decision types recorded alongside runs.
const (
	DecisionPhaseTransition = "phase_transition"
	DecisionWorkerAssistant = "worker_assistant"
	DecisionDynamic         = "dynamic_decision"
	DecisionHITL            = "hitl"
	DecisionTimeout         = "timeout"
	DecisionAgentSelection  = "agent_selection"
)

// ErrTerminalRunImmutable is returned when a caller tries to update a run
// that already reached a terminal status. It signals a logic bug in the
// caller, not a storage problem.
var ErrTerminalRunImmutable = errors.New("run is terminal and immutable")

// ErrNotFound is returned when a run or decision id does not exist.
var ErrNotFound = errors.New("record not found")

// IsTerminalStatus reports whether a status ends a run's lifecycle.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Run is one atomic attempt to execute one phase of one issue.
type Run struct {
	ID          string                 `json:"id"`
	IssueID     string                 `json:"issue_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	PolicyName  string                 `json:"policy_name,omitempty"`
	Phase       string                 `json:"phase"`
	Status      string                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Outcome     *Outcome               `json:"outcome,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Outcome summarizes how a run ended.
type Outcome struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Error     *RunError  `json:"error,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
	Metrics   RunMetrics `json:"metrics"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// RunError carries the failure details of an unsuccessful run.
type RunError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// RunMetrics are the measured counters of one run.
type RunMetrics struct {
	DurationMs    int64   `json:"duration_ms"`
	StartTimeMs   int64   `json:"start_time_ms"`
	EndTimeMs     int64   `json:"end_time_ms"`
	TokensUsed    int     `json:"tokens_used"`
	Cost          float64 `json:"cost"`
	APICallsCount int     `json:"api_calls_count"`
}

// Decision is one recorded verdict: who decided what about a run, and why.
type Decision struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	IssueID   string                 `json:"issue_id,omitempty"`
	Type      string                 `json:"type"`
	Decision  string                 `json:"decision"`
	Reasoning string                 `json:"reasoning,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// PhaseMessage is one typed message passed between phases of an issue.
type PhaseMessage struct {
	ID          string                 `json:"id"`
	IssueID     string                 `json:"issue_id"`
	FromPhase   string                 `json:"from_phase"`
	ToPhase     string                 `json:"to_phase"`
	MessageType string                 `json:"message_type"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Read        bool                   `json:"read"`
	RunCounter  int                    `json:"run_counter"`
	CreatedAt   time.Time              `json:"created_at"`
}

// CleanupMetric records one retention operation.
type CleanupMetric struct {
	ID            string    `json:"id"`
	PolicyName    string    `json:"policy_name,omitempty"`
	IssueID       string    `json:"issue_id,omitempty"`
	Operation     string    `json:"operation"`
	RunsProcessed int       `json:"runs_processed"`
	RunsArchived  int       `json:"runs_archived"`
	RunsDeleted   int       `json:"runs_deleted"`
	BytesArchived int64     `json:"bytes_archived"`
	BytesDeleted  int64     `json:"bytes_deleted"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// RunFilter selects runs for QueryRuns. Zero fields are ignored.
type RunFilter struct {
	IssueID       string
	AgentID       string
	Phase         string
	Status        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// RunPatch carries the updatable fields of a run. Nil fields are untouched.
type RunPatch struct {
	Status    *string
	SessionID *string
	AgentID   *string
	Outcome   *Outcome
	Metadata  map[string]interface{}
}

// DurationStats aggregates run durations for a filter.
type DurationStats struct {
	Count        int     `json:"count"`
	TotalMs      int64   `json:"total_ms"`
	AverageMs    float64 `json:"average_ms"`
	MinMs        int64   `json:"min_ms"`
	MaxMs        int64   `json:"max_ms"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
}

// PhaseDuration is one phase's total time for an issue.
type PhaseDuration struct {
	Phase      string `json:"phase"`
	TotalMs    int64  `json:"total_ms"`
	RunCount   int    `json:"run_count"`
	AverageMs  int64  `json:"average_ms"`
	SlowestRun string `json:"slowest_run,omitempty"`
}
