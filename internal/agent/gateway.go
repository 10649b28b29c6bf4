// Package agent defines the subprocess gateway contract: launching and
// continuing agent sessions, streaming their events, and killing them.
package agent

import (
	"context"
	"errors"
	"time"
)

// Errors surfaced by gateway implementations.
var (
	ErrAgentStartFailed = errors.New("agent start failed")
	ErrAgentTimeout     = errors.New("agent timed out")
	ErrAgentCrashed     = errors.New("agent crashed")
	ErrAgentKilled      = errors.New("agent killed")
	ErrUnknownSession   = errors.New("unknown session")
)

// Known agent types reported by the provider.
const (
	AgentTypePrimary  = "primary"
	AgentTypeSubagent = "subagent"
)

// KnownAgent is one agent id the provider advertises.
type KnownAgent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// LaunchSpec describes one session launch.
type LaunchSpec struct {
	AgentID string
	// SessionID continues an existing session when set; empty starts a
	// fresh one.
	SessionID    string
	SystemPrompt string
	UserPrompt   string
	Timeout      time.Duration
}

// Gateway runs agent sessions as subprocesses. Sessions are opaque string
// handles; callers must not assume any in-process state behind them.
type Gateway interface {
	// Launch starts a session and returns its id plus the event stream.
	// The stream always delivers exactly one terminal event last, then
	// closes.
	Launch(ctx context.Context, spec LaunchSpec) (string, <-chan Event, error)
	// Continue resumes an existing session with a new user prompt.
	Continue(ctx context.Context, sessionID, userPrompt string, timeout time.Duration) (<-chan Event, error)
	// Kill terminates a live session.
	Kill(sessionID string) error
	// ListKnownAgents reports the agent ids the provider knows about.
	ListKnownAgents(ctx context.Context) ([]KnownAgent, error)
	// ActiveSessions returns the ids of sessions currently running.
	ActiveSessions() []string
}
