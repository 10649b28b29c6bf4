package agent

import "time"

// EventType enumerates gateway stream events.
type EventType string

const (
	// EventTokens reports the cumulative token count observed so far.
	EventTokens EventType = "tokens"
	// EventToolCall reports a tool invocation by the agent.
	EventToolCall EventType = "tool_call"
	// EventLog carries a free-form progress line.
	EventLog EventType = "log"
	// EventTerminal is the final event of every stream.
	EventTerminal EventType = "terminal"
)

// Event is one entry in a session's stream.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// Tokens is set for tokens events.
	Tokens int `json:"tokens,omitempty"`
	// ToolName and ToolInput are set for tool_call events.
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
	// Message is set for log events.
	Message string `json:"message,omitempty"`
	// Terminal is set for terminal events.
	Terminal *Terminal `json:"terminal,omitempty"`
}

// Terminal describes how a session ended. Output carries the agent's final
// text response so decision capabilities can be parsed by the caller.
type Terminal struct {
	Success  bool    `json:"success"`
	Killed   bool    `json:"killed,omitempty"`
	TimedOut bool    `json:"timed_out,omitempty"`
	Error    string  `json:"error,omitempty"`
	Output   string  `json:"output,omitempty"`
	ExitCode int     `json:"exit_code"`
	Metrics  Metrics `json:"metrics"`
}

// Metrics are the session-level counters reported at termination.
type Metrics struct {
	DurationMs    int64   `json:"duration_ms"`
	StartTimeMs   int64   `json:"start_time_ms"`
	EndTimeMs     int64   `json:"end_time_ms"`
	TokensUsed    int     `json:"tokens_used"`
	Cost          float64 `json:"cost"`
	APICallsCount int     `json:"api_calls_count"`
}
