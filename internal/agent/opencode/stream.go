// Package opencode runs agent sessions through the opencode CLI and adapts
// its NDJSON event stream to the gateway event model.
package opencode

import (
	"encoding/json"
	"time"

	"github.com/ashep-ai/ashep/internal/agent"
)

// rawLine is one NDJSON line of opencode's --format json output.
type rawLine struct {
	Type    string          `json:"type"`
	Tokens  int             `json:"tokens,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Message string          `json:"message,omitempty"`
	Text    string          `json:"text,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Usage   *rawUsage       `json:"usage,omitempty"`
}

type rawUsage struct {
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
	APICalls int     `json:"api_calls"`
}

// streamState accumulates what the line parser has seen so far.
type streamState struct {
	sessionID   string
	tokensSoFar int
	outputText  string
	usage       *rawUsage
	resultSeen  bool
	success     bool
	errText     string
}

// parseLine converts one NDJSON line into a gateway event, or nil for lines
// that carry no event (text fragments, malformed JSON). Terminal result
// lines update the state but emit no event; the adapter emits the single
// terminal event itself once the process exits.
func (st *streamState) parseLine(line []byte) *agent.Event {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		// Malformed lines are skipped; the stream must survive partial
		// writes from a dying process.
		return nil
	}

	switch raw.Type {
	case "tokens":
		st.tokensSoFar = raw.Tokens
		return &agent.Event{
			Type:      agent.EventTokens,
			SessionID: st.sessionID,
			Timestamp: time.Now().UTC(),
			Tokens:    raw.Tokens,
		}
	case "tool":
		return &agent.Event{
			Type:      agent.EventToolCall,
			SessionID: st.sessionID,
			Timestamp: time.Now().UTC(),
			ToolName:  raw.Name,
			ToolInput: string(raw.Input),
		}
	case "log":
		return &agent.Event{
			Type:      agent.EventLog,
			SessionID: st.sessionID,
			Timestamp: time.Now().UTC(),
			Message:   raw.Message,
		}
	case "text":
		st.outputText += raw.Text
		return nil
	case "result":
		st.resultSeen = true
		if raw.Success != nil {
			st.success = *raw.Success
		}
		st.errText = raw.Error
		st.usage = raw.Usage
		return nil
	}
	return nil
}
