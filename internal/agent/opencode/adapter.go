package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/logging"
)

// Adapter implements the agent gateway over the opencode CLI.
type Adapter struct {
	binary string
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession

	// execCommand is swappable so tests can fake the binary.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// liveSession tracks one running subprocess.
type liveSession struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	killed bool
	mu     sync.Mutex
}

// Option configures the adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithExecCommand replaces the subprocess factory (tests).
func WithExecCommand(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) Option {
	return func(a *Adapter) { a.execCommand = fn }
}

// New creates an adapter for the given opencode binary.
func New(binary string, opts ...Option) *Adapter {
	a := &Adapter{
		binary:      binary,
		logger:      logging.Nop(),
		sessions:    make(map[string]*liveSession),
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Launch starts a session. A provided session id continues an existing
// opencode session; empty starts a fresh one. The returned stream delivers
// exactly one terminal event last, then closes.
func (a *Adapter) Launch(ctx context.Context, spec agent.LaunchSpec) (string, <-chan agent.Event, error) {
	sessionID := spec.SessionID
	continuing := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	args := []string{"run", "--session", sessionID, "--format", "json"}
	if spec.AgentID != "" {
		args = append(args, "--agent", spec.AgentID)
	}
	if continuing {
		args = append(args, "--continue")
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--system-prompt", spec.SystemPrompt)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := a.execCommand(runCtx, a.binary, args...)
	// Own process group so a kill reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("%w: %v", agent.ErrAgentStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("%w: %v", agent.ErrAgentStartFailed, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return "", nil, fmt.Errorf("%w: %v", agent.ErrAgentStartFailed, err)
	}

	live := &liveSession{cmd: cmd, cancel: cancel}
	a.mu.Lock()
	a.sessions[sessionID] = live
	a.mu.Unlock()

	// The user prompt goes over stdin so shell length limits never apply.
	go func() {
		defer func() { _ = stdin.Close() }()
		_, _ = io.WriteString(stdin, spec.UserPrompt)
	}()

	events := make(chan agent.Event, 64)
	go a.consume(runCtx, sessionID, live, stdout, spec, events)
	return sessionID, events, nil
}

// Continue resumes an existing session with a new user prompt.
func (a *Adapter) Continue(ctx context.Context, sessionID, userPrompt string, timeout time.Duration) (<-chan agent.Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", agent.ErrUnknownSession)
	}
	_, events, err := a.Launch(ctx, agent.LaunchSpec{
		SessionID:  sessionID,
		UserPrompt: userPrompt,
		Timeout:    timeout,
	})
	return events, err
}

// consume reads the NDJSON stream until the process exits, then emits the
// terminal event and closes the channel.
func (a *Adapter) consume(ctx context.Context, sessionID string, live *liveSession, stdout io.Reader, spec agent.LaunchSpec, events chan<- agent.Event) {
	defer close(events)
	start := time.Now()

	state := &streamState{sessionID: sessionID}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if evt := state.parseLine(line); evt != nil {
			select {
			case events <- *evt:
			case <-ctx.Done():
			}
		}
	}

	waitErr := live.cmd.Wait()
	live.cancel()

	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	live.mu.Lock()
	killed := live.killed
	live.mu.Unlock()

	end := time.Now()
	terminal := agent.Terminal{
		Output: state.outputText,
		Metrics: agent.Metrics{
			DurationMs:  end.Sub(start).Milliseconds(),
			StartTimeMs: start.UnixMilli(),
			EndTimeMs:   end.UnixMilli(),
		},
	}
	if state.usage != nil {
		terminal.Metrics.TokensUsed = state.usage.Tokens
		terminal.Metrics.Cost = state.usage.Cost
		terminal.Metrics.APICallsCount = state.usage.APICalls
	}
	if terminal.Metrics.TokensUsed == 0 {
		// The stream reported no usage; estimate so session continuation
		// budgets stay meaningful.
		terminal.Metrics.TokensUsed = agent.EstimateTokens(spec.SystemPrompt + spec.UserPrompt + state.outputText)
	}

	switch {
	case killed:
		terminal.Killed = true
		terminal.Error = agent.ErrAgentKilled.Error()
	case ctx.Err() == context.DeadlineExceeded:
		terminal.TimedOut = true
		terminal.Error = agent.ErrAgentTimeout.Error()
	case waitErr != nil:
		terminal.ExitCode = exitCode(waitErr)
		terminal.Error = fmt.Sprintf("%v: %s", agent.ErrAgentCrashed, firstLine(state.errText, waitErr.Error()))
	case state.resultSeen:
		terminal.Success = state.success
		terminal.Error = state.errText
	default:
		// Clean exit without a result line still counts as success; some
		// agent versions end the stream silently.
		terminal.Success = true
	}

	events <- agent.Event{
		Type:      agent.EventTerminal,
		SessionID: sessionID,
		Timestamp: end.UTC(),
		Terminal:  &terminal,
	}
}

// Kill terminates a live session's process group.
func (a *Adapter) Kill(sessionID string) error {
	a.mu.Lock()
	live, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrUnknownSession, sessionID)
	}

	live.mu.Lock()
	live.killed = true
	live.mu.Unlock()

	if live.cmd.Process != nil {
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-live.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			live.cancel()
			return fmt.Errorf("failed to kill session %s: %w", sessionID, err)
		}
	}
	live.cancel()
	a.logger.Warning("Killed agent session %s", sessionID)
	return nil
}

// ListKnownAgents asks the provider for its agent catalogue.
func (a *Adapter) ListKnownAgents(ctx context.Context) ([]agent.KnownAgent, error) {
	cmd := a.execCommand(ctx, a.binary, "agent", "list", "--format", "json")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrAgentStartFailed, err)
	}
	var known []agent.KnownAgent
	if err := json.Unmarshal(out, &known); err != nil {
		return nil, fmt.Errorf("failed to parse agent list: %w", err)
	}
	for i := range known {
		if known[i].Type == "" {
			known[i].Type = agent.AgentTypePrimary
		}
	}
	return known, nil
}

// ActiveSessions returns the ids of sessions currently running.
func (a *Adapter) ActiveSessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}

var _ agent.Gateway = (*Adapter)(nil)

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func firstLine(preferred, fallback string) string {
	s := strings.TrimSpace(preferred)
	if s == "" {
		s = strings.TrimSpace(fallback)
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
