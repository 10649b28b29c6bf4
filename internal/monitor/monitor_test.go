package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/runlog"
	"github.com/ashep-ai/ashep/internal/tracker"
)

type stubTracker struct {
	mu   sync.Mutex
	hitl map[string]string
}

func newStubTracker() *stubTracker {
	return &stubTracker{hitl: make(map[string]string)}
}

func (s *stubTracker) ListReady(ctx context.Context) ([]*tracker.Issue, error) { return nil, nil }
func (s *stubTracker) Get(ctx context.Context, id string) (*tracker.Issue, error) {
	return &tracker.Issue{ID: id}, nil
}
func (s *stubTracker) SetPhaseLabel(ctx context.Context, id, phase string) error { return nil }
func (s *stubTracker) ClearPhaseLabels(ctx context.Context, id string) error     { return nil }

func (s *stubTracker) SetHITLLabel(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hitl[id] = reason
	return nil
}

func (s *stubTracker) ClearHITLLabels(ctx context.Context, id string) error { return nil }
func (s *stubTracker) HasExcludedLabel(ctx context.Context, id string) (bool, error) {
	return false, nil
}
func (s *stubTracker) GetCurrentPhase(ctx context.Context, id string) (string, error) {
	return "", nil
}

func (s *stubTracker) GetHITLReason(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hitl[id], nil
}

func (s *stubTracker) CloseIssue(ctx context.Context, id string) error { return nil }

func (s *stubTracker) hitlReason(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hitl[id]
}

type stubGateway struct {
	mu     sync.Mutex
	active []string
	killed []string
}

func (g *stubGateway) Launch(ctx context.Context, spec agent.LaunchSpec) (string, <-chan agent.Event, error) {
	return "", nil, nil
}

func (g *stubGateway) Continue(ctx context.Context, sessionID, userPrompt string, timeout time.Duration) (<-chan agent.Event, error) {
	return nil, nil
}

func (g *stubGateway) Kill(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killed = append(g.killed, sessionID)
	return nil
}

func (g *stubGateway) ListKnownAgents(ctx context.Context) ([]agent.KnownAgent, error) {
	return nil, nil
}

func (g *stubGateway) ActiveSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.active...)
}

func (g *stubGateway) killedSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.killed...)
}

func testPolicyFile() *policy.File {
	return &policy.File{
		DefaultPolicy: "standard",
		Policies: map[string]*policy.Policy{
			// Generous wall-clock budget so only stalls trip it.
			"standard": {
				Name: "standard",
				Phases: []policy.PhaseConfig{
					{Name: "plan", Capabilities: []string{"plan"}},
					{Name: "build", Capabilities: []string{"code"}},
				},
				Retry:         policy.RetryConfig{MaxAttempts: 2},
				TimeoutBaseMs: 3600000,
			},
			// Tight wall-clock budget with a stall threshold that never
			// fires, so only the budget check trips.
			"patient": {
				Name: "patient",
				Phases: []policy.PhaseConfig{
					{Name: "plan", Capabilities: []string{"plan"}},
				},
				Retry:            policy.RetryConfig{MaxAttempts: 2},
				TimeoutBaseMs:    60000,
				StallThresholdMs: 86400000,
			},
		},
	}
}

func newTestMonitor(t *testing.T, gw *stubGateway, st *stubTracker) (*Monitor, *runlog.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := runlog.Open(runlog.Options{
		DBPath:           filepath.Join(dir, "runs.db"),
		RunsLogPath:      filepath.Join(dir, "runs.jsonl"),
		DecisionsLogPath: filepath.Join(dir, "decisions.jsonl"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Monitor: config.MonitorConfig{
			PollIntervalMs:    200,
			StallThresholdMs:  300000,
			TimeoutMultiplier: 1.5,
		},
	}
	m := New(Deps{
		Config:   cfg,
		Tracker:  st,
		Agents:   gw,
		Policies: policy.NewEngine(testPolicyFile(),
			policy.WithCounters(store),
			policy.WithHITLRules(config.AllowedReasonsConfig{
				Predefined:  []string{"approval", "max-retries", "loop-detected", "error"},
				AllowCustom: true,
			})),
		Store:    store,
	})
	return m, store
}

func seedRunning(t *testing.T, store *runlog.Store, issueID, session string) *runlog.Run {
	t.Helper()
	run, err := store.CreateRun(context.Background(), runlog.Run{
		IssueID:    issueID,
		Phase:      "plan",
		PolicyName: "standard",
		Status:     runlog.StatusRunning,
		SessionID:  session,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestResumeInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	gw := &stubGateway{active: []string{"alive-sess"}}
	st := newStubTracker()
	m, store := newTestMonitor(t, gw, st)

	orphan := seedRunning(t, store, "1", "gone-sess")
	healthy := seedRunning(t, store, "2", "alive-sess")

	if err := m.ResumeInterruptedRuns(ctx); err != nil {
		t.Fatalf("ResumeInterruptedRuns: %v", err)
	}

	got, err := store.GetRun(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != runlog.StatusTimeout {
		t.Errorf("orphan status = %q, want timeout", got.Status)
	}

	got, err = store.GetRun(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != runlog.StatusRunning {
		t.Errorf("healthy run status = %q, want running", got.Status)
	}

	// First timeout is within the retry budget: labels untouched, the
	// worker re-dispatches on its next poll.
	if reason := st.hitlReason("1"); reason != "" {
		t.Errorf("HITL reason = %q, want none on first timeout", reason)
	}

	decisions, err := store.GetDecisions(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetDecisions: %v", err)
	}
	var sawTimeout bool
	for _, d := range decisions {
		if d.Type == runlog.DecisionTimeout {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("no timeout decision recorded for the orphaned run")
	}
}

func TestResumeBlocksAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	gw := &stubGateway{}
	st := newStubTracker()
	m, store := newTestMonitor(t, gw, st)

	// Two earlier timeouts exhaust max_attempts=2; the next one blocks.
	for i := 0; i < 2; i++ {
		if _, err := store.CreateRun(ctx, runlog.Run{
			IssueID: "5", Phase: "plan", PolicyName: "standard", Status: runlog.StatusTimeout,
		}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	seedRunning(t, store, "5", "gone")

	if err := m.ResumeInterruptedRuns(ctx); err != nil {
		t.Fatalf("ResumeInterruptedRuns: %v", err)
	}
	if reason := st.hitlReason("5"); reason != "max-retries" {
		t.Errorf("HITL reason = %q, want max-retries", reason)
	}
}

func TestCheckOnceStallKillsSession(t *testing.T) {
	ctx := context.Background()
	gw := &stubGateway{active: []string{"stuck-sess"}}
	st := newStubTracker()
	m, store := newTestMonitor(t, gw, st)

	run := seedRunning(t, store, "7", "stuck-sess")

	// Six minutes in the heartbeat is past the 5-minute stall threshold
	// while the padded 1.5h wall-clock budget is nowhere near.
	m.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	m.checkOnce(ctx)

	killed := gw.killedSessions()
	if len(killed) != 1 || killed[0] != "stuck-sess" {
		t.Fatalf("killed sessions = %v, want [stuck-sess]", killed)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != runlog.StatusTimeout {
		t.Errorf("run status = %q, want timeout", got.Status)
	}
}

func TestCheckOnceWallClockTimeout(t *testing.T) {
	ctx := context.Background()
	gw := &stubGateway{active: []string{"slow-sess"}}
	st := newStubTracker()
	m, store := newTestMonitor(t, gw, st)

	run, err := store.CreateRun(ctx, runlog.Run{
		IssueID: "8", Phase: "plan", PolicyName: "patient",
		Status: runlog.StatusRunning, SessionID: "slow-sess",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// The patient policy budget is 60s, padded by the 1.5 monitor
	// multiplier to 90s. Two minutes in, the run is over budget while its
	// day-long stall threshold stays quiet.
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m.checkOnce(ctx)

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != runlog.StatusTimeout {
		t.Errorf("run status = %q, want timeout", got.Status)
	}
	if len(gw.killedSessions()) != 1 {
		t.Errorf("killed = %v, want one session", gw.killedSessions())
	}
}

func TestCheckOnceLeavesHealthyRuns(t *testing.T) {
	ctx := context.Background()
	gw := &stubGateway{active: []string{"ok-sess"}}
	st := newStubTracker()
	m, store := newTestMonitor(t, gw, st)

	run := seedRunning(t, store, "9", "ok-sess")
	m.checkOnce(ctx)

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != runlog.StatusRunning {
		t.Errorf("run status = %q, want running", got.Status)
	}
	if len(gw.killedSessions()) != 0 {
		t.Errorf("killed = %v, want none", gw.killedSessions())
	}
}
