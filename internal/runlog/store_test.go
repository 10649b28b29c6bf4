package runlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(Options{
		DBPath:           filepath.Join(dir, "runs.db"),
		RunsLogPath:      filepath.Join(dir, "runs.jsonl"),
		DecisionsLogPath: filepath.Join(dir, "decisions.jsonl"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestCreateRunAssignsDefaults(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	run, err := store.CreateRun(ctx, Run{IssueID: "7", Phase: "plan"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == "" {
		t.Error("CreateRun did not assign an id")
	}
	if run.Status != StatusPending {
		t.Errorf("status = %q, want %s", run.Status, StatusPending)
	}
	if run.CreatedAt.IsZero() || run.UpdatedAt.IsZero() {
		t.Error("CreateRun left timestamps unset")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.IssueID != "7" || got.Phase != "plan" {
		t.Errorf("GetRun = %+v, want issue 7 phase plan", got)
	}

	// GetRun hands out copies; mutating one must not leak into the store.
	got.Phase = "mutated"
	again, _ := store.GetRun(ctx, run.ID)
	if again.Phase != "plan" {
		t.Errorf("phase = %q after caller mutation, want plan", again.Phase)
	}
}

func TestCreateRunRequiresIssueAndPhase(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if _, err := store.CreateRun(ctx, Run{Phase: "plan"}); err == nil {
		t.Error("CreateRun accepted a run without issue_id")
	}
	if _, err := store.CreateRun(ctx, Run{IssueID: "7"}); err == nil {
		t.Error("CreateRun accepted a run without phase")
	}
}

func TestTerminalRunIsImmutable(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	run, err := store.CreateRun(ctx, Run{IssueID: "7", Phase: "plan", Status: StatusRunning})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	done := StatusCompleted
	updated, err := store.UpdateRun(ctx, run.ID, RunPatch{
		Status:  &done,
		Outcome: &Outcome{Success: true},
	})
	if err != nil {
		t.Fatalf("UpdateRun to completed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("terminal update did not stamp completed_at")
	}

	failed := StatusFailed
	_, err = store.UpdateRun(ctx, run.ID, RunPatch{Status: &failed})
	if !errors.Is(err, ErrTerminalRunImmutable) {
		t.Errorf("update of terminal run = %v, want ErrTerminalRunImmutable", err)
	}

	// The stored record is untouched by the rejected update.
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q after rejected update, want %s", got.Status, StatusCompleted)
	}
}

func TestRebuildIndexFromAppendLogs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)
	run, err := store.CreateRun(ctx, Run{IssueID: "7", Phase: "plan", Status: StatusRunning})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	done := StatusCompleted
	if _, err := store.UpdateRun(ctx, run.ID, RunPatch{
		Status:  &done,
		Outcome: &Outcome{Success: true, Metrics: RunMetrics{DurationMs: 900, TokensUsed: 42}},
	}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	other, err := store.CreateRun(ctx, Run{IssueID: "8", Phase: "build", Status: StatusRunning})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := store.LogDecision(ctx, Decision{
		RunID: run.ID, IssueID: "7", Type: DecisionPhaseTransition,
		Decision: "advance",
		Metadata: map[string]interface{}{"from_phase": "plan", "to_phase": "build"},
	}); err != nil {
		t.Fatalf("LogDecision: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Lose the index. The append logs alone must bring everything back.
	for _, name := range []string{"runs.db", "runs.db-wal", "runs.db-shm"} {
		_ = os.Remove(filepath.Join(dir, name))
	}

	rebuilt := openTestStore(t, dir)
	defer func() { _ = rebuilt.Close() }()

	got, err := rebuilt.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after rebuild: %v", err)
	}
	if got.Status != StatusCompleted || got.Outcome == nil || !got.Outcome.Success {
		t.Errorf("rebuilt run = %+v, want the final completed record", got)
	}
	if got.Outcome.Metrics.TokensUsed != 42 {
		t.Errorf("tokens = %d after rebuild, want 42", got.Outcome.Metrics.TokensUsed)
	}
	if _, err := rebuilt.GetRun(ctx, other.ID); err != nil {
		t.Errorf("GetRun(%s) after rebuild: %v", other.ID, err)
	}
	count, err := rebuilt.CountRuns(ctx)
	if err != nil {
		t.Fatalf("CountRuns: %v", err)
	}
	if count != 2 {
		t.Errorf("run count after rebuild = %d, want 2", count)
	}
	retries, err := rebuilt.GetTransitionCount(ctx, "7", "plan", "build")
	if err != nil {
		t.Fatalf("GetTransitionCount after rebuild: %v", err)
	}
	if retries != 1 {
		t.Errorf("transition count after rebuild = %d, want 1", retries)
	}
}

func TestAppendLogRecordsEveryWrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := openTestStore(t, dir)
	defer func() { _ = store.Close() }()

	run, err := store.CreateRun(ctx, Run{IssueID: "7", Phase: "plan", Status: StatusRunning})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	done := StatusCompleted
	if _, err := store.UpdateRun(ctx, run.ID, RunPatch{Status: &done}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	// Per-record flush: both writes are on disk before Close.
	data, err := os.ReadFile(filepath.Join(dir, "runs.jsonl"))
	if err != nil {
		t.Fatalf("read runs.jsonl: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("runs.jsonl has %d lines, want 2 (create + update)", len(lines))
	}
	if !strings.Contains(lines[0], StatusRunning) || !strings.Contains(lines[1], StatusCompleted) {
		t.Errorf("runs.jsonl lines = %v, want running then completed", lines)
	}
}

func TestQueryRunsFiltersAndOrders(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for _, r := range []Run{
		{IssueID: "7", Phase: "plan", Status: StatusCompleted},
		{IssueID: "7", Phase: "build", Status: StatusRunning},
		{IssueID: "8", Phase: "plan", Status: StatusRunning},
	} {
		if _, err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, err := store.QueryRuns(ctx, RunFilter{IssueID: "7"})
	if err != nil {
		t.Fatalf("QueryRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("issue 7 runs = %d, want 2", len(runs))
	}
	// Newest first.
	if runs[0].Phase != "build" {
		t.Errorf("first run phase = %q, want the later build run", runs[0].Phase)
	}

	live, err := store.LiveRuns(ctx)
	if err != nil {
		t.Fatalf("LiveRuns: %v", err)
	}
	if len(live) != 2 {
		t.Errorf("live runs = %d, want 2", len(live))
	}

	has, err := store.HasLiveRun(ctx, "8")
	if err != nil {
		t.Fatalf("HasLiveRun: %v", err)
	}
	if !has {
		t.Error("HasLiveRun(8) = false, want true")
	}
}
