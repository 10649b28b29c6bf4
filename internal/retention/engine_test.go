package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/runlog"
)

func openStores(t *testing.T) (*runlog.Store, *ArchiveStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := runlog.Open(runlog.Options{
		DBPath:           filepath.Join(dir, "runs.db"),
		RunsLogPath:      filepath.Join(dir, "runs.jsonl"),
		DecisionsLogPath: filepath.Join(dir, "decisions.jsonl"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	archive, err := OpenArchive(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })
	return store, archive
}

func seedRun(t *testing.T, store *runlog.Store, issueID, status string, age time.Duration, success bool) *runlog.Run {
	t.Helper()
	run, err := store.CreateRun(context.Background(), runlog.Run{
		IssueID:   issueID,
		Phase:     "implement",
		Status:    status,
		CreatedAt: time.Now().UTC().Add(-age),
		Outcome:   &runlog.Outcome{Success: success},
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func TestDecide(t *testing.T) {
	now := time.Now().UTC()
	base := config.RetentionPolicy{
		Name:             "default",
		ArchiveEnabled:   true,
		ArchiveAfterDays: 7,
		DeleteAfterDays:  30,
	}

	tests := []struct {
		name        string
		run         runlog.Run
		pol         config.RetentionPolicy
		rank        int
		pressure    bool
		wantArchive bool
		wantDelete  bool
	}{
		{
			name: "fresh run untouched",
			run:  runlog.Run{Status: runlog.StatusCompleted, CreatedAt: now.Add(-24 * time.Hour)},
			pol:  base,
		},
		{
			name:        "old run archived",
			run:         runlog.Run{Status: runlog.StatusCompleted, CreatedAt: now.Add(-10 * 24 * time.Hour)},
			pol:         base,
			wantArchive: true,
		},
		{
			name:        "very old run archived and deleted",
			run:         runlog.Run{Status: runlog.StatusFailed, CreatedAt: now.Add(-40 * 24 * time.Hour)},
			pol:         base,
			wantArchive: true,
			wantDelete:  true,
		},
		{
			name: "keep flag vetoes delete not archive",
			run: runlog.Run{
				Status:    runlog.StatusCompleted,
				CreatedAt: now.Add(-40 * 24 * time.Hour),
				Outcome:   &runlog.Outcome{Success: true},
			},
			pol: func() config.RetentionPolicy {
				p := base
				p.KeepSuccessfulRuns = true
				return p
			}(),
			wantArchive: true,
			wantDelete:  false,
		},
		{
			name: "live run never touched",
			run:  runlog.Run{Status: runlog.StatusRunning, CreatedAt: now.Add(-40 * 24 * time.Hour)},
			pol:  base,
		},
		{
			name: "count rank beyond max_runs archives",
			run:  runlog.Run{Status: runlog.StatusCompleted, CreatedAt: now.Add(-time.Hour)},
			pol: func() config.RetentionPolicy {
				p := base
				p.MaxRuns = 10
				return p
			}(),
			rank:        10,
			wantArchive: true,
		},
		{
			name:        "size pressure archives regardless of age",
			run:         runlog.Run{Status: runlog.StatusCompleted, CreatedAt: now.Add(-time.Hour)},
			pol:         base,
			pressure:    true,
			wantArchive: true,
		},
		{
			name: "archive disabled means pressure cannot archive",
			run:  runlog.Run{Status: runlog.StatusCompleted, CreatedAt: now.Add(-10 * 24 * time.Hour)},
			pol: func() config.RetentionPolicy {
				p := base
				p.ArchiveEnabled = false
				return p
			}(),
			pressure: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(&tt.run, tt.pol, tt.rank, tt.pressure, now)
			if d.archive != tt.wantArchive || d.delete != tt.wantDelete {
				t.Errorf("decide() = archive=%v delete=%v, want archive=%v delete=%v",
					d.archive, d.delete, tt.wantArchive, tt.wantDelete)
			}
		})
	}
}

func TestRunImmediateCleanupArchivesOldRuns(t *testing.T) {
	store, archive := openStores(t)
	ctx := context.Background()

	old := seedRun(t, store, "issue-1", runlog.StatusCompleted, 10*24*time.Hour, true)
	fresh := seedRun(t, store, "issue-2", runlog.StatusCompleted, time.Hour, true)
	live := seedRun(t, store, "issue-3", runlog.StatusRunning, 10*24*time.Hour, false)

	if _, err := store.LogDecision(ctx, runlog.Decision{
		RunID:    old.ID,
		IssueID:  old.IssueID,
		Type:     runlog.DecisionPhaseTransition,
		Decision: "advance",
	}); err != nil {
		t.Fatalf("log decision: %v", err)
	}

	engine := New(store, archive, config.RetentionConfig{
		Enabled: true,
		Policies: []config.RetentionPolicy{{
			Name:             "default",
			ArchiveEnabled:   true,
			ArchiveAfterDays: 7,
		}},
	}, config.CleanupConfig{}, nil, nil)

	res, err := engine.RunImmediateCleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("archived = %d, want 1", res.Archived)
	}
	if res.BytesArchived == 0 {
		t.Error("bytes archived should be nonzero")
	}

	if _, err := store.GetRun(ctx, old.ID); err == nil {
		t.Error("archived run should be gone from active store")
	}
	if _, err := store.GetRun(ctx, fresh.ID); err != nil {
		t.Errorf("fresh run should survive: %v", err)
	}
	if _, err := store.GetRun(ctx, live.ID); err != nil {
		t.Errorf("live run should survive: %v", err)
	}

	ok, err := archive.HasRun(ctx, old.ID)
	if err != nil || !ok {
		t.Errorf("archive should hold run %s (ok=%v err=%v)", old.ID, ok, err)
	}

	metrics, err := store.GetCleanupMetrics(ctx, "")
	if err != nil {
		t.Fatalf("cleanup metrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].Operation != OpArchive {
		t.Errorf("expected one archive metric, got %+v", metrics)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	store, archive := openStores(t)
	ctx := context.Background()
	run := seedRun(t, store, "issue-1", runlog.StatusCompleted, 10*24*time.Hour, true)

	at := time.Now().UTC()
	if _, err := archive.InsertRun(ctx, run, OpArchive, at); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := archive.InsertRun(ctx, run, OpArchive, at); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	count, err := archive.CountRuns(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestQueryAllRunsDedupesActiveWins(t *testing.T) {
	store, archive := openStores(t)
	ctx := context.Background()

	active := seedRun(t, store, "issue-1", runlog.StatusCompleted, 2*time.Hour, true)
	archivedOnly := seedRun(t, store, "issue-2", runlog.StatusCompleted, time.Hour, true)

	// Archive both, then delete only one from the active store: issue-1 now
	// exists in both places.
	at := time.Now().UTC()
	for _, r := range []*runlog.Run{active, archivedOnly} {
		if _, err := archive.InsertRun(ctx, r, OpArchive, at); err != nil {
			t.Fatalf("archive insert: %v", err)
		}
	}
	if err := store.DeleteRun(ctx, archivedOnly.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	engine := New(store, archive, config.RetentionConfig{}, config.CleanupConfig{}, nil, nil)
	runs, err := engine.QueryAllRuns(ctx, runlog.RunFilter{})
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	// Newest first.
	if runs[0].ID != archivedOnly.ID || runs[1].ID != active.ID {
		t.Errorf("order = [%s %s], want [%s %s]", runs[0].ID, runs[1].ID, archivedOnly.ID, active.ID)
	}

	limited, err := engine.QueryAllRuns(ctx, runlog.RunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("query limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != archivedOnly.ID {
		t.Errorf("limited = %+v, want newest only", limited)
	}
}

func TestCriticalCleanupDeletesUnlessKept(t *testing.T) {
	store, archive := openStores(t)
	ctx := context.Background()

	kept := seedRun(t, store, "issue-1", runlog.StatusCompleted, time.Hour, true)
	doomed := seedRun(t, store, "issue-2", runlog.StatusFailed, time.Hour, false)
	seedRun(t, store, "issue-3", runlog.StatusRunning, time.Hour, false)

	engine := New(store, archive, config.RetentionConfig{
		Enabled: true,
		Policies: []config.RetentionPolicy{{
			Name:               "default",
			ArchiveEnabled:     true,
			KeepSuccessfulRuns: true,
		}},
	}, config.CleanupConfig{}, nil, nil)

	if _, err := engine.RunCriticalCleanup(ctx); err != nil {
		t.Fatalf("critical cleanup: %v", err)
	}

	for _, id := range []string{kept.ID, doomed.ID} {
		ok, err := archive.HasRun(ctx, id)
		if err != nil || !ok {
			t.Errorf("run %s should be archived (ok=%v err=%v)", id, ok, err)
		}
		if _, err := store.GetRun(ctx, id); err == nil {
			t.Errorf("run %s should be gone from active store", id)
		}
	}

	count, err := store.CountRuns(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("active count = %d, want 1 (only the live run)", count)
	}
}
