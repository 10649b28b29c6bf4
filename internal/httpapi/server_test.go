package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/metrics"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/retention"
	"github.com/ashep-ai/ashep/internal/runlog"
)

func newTestServer(t *testing.T) (*Server, *runlog.Store, *retention.ArchiveStore) {
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

	archive, err := retention.OpenArchive(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })

	file := &policy.File{
		DefaultPolicy: "standard",
		Policies: map[string]*policy.Policy{
			"standard": {
				Name:        "standard",
				Description: "Plan then build",
				Phases: []policy.PhaseConfig{
					{Name: "plan", Capabilities: []string{"plan"}},
					{Name: "build", Capabilities: []string{"code"}},
				},
			},
		},
	}

	reg := prometheus.NewRegistry()
	_ = metrics.MustNew(reg)

	eng := retention.New(store, archive, config.RetentionConfig{}, config.CleanupConfig{}, nil, nil)
	s := New(Deps{
		Config:    &config.Config{UI: config.UIConfig{Host: "127.0.0.1", Port: 8787}},
		Policies:  policy.NewEngine(file),
		Store:     store,
		Retention: eng,
		Doctor:    retention.NewDoctor(store, archive),
		Gatherer:  reg,
	})
	return s, store, archive
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListRuns(t *testing.T) {
	s, store, archive := newTestServer(t)
	ctx := context.Background()

	active, err := store.CreateRun(ctx, runlog.Run{
		IssueID: "1", Phase: "plan", Status: runlog.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	old := &runlog.Run{
		ID: "archived-run", IssueID: "2", Phase: "build",
		Status:    runlog.StatusCompleted,
		CreatedAt: time.Now().Add(-48 * time.Hour).UTC(),
	}
	if _, err := archive.InsertRun(ctx, old, "age", time.Now()); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	rec := get(t, s, "/api/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Runs  []runlog.Run `json:"runs"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2 (active + archived)", body.Count)
	}
	if body.Runs[0].ID != active.ID {
		t.Errorf("first run = %s, want the newer active run %s", body.Runs[0].ID, active.ID)
	}

	rec = get(t, s, "/api/runs?issue_id=2")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Count != 1 || body.Runs[0].ID != "archived-run" {
		t.Errorf("filtered runs = %+v, want only archived-run", body.Runs)
	}

	if rec := get(t, s, "/api/runs?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	s, store, _ := newTestServer(t)
	run, err := store.CreateRun(context.Background(), runlog.Run{
		IssueID: "3", Phase: "plan", Status: runlog.StatusRunning,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	rec := get(t, s, "/api/runs/"+run.ID)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := get(t, s, "/api/runs/does-not-exist"); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}

func TestListPolicies(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s, "/api/policies")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		DefaultPolicy string `json:"default_policy"`
		Policies      []struct {
			Name   string `json:"name"`
			Phases int    `json:"phases"`
		} `json:"policies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.DefaultPolicy != "standard" {
		t.Errorf("default = %q, want standard", body.DefaultPolicy)
	}
	if len(body.Policies) != 1 || body.Policies[0].Phases != 2 {
		t.Errorf("policies = %+v, want one with 2 phases", body.Policies)
	}
}

func TestListPhases(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/api/phases")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Policy string `json:"policy"`
		Phases []struct {
			Name string `json:"name"`
		} `json:"phases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Policy != "standard" || len(body.Phases) != 2 {
		t.Errorf("phases response = %+v, want standard with 2 phases", body)
	}

	if rec := get(t, s, "/api/phases?policy=missing"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown policy status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name string `json:"name"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != retention.HealthOK {
		t.Errorf("health status = %q, want healthy", body.Status)
	}
	if len(body.Checks) == 0 {
		t.Error("no health checks in response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty metrics body")
	}
}
