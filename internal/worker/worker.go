// Package worker is the dispatch engine: it polls the tracker for ready
// issues, runs one phase per issue through the agent gateway, and applies
// the policy engine's transition to the tracker and the run log.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/logging"
	"github.com/ashep-ai/ashep/internal/messenger"
	"github.com/ashep-ai/ashep/internal/metrics"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/prompt"
	"github.com/ashep-ai/ashep/internal/registry"
	"github.com/ashep-ai/ashep/internal/runlog"
	"github.com/ashep-ai/ashep/internal/tracker"
)

// shutdownGrace is how long Stop waits for in-flight dispatches before
// killing their sessions.
const shutdownGrace = 30 * time.Second

// heartbeatInterval throttles run-log updates driven by stream events.
const heartbeatInterval = 5 * time.Second

// Deps carries the collaborators a Worker needs.
type Deps struct {
	Config    *config.Config
	Tracker   tracker.Gateway
	Agents    agent.Gateway
	Registry  *registry.Registry
	Policies  *policy.Engine
	Store     *runlog.Store
	Prompts   *prompt.Builder
	Messenger *messenger.Messenger
	Metrics   *metrics.Metrics
	Logger    logging.Logger
}

// Worker schedules phase dispatches up to max_concurrent_runs at a time.
type Worker struct {
	cfg       *config.Config
	tracker   tracker.Gateway
	agents    agent.Gateway
	registry  *registry.Registry
	policies  *policy.Engine
	store     *runlog.Store
	prompts   *prompt.Builder
	messenger *messenger.Messenger
	metrics   *metrics.Metrics
	logger    logging.Logger

	slots chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool

	wg  sync.WaitGroup
	now func() time.Time
}

// New builds a worker from its dependencies.
func New(d Deps) *Worker {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Worker{
		cfg:       d.Config,
		tracker:   d.Tracker,
		agents:    d.Agents,
		registry:  d.Registry,
		policies:  d.Policies,
		store:     d.Store,
		prompts:   d.Prompts,
		messenger: d.Messenger,
		metrics:   d.Metrics,
		logger:    logger,
		slots:     make(chan struct{}, d.Config.Worker.MaxConcurrentRuns),
		inFlight:  make(map[string]bool),
		now:       time.Now,
	}
}

// Run polls until the context ends, then drains in-flight dispatches up to
// the grace window and kills whatever is still running.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.Worker.PollIntervalMs) * time.Millisecond
	w.logger.Info("Worker started (poll %v, %d slots)", interval, cap(w.slots))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.pollOnce(ctx)
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce lists ready issues and dispatches as many as free slots allow.
func (w *Worker) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	issues, err := w.tracker.ListReady(ctx)
	if err != nil {
		w.logger.Warning("Failed to list ready issues: %v", err)
		return
	}

	for _, issue := range issues {
		if ctx.Err() != nil {
			return
		}
		if tracker.HITLReasonFromLabels(issue.Labels) != "" {
			continue
		}
		if !w.claim(issue.ID) {
			continue
		}
		live, err := w.store.HasLiveRun(ctx, issue.ID)
		if err != nil {
			w.logger.Warning("Live-run check failed for issue %s: %v", issue.ID, err)
			w.release(issue.ID)
			continue
		}
		if live {
			w.release(issue.ID)
			continue
		}

		select {
		case w.slots <- struct{}{}:
		default:
			w.release(issue.ID)
			return
		}

		w.wg.Add(1)
		go w.dispatch(ctx, issue)
	}
}

// dispatch runs one issue in its own goroutine. Panics are recovered so one
// bad dispatch never takes down the loop.
func (w *Worker) dispatch(ctx context.Context, issue *tracker.Issue) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Dispatch for issue %s panicked: %v", issue.ID, r)
		}
		<-w.slots
		w.release(issue.ID)
		w.wg.Done()
	}()

	if err := w.ProcessIssue(ctx, issue); err != nil {
		w.logger.Error("Issue %s dispatch failed: %v", issue.ID, err)
	}
}

// claim marks an issue in flight; false when it already is.
func (w *Worker) claim(issueID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[issueID] {
		return false
	}
	w.inFlight[issueID] = true
	return true
}

func (w *Worker) release(issueID string) {
	w.mu.Lock()
	delete(w.inFlight, issueID)
	w.mu.Unlock()
}

// drain waits for in-flight dispatches, then kills surviving sessions and
// cancels their runs.
func (w *Worker) drain() {
	w.logger.Info("Worker draining, waiting up to %v for in-flight runs", shutdownGrace)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("Worker drained cleanly")
		return
	case <-time.After(shutdownGrace):
	}

	for _, sessionID := range w.agents.ActiveSessions() {
		if err := w.agents.Kill(sessionID); err != nil {
			w.logger.Warning("Failed to kill session %s during drain: %v", sessionID, err)
		}
	}
	w.cancelLiveRuns()
	w.wg.Wait()
}

// cancelLiveRuns marks still-running runs cancelled after a forced drain.
func (w *Worker) cancelLiveRuns() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	live, err := w.store.LiveRuns(ctx)
	if err != nil {
		w.logger.Warning("Failed to list live runs during drain: %v", err)
		return
	}
	status := runlog.StatusCancelled
	for _, run := range live {
		if _, err := w.store.UpdateRun(ctx, run.ID, runlog.RunPatch{Status: &status}); err != nil {
			w.logger.Warning("Failed to cancel run %s: %v", run.ID, err)
		}
	}
}
