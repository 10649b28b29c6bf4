package retention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/logging"
	"github.com/ashep-ai/ashep/internal/runlog"
)

// Cleanup operations recorded in cleanup metrics.
const (
	OpArchive   = "archive"
	OpDelete    = "delete"
	OpEmergency = "emergency"
	OpCritical  = "critical"
)

// scanBatch bounds how many runs one cleanup pass examines.
const scanBatch = 1000

// Engine applies retention policies to the run log.
type Engine struct {
	store   *runlog.Store
	archive *ArchiveStore
	cfg     config.RetentionConfig
	cleanup config.CleanupConfig
	sizes   *SizeMonitor
	logger  logging.Logger
	now     func() time.Time
}

// New creates a retention engine.
func New(store *runlog.Store, archive *ArchiveStore, cfg config.RetentionConfig, cleanup config.CleanupConfig, sizes *SizeMonitor, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		store:   store,
		archive: archive,
		cfg:     cfg,
		cleanup: cleanup,
		sizes:   sizes,
		logger:  logger,
		now:     time.Now,
	}
}

// CleanupResult reports what one pass did.
type CleanupResult struct {
	Processed     int
	Archived      int
	Deleted       int
	BytesArchived int64
}

// decision is the per-run verdict of a retention policy.
type decision struct {
	archive bool
	delete  bool
}

// decide applies age, count rank, and size pressure to one run. Keep flags
// veto deletion but never archival.
func decide(run *runlog.Run, pol config.RetentionPolicy, countRank int, sizePressure bool, now time.Time) decision {
	if !runlog.IsTerminalStatus(run.Status) {
		return decision{}
	}
	ageDays := now.Sub(run.CreatedAt).Hours() / 24

	var d decision
	if pol.ArchiveEnabled {
		if pol.ArchiveAfterDays > 0 && ageDays >= float64(pol.ArchiveAfterDays) {
			d.archive = true
		}
		if pol.AgeDays > 0 && ageDays >= float64(pol.AgeDays) {
			d.archive = true
		}
		if pol.MaxRuns > 0 && countRank >= pol.MaxRuns {
			d.archive = true
		}
		if sizePressure {
			d.archive = true
		}
	}
	if pol.DeleteAfterDays > 0 && ageDays >= float64(pol.DeleteAfterDays) {
		d.delete = true
	}
	if d.delete {
		success := run.Outcome != nil && run.Outcome.Success
		if success && pol.KeepSuccessfulRuns {
			d.delete = false
		}
		if !success && pol.KeepFailedRuns {
			d.delete = false
		}
	}
	return d
}

// RunImmediateCleanup runs one retention pass over every configured policy.
func (e *Engine) RunImmediateCleanup(ctx context.Context) (CleanupResult, error) {
	return e.runCleanup(ctx, OpArchive, false)
}

// RunEmergencyCleanup archives aggressively: size crossed the warning
// threshold, so age limits are ignored for terminal runs.
func (e *Engine) RunEmergencyCleanup(ctx context.Context) (CleanupResult, error) {
	return e.runCleanup(ctx, OpEmergency, true)
}

// RunCriticalCleanup is the last resort above the critical threshold:
// archive everything terminal, then delete what the keep flags allow.
func (e *Engine) RunCriticalCleanup(ctx context.Context) (CleanupResult, error) {
	return e.runCleanup(ctx, OpCritical, true)
}

func (e *Engine) runCleanup(ctx context.Context, operation string, sizePressure bool) (CleanupResult, error) {
	start := e.now()
	var total CleanupResult

	for _, pol := range e.cfg.Policies {
		res, err := e.cleanupPolicy(ctx, pol, operation, sizePressure)
		if err != nil {
			return total, fmt.Errorf("retention policy %s: %w", pol.Name, err)
		}
		total.Processed += res.Processed
		total.Archived += res.Archived
		total.Deleted += res.Deleted
		total.BytesArchived += res.BytesArchived

		if _, err := e.store.RecordCleanupMetric(ctx, runlog.CleanupMetric{
			PolicyName:    pol.Name,
			Operation:     operation,
			RunsProcessed: res.Processed,
			RunsArchived:  res.Archived,
			RunsDeleted:   res.Deleted,
			BytesArchived: res.BytesArchived,
			DurationMs:    e.now().Sub(start).Milliseconds(),
		}); err != nil {
			e.logger.Warning("failed to record cleanup metric: %v", err)
		}
	}

	if total.Archived > 0 || total.Deleted > 0 {
		e.logger.Info("Cleanup (%s): %d runs processed, %d archived, %d deleted",
			operation, total.Processed, total.Archived, total.Deleted)
	}
	return total, nil
}

func (e *Engine) cleanupPolicy(ctx context.Context, pol config.RetentionPolicy, operation string, sizePressure bool) (CleanupResult, error) {
	runs, err := e.store.QueryRuns(ctx, runlog.RunFilter{Limit: scanBatch})
	if err != nil {
		return CleanupResult{}, err
	}

	var res CleanupResult
	critical := operation == OpCritical
	// QueryRuns is newest-first; countRank is the run's age rank, so the
	// runs beyond max_runs are the oldest ones.
	for rank, run := range runs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		d := decide(run, pol, rank, sizePressure, e.now())
		if critical && runlog.IsTerminalStatus(run.Status) {
			d.archive = pol.ArchiveEnabled
			if !d.delete {
				success := run.Outcome != nil && run.Outcome.Success
				d.delete = !(success && pol.KeepSuccessfulRuns) && !(!success && pol.KeepFailedRuns)
			}
		}
		if !d.archive && !d.delete {
			continue
		}
		res.Processed++

		if d.archive {
			bytes, err := e.archiveRun(ctx, run, operation)
			if err != nil {
				return res, err
			}
			res.Archived++
			res.BytesArchived += bytes
		}
		if d.archive || d.delete {
			if err := e.store.DeleteRun(ctx, run.ID); err != nil {
				return res, err
			}
			if d.delete && !d.archive {
				res.Deleted++
			}
		}
	}
	return res, nil
}

// archiveRun copies a run and its decisions into the archive store.
func (e *Engine) archiveRun(ctx context.Context, run *runlog.Run, reason string) (int64, error) {
	at := e.now()
	bytes, err := e.archive.InsertRun(ctx, run, reason, at)
	if err != nil {
		return 0, err
	}
	decisions, err := e.store.GetDecisions(ctx, run.ID)
	if err != nil {
		return bytes, err
	}
	for _, d := range decisions {
		n, err := e.archive.InsertDecision(ctx, d, reason, at)
		if err != nil {
			return bytes, err
		}
		bytes += n
	}
	return bytes, nil
}

// Start runs the scheduled cleanup loop until the context ends. A cron
// expression takes precedence over the hourly interval.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cleanup.Enabled {
		e.logger.Info("Cleanup scheduler disabled")
		<-ctx.Done()
		return nil
	}

	if e.cleanup.RunOnStartup {
		if _, err := e.checkAndClean(ctx); err != nil {
			e.logger.Error("startup cleanup failed: %v", err)
		}
	}

	if e.cleanup.ScheduleCron != "" {
		return e.runCron(ctx)
	}

	interval := time.Duration(e.cleanup.ScheduleIntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.checkAndClean(ctx); err != nil {
				e.logger.Error("scheduled cleanup failed: %v", err)
			}
		}
	}
}

func (e *Engine) runCron(ctx context.Context) error {
	schedule, err := cron.ParseStandard(e.cleanup.ScheduleCron)
	if err != nil {
		return fmt.Errorf("invalid cleanup cron expression %q: %w", e.cleanup.ScheduleCron, err)
	}
	for {
		next := schedule.Next(e.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := e.checkAndClean(ctx); err != nil {
				e.logger.Error("scheduled cleanup failed: %v", err)
			}
		}
	}
}

// checkAndClean samples store size and escalates to emergency or critical
// cleanup when thresholds are crossed; otherwise it runs the normal pass.
func (e *Engine) checkAndClean(ctx context.Context) (CleanupResult, error) {
	if !e.cfg.Enabled {
		return CleanupResult{}, nil
	}
	level := LevelNormal
	if e.sizes != nil {
		snapshot, err := e.sizes.Sample(ctx)
		if err != nil {
			e.logger.Warning("size sampling failed: %v", err)
		} else {
			level = e.sizes.Level(snapshot)
		}
	}
	switch level {
	case LevelEmergency:
		e.logger.Warning("Store size above emergency threshold, running critical cleanup")
		return e.RunCriticalCleanup(ctx)
	case LevelCritical:
		e.logger.Warning("Store size above critical threshold, running critical cleanup")
		return e.RunCriticalCleanup(ctx)
	case LevelWarning:
		e.logger.Warning("Store size above warning threshold, running emergency cleanup")
		return e.RunEmergencyCleanup(ctx)
	default:
		return e.RunImmediateCleanup(ctx)
	}
}

// QueryAllRuns merges active and archived runs, deduplicating by run id
// (the active record wins), newest first, limited across the union.
func (e *Engine) QueryAllRuns(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error) {
	limit := filter.Limit
	// Fetch without limit from both sides; the limit applies to the union.
	unbounded := filter
	unbounded.Limit = 0
	unbounded.Offset = 0

	active, err := e.store.QueryRuns(ctx, unbounded)
	if err != nil {
		return nil, err
	}
	archived, err := e.archive.QueryRuns(ctx, unbounded)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(active))
	merged := make([]*runlog.Run, 0, len(active)+len(archived))
	for _, run := range active {
		seen[run.ID] = true
		merged = append(merged, run)
	}
	for _, ar := range archived {
		if seen[ar.ID] {
			continue
		}
		seen[ar.ID] = true
		run := ar.Run
		merged = append(merged, &run)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
