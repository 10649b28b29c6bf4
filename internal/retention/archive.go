// Package retention ages runs out of the active store: archiving them to a
// secondary database, deleting what the policy allows, and watching store
// size and health.
package retention

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashep-ai/ashep/internal/runlog"
)

// ArchivedRun is a run plus its archive annotations.
type ArchivedRun struct {
	runlog.Run
	ArchiveReason string    `json:"archive_reason"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// ArchiveStore is the secondary database holding retired runs and decisions.
type ArchiveStore struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the archive database.
func OpenArchive(path string) (*ArchiveStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			issue_id       TEXT NOT NULL,
			phase          TEXT NOT NULL,
			status         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			record         TEXT NOT NULL,
			archive_reason TEXT NOT NULL,
			archived_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id             TEXT PRIMARY KEY,
			run_id         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			record         TEXT NOT NULL,
			archive_reason TEXT NOT NULL,
			archived_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_runs_issue ON runs(issue_id)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_decisions_run ON decisions(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create archive schema: %w", err)
		}
	}
	return &ArchiveStore{db: db}, nil
}

// Close closes the archive database.
func (a *ArchiveStore) Close() error { return a.db.Close() }

// DB exposes the underlying database for health checks.
func (a *ArchiveStore) DB() *sql.DB { return a.db }

// InsertRun archives one run. The full record is stored as JSON, so the
// archive schema never chases the active schema.
func (a *ArchiveStore) InsertRun(ctx context.Context, run *runlog.Run, reason string, at time.Time) (int64, error) {
	record := ArchivedRun{Run: *run, ArchiveReason: reason, ArchivedAt: at.UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal archived run: %w", err)
	}
	_, err = a.db.Exec(`INSERT OR REPLACE INTO runs
		(id, issue_id, phase, status, created_at, record, archive_reason, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IssueID, run.Phase, run.Status,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(data), reason, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to archive run %s: %w", run.ID, err)
	}
	return int64(len(data)), nil
}

// InsertDecision archives one decision.
func (a *ArchiveStore) InsertDecision(ctx context.Context, d *runlog.Decision, reason string, at time.Time) (int64, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal archived decision: %w", err)
	}
	_, err = a.db.Exec(`INSERT OR REPLACE INTO decisions
		(id, run_id, created_at, record, archive_reason, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(data), reason, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to archive decision %s: %w", d.ID, err)
	}
	return int64(len(data)), nil
}

// QueryRuns returns archived runs matching the filter, newest first.
func (a *ArchiveStore) QueryRuns(ctx context.Context, filter runlog.RunFilter) ([]*ArchivedRun, error) {
	var conds []string
	var args []interface{}
	if filter.IssueID != "" {
		conds = append(conds, "issue_id = ?")
		args = append(args, filter.IssueID)
	}
	if filter.Phase != "" {
		conds = append(conds, "phase = ?")
		args = append(args, filter.Phase)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, "created_at > ?")
		args = append(args, filter.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, filter.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT record FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ArchivedRun
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan archived run: %w", err)
		}
		var ar ArchivedRun
		if err := json.Unmarshal([]byte(record), &ar); err != nil {
			return nil, fmt.Errorf("malformed archived run record: %w", err)
		}
		result = append(result, &ar)
	}
	return result, rows.Err()
}

// HasRun reports whether the archive holds the run id.
func (a *ArchiveStore) HasRun(ctx context.Context, id string) (bool, error) {
	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to probe archive for run %s: %w", id, err)
	}
	return count > 0, nil
}

// RunIDs returns every archived run id. The consistency health check uses
// it to detect ids present in both stores.
func (a *ArchiveStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := a.db.Query(`SELECT id FROM runs`)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive run ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan archive run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRuns returns the number of archived runs.
func (a *ArchiveStore) CountRuns(ctx context.Context) (int, error) {
	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archived runs: %w", err)
	}
	return count, nil
}
