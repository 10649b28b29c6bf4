package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateRun records a new run. A missing id is assigned, timestamps are
// stamped with the current clock, and the populated record is returned.
func (s *Store) CreateRun(ctx context.Context, run Run) (*Run, error) {
	if run.IssueID == "" {
		return nil, fmt.Errorf("run requires an issue_id")
	}
	if run.Phase == "" {
		return nil, fmt.Errorf("run requires a phase")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	// Append log first: the JSONL line is the durable record of truth.
	if err := s.runsLog.Append(&run); err != nil {
		return nil, err
	}
	if err := s.insertRun(&run); err != nil {
		return nil, err
	}

	s.cache.Add(run.ID, cloneRun(&run))
	return &run, nil
}

func (s *Store) insertRun(run *Run) error {
	outcome, err := marshalOutcome(run.Outcome)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}

	var completedAt interface{}
	if run.CompletedAt != nil {
		completedAt = formatTime(*run.CompletedAt)
	}

	_, err = s.db.Exec(`INSERT INTO runs
		(id, issue_id, session_id, agent_id, policy_name, phase, status,
		 created_at, updated_at, completed_at, duration_ms, tokens_used, outcome, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IssueID, run.SessionID, run.AgentID, run.PolicyName,
		run.Phase, run.Status, formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
		completedAt, runDurationMs(run), runTokens(run), outcome, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun merges a patch into a non-terminal run. Updating a run that
// already reached a terminal status fails with ErrTerminalRunImmutable.
func (s *Store) UpdateRun(ctx context.Context, id string, patch RunPatch) (*Run, error) {
	current, err := s.getRunFromDB(id)
	if err != nil {
		return nil, err
	}
	if IsTerminalStatus(current.Status) {
		return nil, fmt.Errorf("run %s: %w", id, ErrTerminalRunImmutable)
	}

	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.SessionID != nil {
		current.SessionID = *patch.SessionID
	}
	if patch.AgentID != nil {
		current.AgentID = *patch.AgentID
	}
	if patch.Outcome != nil {
		current.Outcome = patch.Outcome
	}
	if len(patch.Metadata) > 0 {
		if current.Metadata == nil {
			current.Metadata = make(map[string]interface{}, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			current.Metadata[k] = v
		}
	}
	now := time.Now().UTC()
	current.UpdatedAt = now
	if IsTerminalStatus(current.Status) && current.CompletedAt == nil {
		current.CompletedAt = &now
	}

	if err := s.runsLog.Append(current); err != nil {
		return nil, err
	}

	outcome, err := marshalOutcome(current.Outcome)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalMetadata(current.Metadata)
	if err != nil {
		return nil, err
	}
	var completedAt interface{}
	if current.CompletedAt != nil {
		completedAt = formatTime(*current.CompletedAt)
	}

	_, err = s.db.Exec(`UPDATE runs SET
		session_id = ?, agent_id = ?, status = ?, updated_at = ?, completed_at = ?,
		duration_ms = ?, tokens_used = ?, outcome = ?, metadata = ?
		WHERE id = ?`,
		current.SessionID, current.AgentID, current.Status, formatTime(current.UpdatedAt),
		completedAt, runDurationMs(current), runTokens(current), outcome, metadata, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update run %s: %w", id, err)
	}

	s.cache.Remove(id)
	return cloneRun(current), nil
}

// GetRun fetches a run by id. The result is a copy; mutating it does not
// affect the store.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cloneRun(cached), nil
	}
	run, err := s.getRunFromDB(id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, cloneRun(run))
	return run, nil
}

func (s *Store) getRunFromDB(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// QueryRuns returns runs matching the filter, newest first.
func (s *Store) QueryRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query, args := buildRunQuery(filter)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LiveRuns returns every run still in a running status.
func (s *Store) LiveRuns(ctx context.Context) ([]*Run, error) {
	return s.QueryRuns(ctx, RunFilter{Status: StatusRunning})
}

// HasLiveRun reports whether any run for the issue is pending or running.
func (s *Store) HasLiveRun(ctx context.Context, issueID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE issue_id = ? AND status IN (?, ?)`,
		issueID, StatusPending, StatusRunning).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check live runs for issue %s: %w", issueID, err)
	}
	return count > 0, nil
}

// CountRuns returns the total number of runs in the active store.
func (s *Store) CountRuns(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// DeleteRun removes a run and its decisions from the active store. Retention
// is the only caller; the append log keeps the historical record.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM decisions WHERE run_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete decisions for run %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.cache.Remove(id)
	return nil
}

const runColumns = `id, issue_id, session_id, agent_id, policy_name, phase, status,
	created_at, updated_at, completed_at, outcome, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var createdAt, updatedAt string
	var completedAt, outcome, metadata sql.NullString
	err := row.Scan(&run.ID, &run.IssueID, &run.SessionID, &run.AgentID,
		&run.PolicyName, &run.Phase, &run.Status,
		&createdAt, &updatedAt, &completedAt, &outcome, &metadata)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		run.CompletedAt = &t
	}
	if outcome.Valid && outcome.String != "" {
		var o Outcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return nil, fmt.Errorf("malformed outcome for run %s: %w", run.ID, err)
		}
		run.Outcome = &o
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("malformed metadata for run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func buildRunQuery(filter RunFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.IssueID != "" {
		conds = append(conds, "issue_id = ?")
		args = append(args, filter.IssueID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
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
		args = append(args, formatTime(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(*filter.CreatedBefore))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return query, args
}

func cloneRun(run *Run) *Run {
	clone := *run
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		clone.CompletedAt = &t
	}
	if run.Outcome != nil {
		o := *run.Outcome
		o.Artifacts = append([]string(nil), run.Outcome.Artifacts...)
		o.Warnings = append([]string(nil), run.Outcome.Warnings...)
		if run.Outcome.Error != nil {
			e := *run.Outcome.Error
			o.Error = &e
		}
		clone.Outcome = &o
	}
	if run.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(run.Metadata))
		for k, v := range run.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func runDurationMs(run *Run) int64 {
	if run.Outcome == nil {
		return 0
	}
	return run.Outcome.Metrics.DurationMs
}

func runTokens(run *Run) int {
	if run.Outcome == nil {
		return 0
	}
	return run.Outcome.Metrics.TokensUsed
}

func marshalOutcome(o *Outcome) (interface{}, error) {
	if o == nil {
		return nil, nil
	}
	return marshalJSON(o)
}

func marshalMetadata(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return marshalJSON(m)
}
