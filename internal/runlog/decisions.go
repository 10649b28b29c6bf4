package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogDecision appends a decision. Decisions are never updated or deleted
// outside retention. When the metadata carries from_phase/to_phase strings
// they are indexed for transition counting.
func (s *Store) LogDecision(ctx context.Context, d Decision) (*Decision, error) {
	if d.RunID == "" {
		return nil, fmt.Errorf("decision requires a run_id")
	}
	if d.Type == "" {
		return nil, fmt.Errorf("decision requires a type")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	if err := s.decisionsLog.Append(&d); err != nil {
		return nil, err
	}
	if err := s.insertDecision(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) insertDecision(d *Decision) error {
	metadata, err := marshalMetadata(d.Metadata)
	if err != nil {
		return err
	}
	from, to := transitionPhases(d)
	_, err = s.db.Exec(`INSERT INTO decisions
		(id, run_id, issue_id, type, decision, reasoning, from_phase, to_phase, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.IssueID, d.Type, d.Decision, d.Reasoning,
		from, to, metadata, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert decision %s: %w", d.ID, err)
	}
	return nil
}

// transitionPhases pulls the from/to phase strings out of decision metadata.
func transitionPhases(d *Decision) (string, string) {
	from, _ := d.Metadata["from_phase"].(string)
	to, _ := d.Metadata["to_phase"].(string)
	return from, to
}

// GetDecisions returns the decisions of a run in insertion order.
func (s *Store) GetDecisions(ctx context.Context, runID string) ([]*Decision, error) {
	return s.queryDecisions(
		`SELECT `+decisionColumns+` FROM decisions WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
}

// GetDecisionsForIssue returns the newest decisions for an issue, up to limit.
func (s *Store) GetDecisionsForIssue(ctx context.Context, issueID string, limit int) ([]*Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE issue_id = ? ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryDecisions(query, issueID)
}

const decisionColumns = `id, run_id, issue_id, type, decision, reasoning, metadata, created_at`

func (s *Store) queryDecisions(query string, args ...interface{}) ([]*Decision, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*Decision
	for rows.Next() {
		var d Decision
		var metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&d.ID, &d.RunID, &d.IssueID, &d.Type, &d.Decision,
			&d.Reasoning, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &d.Metadata); err != nil {
				return nil, fmt.Errorf("malformed metadata for decision %s: %w", d.ID, err)
			}
		}
		d.CreatedAt = parseTime(createdAt)
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}
