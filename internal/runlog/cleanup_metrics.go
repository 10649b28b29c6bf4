package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordCleanupMetric stores one retention operation record.
func (s *Store) RecordCleanupMetric(ctx context.Context, m CleanupMetric) (*CleanupMetric, error) {
	if m.Operation == "" {
		return nil, fmt.Errorf("cleanup metric requires an operation")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO cleanup_metrics
		(id, policy_name, issue_id, operation, runs_processed, runs_archived, runs_deleted,
		 bytes_archived, bytes_deleted, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PolicyName, m.IssueID, m.Operation, m.RunsProcessed, m.RunsArchived,
		m.RunsDeleted, m.BytesArchived, m.BytesDeleted, m.DurationMs, formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert cleanup metric: %w", err)
	}
	return &m, nil
}

// GetCleanupMetrics returns cleanup metrics newest first, optionally scoped
// to one issue.
func (s *Store) GetCleanupMetrics(ctx context.Context, issueID string) ([]*CleanupMetric, error) {
	query := `SELECT id, policy_name, issue_id, operation, runs_processed, runs_archived,
		runs_deleted, bytes_archived, bytes_deleted, duration_ms, created_at
		FROM cleanup_metrics`
	var args []interface{}
	if issueID != "" {
		query += ` WHERE issue_id = ?`
		args = append(args, issueID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleanup metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []*CleanupMetric
	for rows.Next() {
		var m CleanupMetric
		var createdAt string
		if err := rows.Scan(&m.ID, &m.PolicyName, &m.IssueID, &m.Operation,
			&m.RunsProcessed, &m.RunsArchived, &m.RunsDeleted,
			&m.BytesArchived, &m.BytesDeleted, &m.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup metric: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}
