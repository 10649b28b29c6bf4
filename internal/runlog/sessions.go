package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LastSuccessfulSession returns the session id of the newest completed run
// for (issue, phase), or empty when no completed run has a session.
func (s *Store) LastSuccessfulSession(ctx context.Context, issueID, phase string) (string, error) {
	var sessionID string
	err := s.db.QueryRow(
		`SELECT session_id FROM runs
		 WHERE issue_id = ? AND phase = ? AND status = ? AND session_id != ''
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		issueID, phase, StatusCompleted).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up last session: %w", err)
	}
	return sessionID, nil
}

// LastSessionForIssue returns the newest session id recorded for the issue
// across all phases, successful or not. Shared-session policies use it.
func (s *Store) LastSessionForIssue(ctx context.Context, issueID string) (string, error) {
	var sessionID string
	err := s.db.QueryRow(
		`SELECT session_id FROM runs
		 WHERE issue_id = ? AND session_id != ''
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		issueID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up issue session: %w", err)
	}
	return sessionID, nil
}

// SessionTokenTotal sums tokens_used across every run of the issue that used
// the session. The worker compares it against the phase's context budget
// before reusing the session.
func (s *Store) SessionTokenTotal(ctx context.Context, issueID, sessionID string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(tokens_used) FROM runs WHERE issue_id = ? AND session_id = ?`,
		issueID, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum session tokens: %w", err)
	}
	return int(total.Int64), nil
}
