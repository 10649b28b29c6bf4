package runlog

import (
	"context"
	"fmt"

	"github.com/ashep-ai/ashep/internal/policy"
)

// GetPhaseVisitCount counts every run recorded for (issue, phase), any
// status. Loop prevention compares it against max_visits.
func (s *Store) GetPhaseVisitCount(ctx context.Context, issueID, phase string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE issue_id = ? AND phase = ?`,
		issueID, phase).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count phase visits: %w", err)
	}
	return count, nil
}

// GetPhaseRetryCount counts the failed attempts recorded for (issue, phase).
// Timed-out runs count as failures; they go through the same retry path.
func (s *Store) GetPhaseRetryCount(ctx context.Context, issueID, phase string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE issue_id = ? AND phase = ? AND status IN (?, ?)`,
		issueID, phase, StatusFailed, StatusTimeout).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count phase retries: %w", err)
	}
	return count, nil
}

// GetTransitionCount counts recorded phase_transition decisions for the
// (from, to) pair of an issue.
func (s *Store) GetTransitionCount(ctx context.Context, issueID, fromPhase, toPhase string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM decisions
		 WHERE issue_id = ? AND type = ? AND from_phase = ? AND to_phase = ?`,
		issueID, DecisionPhaseTransition, fromPhase, toPhase).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transitions: %w", err)
	}
	return count, nil
}

// RecentTransitions returns the newest phase transitions of an issue, newest
// first, for oscillation detection. Only transitions with both endpoints are
// included (block and close decisions carry no to_phase).
func (s *Store) RecentTransitions(ctx context.Context, issueID string, limit int) ([]policy.TransitionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT from_phase, to_phase FROM decisions
		 WHERE issue_id = ? AND type = ? AND from_phase != '' AND to_phase != ''
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		issueID, DecisionPhaseTransition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []policy.TransitionRecord
	for rows.Next() {
		var r policy.TransitionRecord
		if err := rows.Scan(&r.FromPhase, &r.ToPhase); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

var _ policy.Counters = (*Store)(nil)
