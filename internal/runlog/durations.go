package runlog

import (
	"context"
	"database/sql"
	"fmt"
)

// GetPhaseTotalDuration sums the recorded duration of every run for
// (issue, phase), in milliseconds.
func (s *Store) GetPhaseTotalDuration(ctx context.Context, issueID, phase string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(duration_ms) FROM runs WHERE issue_id = ? AND phase = ?`,
		issueID, phase).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum phase duration: %w", err)
	}
	return total.Int64, nil
}

// GetPhaseAverageDuration returns the mean run duration for (issue, phase)
// over runs that recorded a duration.
func (s *Store) GetPhaseAverageDuration(ctx context.Context, issueID, phase string) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT AVG(duration_ms) FROM runs WHERE issue_id = ? AND phase = ? AND duration_ms > 0`,
		issueID, phase).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to average phase duration: %w", err)
	}
	return avg.Float64, nil
}

// GetDurationStats aggregates durations over the filtered runs.
func (s *Store) GetDurationStats(ctx context.Context, filter RunFilter) (*DurationStats, error) {
	runs, err := s.QueryRuns(ctx, filter)
	if err != nil {
		return nil, err
	}

	stats := &DurationStats{}
	for _, run := range runs {
		d := runDurationMs(run)
		if d <= 0 {
			continue
		}
		stats.Count++
		stats.TotalMs += d
		if stats.MinMs == 0 || d < stats.MinMs {
			stats.MinMs = d
		}
		if d > stats.MaxMs {
			stats.MaxMs = d
		}
		if run.Outcome != nil && run.Outcome.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	if stats.Count > 0 {
		stats.AverageMs = float64(stats.TotalMs) / float64(stats.Count)
	}
	return stats, nil
}

// GetSlowestPhases ranks an issue's phases by total duration, slowest first.
func (s *Store) GetSlowestPhases(ctx context.Context, issueID string, limit int) ([]PhaseDuration, error) {
	query := `SELECT phase, SUM(duration_ms), COUNT(*)
		FROM runs WHERE issue_id = ?
		GROUP BY phase ORDER BY SUM(duration_ms) DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to rank phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []PhaseDuration
	for rows.Next() {
		var pd PhaseDuration
		var total sql.NullInt64
		if err := rows.Scan(&pd.Phase, &total, &pd.RunCount); err != nil {
			return nil, fmt.Errorf("failed to scan phase duration: %w", err)
		}
		pd.TotalMs = total.Int64
		if pd.RunCount > 0 {
			pd.AverageMs = pd.TotalMs / int64(pd.RunCount)
		}
		result = append(result, pd)
	}
	return result, rows.Err()
}
