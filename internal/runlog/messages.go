package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageFilter selects phase messages. Zero fields are ignored.
type MessageFilter struct {
	IssueID     string
	FromPhase   string
	ToPhase     string
	MessageType string
	Unread      bool
	Limit       int
}

// InsertMessage stores one phase message. The messenger validates the type
// before calling.
func (s *Store) InsertMessage(ctx context.Context, msg PhaseMessage) (*PhaseMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}
	read := 0
	if msg.Read {
		read = 1
	}
	_, err = s.db.Exec(`INSERT INTO phase_messages
		(id, issue_id, from_phase, to_phase, message_type, content, metadata, read, run_counter, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.IssueID, msg.FromPhase, msg.ToPhase, msg.MessageType,
		msg.Content, metadata, read, msg.RunCounter, formatTime(msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert phase message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns messages matching the filter in send order.
func (s *Store) ListMessages(ctx context.Context, filter MessageFilter) ([]*PhaseMessage, error) {
	var conds []string
	var args []interface{}
	if filter.IssueID != "" {
		conds = append(conds, "issue_id = ?")
		args = append(args, filter.IssueID)
	}
	if filter.FromPhase != "" {
		conds = append(conds, "from_phase = ?")
		args = append(args, filter.FromPhase)
	}
	if filter.ToPhase != "" {
		conds = append(conds, "to_phase = ?")
		args = append(args, filter.ToPhase)
	}
	if filter.MessageType != "" {
		conds = append(conds, "message_type = ?")
		args = append(args, filter.MessageType)
	}
	if filter.Unread {
		conds = append(conds, "read = 0")
	}

	query := `SELECT id, issue_id, from_phase, to_phase, message_type, content, metadata, read, run_counter, created_at
		FROM phase_messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY run_counter ASC, created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*PhaseMessage
	for rows.Next() {
		var m PhaseMessage
		var metadata sql.NullString
		var read int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.IssueID, &m.FromPhase, &m.ToPhase,
			&m.MessageType, &m.Content, &metadata, &read, &m.RunCounter, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan phase message: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("malformed metadata for message %s: %w", m.ID, err)
			}
		}
		m.Read = read == 1
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// MarkMessagesRead flags the given messages as read in one transaction, so
// a consumer never observes a partial batch.
func (s *Store) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mark-read: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE phase_messages SET read = 1 WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to mark message %s read: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark-read: %w", err)
	}
	return nil
}

// DeleteMessagesForIssue removes every message of an issue and returns how
// many rows went away.
func (s *Store) DeleteMessagesForIssue(ctx context.Context, issueID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM phase_messages WHERE issue_id = ?`, issueID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages for issue %s: %w", issueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted messages: %w", err)
	}
	return int(n), nil
}

// MessageStats summarizes stored messages, optionally scoped to one issue.
type MessageStats struct {
	Total       int            `json:"total"`
	Unread      int            `json:"unread"`
	ByType      map[string]int `json:"by_type"`
	ByToPhase   map[string]int `json:"by_to_phase"`
	TotalBytes  int64          `json:"total_bytes"`
	IssueScoped bool           `json:"issue_scoped"`
}

// GetMessageStats aggregates counts by type and destination phase.
func (s *Store) GetMessageStats(ctx context.Context, issueID string) (*MessageStats, error) {
	filter := MessageFilter{IssueID: issueID}
	messages, err := s.ListMessages(ctx, filter)
	if err != nil {
		return nil, err
	}
	stats := &MessageStats{
		ByType:      make(map[string]int),
		ByToPhase:   make(map[string]int),
		IssueScoped: issueID != "",
	}
	for _, m := range messages {
		stats.Total++
		if !m.Read {
			stats.Unread++
		}
		stats.ByType[m.MessageType]++
		stats.ByToPhase[m.ToPhase]++
		stats.TotalBytes += int64(len(m.Content))
	}
	return stats, nil
}
