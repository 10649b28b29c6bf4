// Package messenger passes typed messages between the phases of an issue:
// context, results, decisions, and free-form data. Messages live in the run
// log store and are archived per issue when the issue completes.
package messenger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashep-ai/ashep/internal/logging"
	"github.com/ashep-ai/ashep/internal/runlog"
)

// Message types accepted on send.
const (
	TypeContext  = "context"
	TypeResult   = "result"
	TypeDecision = "decision"
	TypeData     = "data"
)

func validType(t string) bool {
	switch t {
	case TypeContext, TypeResult, TypeDecision, TypeData:
		return true
	}
	return false
}

// Messenger is the typed API over stored phase messages.
type Messenger struct {
	store      *runlog.Store
	archiveDir string
	logger     logging.Logger
}

// New creates a messenger writing archives under archiveDir.
func New(store *runlog.Store, archiveDir string, logger logging.Logger) *Messenger {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Messenger{store: store, archiveDir: archiveDir, logger: logger}
}

// SendMessage validates and stores one message.
func (m *Messenger) SendMessage(ctx context.Context, msg runlog.PhaseMessage) (*runlog.PhaseMessage, error) {
	if msg.IssueID == "" {
		return nil, fmt.Errorf("phase message requires an issue_id")
	}
	if msg.ToPhase == "" {
		return nil, fmt.Errorf("phase message requires a to_phase")
	}
	if !validType(msg.MessageType) {
		return nil, fmt.Errorf("invalid message_type: %s (must be context, result, decision, or data)", msg.MessageType)
	}
	return m.store.InsertMessage(ctx, msg)
}

// ReceiveMessages returns the messages addressed to (issue, phase) in send
// order. With markRead set the returned batch is flagged read atomically.
func (m *Messenger) ReceiveMessages(ctx context.Context, issueID, toPhase string, markRead bool) ([]*runlog.PhaseMessage, error) {
	messages, err := m.store.ListMessages(ctx, runlog.MessageFilter{
		IssueID: issueID,
		ToPhase: toPhase,
		Unread:  true,
	})
	if err != nil {
		return nil, err
	}
	if markRead && len(messages) > 0 {
		ids := make([]string, len(messages))
		for i, msg := range messages {
			ids[i] = msg.ID
		}
		if err := m.store.MarkMessagesRead(ctx, ids); err != nil {
			return nil, err
		}
		for _, msg := range messages {
			msg.Read = true
		}
	}
	return messages, nil
}

// ListMessages exposes filtered message queries.
func (m *Messenger) ListMessages(ctx context.Context, filter runlog.MessageFilter) ([]*runlog.PhaseMessage, error) {
	return m.store.ListMessages(ctx, filter)
}

// ArchivedMessage is the line format of per-issue archive files: the full
// message plus the archive annotations.
type ArchivedMessage struct {
	runlog.PhaseMessage
	ArchivedAt    time.Time `json:"archived_at"`
	ArchiveReason string    `json:"archive_reason"`
}

// ArchiveMessagesForIssue appends every message of the issue to its archive
// file and returns the number written. The active rows stay in place;
// CleanupPhaseMessages removes them.
func (m *Messenger) ArchiveMessagesForIssue(ctx context.Context, issueID, reason string) (int, error) {
	messages, err := m.store.ListMessages(ctx, runlog.MessageFilter{IssueID: issueID})
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(m.archiveDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create messages archive dir: %w", err)
	}
	path := filepath.Join(m.archiveDir, issueID+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open message archive: %w", err)
	}
	defer func() { _ = file.Close() }()

	writer := bufio.NewWriter(file)
	now := time.Now().UTC()
	for _, msg := range messages {
		record := ArchivedMessage{
			PhaseMessage:  *msg,
			ArchivedAt:    now,
			ArchiveReason: reason,
		}
		data, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal archived message: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			return 0, fmt.Errorf("failed to write archived message: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return 0, fmt.Errorf("failed to write archived message: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush message archive: %w", err)
	}
	return len(messages), nil
}

// CleanupPhaseMessages archives then deletes an issue's messages, recording
// a cleanup metric with the size before and after.
func (m *Messenger) CleanupPhaseMessages(ctx context.Context, issueID, reason string) (int, error) {
	start := time.Now()

	statsBefore, err := m.store.GetMessageStats(ctx, issueID)
	if err != nil {
		return 0, err
	}

	archived, err := m.ArchiveMessagesForIssue(ctx, issueID, reason)
	if err != nil {
		return 0, err
	}
	deleted, err := m.store.DeleteMessagesForIssue(ctx, issueID)
	if err != nil {
		return 0, err
	}

	if _, err := m.store.RecordCleanupMetric(ctx, runlog.CleanupMetric{
		IssueID:       issueID,
		Operation:     "archive",
		RunsProcessed: statsBefore.Total,
		RunsArchived:  archived,
		RunsDeleted:   deleted,
		BytesArchived: statsBefore.TotalBytes,
		BytesDeleted:  statsBefore.TotalBytes,
		DurationMs:    time.Since(start).Milliseconds(),
	}); err != nil {
		m.logger.Warning("failed to record message cleanup metric for issue %s: %v", issueID, err)
	}
	m.logger.Info("Archived %d phase messages for issue %s (%s)", archived, issueID, reason)
	return archived, nil
}

// GetMessageStats summarizes stored messages, optionally per issue.
func (m *Messenger) GetMessageStats(ctx context.Context, issueID string) (*runlog.MessageStats, error) {
	return m.store.GetMessageStats(ctx, issueID)
}

// GetCleanupMetrics returns recorded cleanup metrics, optionally per issue.
func (m *Messenger) GetCleanupMetrics(ctx context.Context, issueID string) ([]*runlog.CleanupMetric, error) {
	return m.store.GetCleanupMetrics(ctx, issueID)
}

// ReadArchivedMessages loads the archive file of an issue, in written order.
func (m *Messenger) ReadArchivedMessages(issueID string) ([]ArchivedMessage, error) {
	path := filepath.Join(m.archiveDir, issueID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open message archive: %w", err)
	}
	defer func() { _ = file.Close() }()

	var records []ArchivedMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ArchivedMessage
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("malformed archived message: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message archive: %w", err)
	}
	return records, nil
}
