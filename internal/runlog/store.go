package runlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// runCacheSize bounds the GetRun LRU.
const runCacheSize = 512

// Store persists runs, decisions, phase messages, and cleanup metrics.
// Every run and decision write lands in the append log before the index, so
// a lost database can be rebuilt from the JSONL files alone.
type Store struct {
	db           *sql.DB
	runsLog      *appendLog
	decisionsLog *appendLog
	cache        *lru.Cache[string, *Run]
}

// Options locate the store's files.
type Options struct {
	DBPath           string
	RunsLogPath      string
	DecisionsLogPath string
}

// Open opens (or creates) the run log. When the database file is missing but
// the append logs exist, the index is rebuilt from them.
func Open(opts Options) (*Store, error) {
	rebuild := false
	if _, err := os.Stat(opts.DBPath); os.IsNotExist(err) {
		if _, logErr := os.Stat(opts.RunsLogPath); logErr == nil {
			rebuild = true
		}
	}

	db, err := openDB(opts.DBPath)
	if err != nil {
		return nil, err
	}

	runsLog, err := openAppendLog(opts.RunsLogPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	decisionsLog, err := openAppendLog(opts.DecisionsLogPath)
	if err != nil {
		_ = db.Close()
		_ = runsLog.Close()
		return nil, err
	}

	cache, err := lru.New[string, *Run](runCacheSize)
	if err != nil {
		_ = db.Close()
		_ = runsLog.Close()
		_ = decisionsLog.Close()
		return nil, fmt.Errorf("failed to create run cache: %w", err)
	}

	s := &Store{
		db:           db,
		runsLog:      runsLog,
		decisionsLog: decisionsLog,
		cache:        cache,
	}

	if rebuild {
		if err := s.rebuildFromLogs(opts.RunsLogPath, opts.DecisionsLogPath); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to rebuild index from append logs: %w", err)
		}
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			issue_id     TEXT NOT NULL,
			session_id   TEXT NOT NULL DEFAULT '',
			agent_id     TEXT NOT NULL DEFAULT '',
			policy_name  TEXT NOT NULL DEFAULT '',
			phase        TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			completed_at TEXT,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			tokens_used  INTEGER NOT NULL DEFAULT 0,
			outcome      TEXT,
			metadata     TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			issue_id   TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL,
			decision   TEXT NOT NULL,
			reasoning  TEXT NOT NULL DEFAULT '',
			from_phase TEXT NOT NULL DEFAULT '',
			to_phase   TEXT NOT NULL DEFAULT '',
			metadata   TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS phase_messages (
			id           TEXT PRIMARY KEY,
			issue_id     TEXT NOT NULL,
			from_phase   TEXT NOT NULL,
			to_phase     TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content      TEXT NOT NULL,
			metadata     TEXT,
			read         INTEGER NOT NULL DEFAULT 0,
			run_counter  INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cleanup_metrics (
			id             TEXT PRIMARY KEY,
			policy_name    TEXT NOT NULL DEFAULT '',
			issue_id       TEXT NOT NULL DEFAULT '',
			operation      TEXT NOT NULL,
			runs_processed INTEGER NOT NULL DEFAULT 0,
			runs_archived  INTEGER NOT NULL DEFAULT 0,
			runs_deleted   INTEGER NOT NULL DEFAULT 0,
			bytes_archived INTEGER NOT NULL DEFAULT 0,
			bytes_deleted  INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_issue_phase ON runs(issue_id, phase)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_issue ON decisions(issue_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_transition ON decisions(issue_id, type, from_phase, to_phase)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_delivery ON phase_messages(issue_id, to_phase, read)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebuildFromLogs replays the append logs into a fresh index. The last JSONL
// record per run id wins; decisions replay in insertion order.
func (s *Store) rebuildFromLogs(runsPath, decisionsPath string) error {
	latest := make(map[string]*Run)
	var order []string
	err := readJSONLines(runsPath, func(line []byte, lineNum int) error {
		var r Run
		if err := json.Unmarshal(line, &r); err != nil {
			return fmt.Errorf("malformed run record on line %d: %w", lineNum, err)
		}
		if r.ID == "" {
			return fmt.Errorf("run record without id on line %d", lineNum)
		}
		if _, seen := latest[r.ID]; !seen {
			order = append(order, r.ID)
		}
		latest[r.ID] = &r
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range order {
		if err := s.insertRun(latest[id]); err != nil {
			return err
		}
	}

	return readJSONLines(decisionsPath, func(line []byte, lineNum int) error {
		var d Decision
		if err := json.Unmarshal(line, &d); err != nil {
			return fmt.Errorf("malformed decision record on line %d: %w", lineNum, err)
		}
		return s.insertDecision(&d)
	})
}

// Close flushes the append logs and closes the database.
func (s *Store) Close() error {
	var firstErr error
	if err := s.runsLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.decisionsLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DB exposes the underlying database for health checks and retention scans.
func (s *Store) DB() *sql.DB { return s.db }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal field: %w", err)
	}
	return string(data), nil
}
