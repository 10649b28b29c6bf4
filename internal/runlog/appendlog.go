package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// appendLog mirrors every store insert/update to a JSONL file so the index
// can be rebuilt after a crash and operators can inspect history with plain
// tools. It is safe for concurrent use.
type appendLog struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func openAppendLog(path string) (*appendLog, error) {
	// 0600: run records can carry prompt fragments and error text.
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open append log: %w", err)
	}
	return &appendLog{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Append writes one record as a JSON line and flushes. The flush happens per
// record so the log is durable before the SQL write that follows it.
func (l *appendLog) Append(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush append log: %w", err)
	}
	return nil
}

func (l *appendLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("failed to flush before close: %w", err)
	}
	if err := l.file.Close(); err != nil {
		l.file = nil
		return fmt.Errorf("failed to close append log: %w", err)
	}
	l.file = nil
	return nil
}

// readJSONLines streams every record of a JSONL file to fn. Missing files
// are not an error: there is simply nothing to replay.
func readJSONLines(path string, fn func(line []byte, lineNum int) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := newLineScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line, lineNum); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// newLineScanner returns a scanner sized for large JSON lines (1MB max).
func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return scanner
}
