package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeBytes(t *testing.T, path string, n int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, n), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSizeMonitorLevels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runs.db")

	// 1 MB limit, thresholds 70/85/95.
	m := NewSizeMonitor([]string{path}, 1, 70, 85, 95)

	tests := []struct {
		name  string
		bytes int
		want  PressureLevel
	}{
		{"empty", 0, LevelNormal},
		{"half", 512 * 1024, LevelNormal},
		{"warning", 750 * 1024, LevelWarning},
		{"critical", 900 * 1024, LevelCritical},
		{"emergency", 1024 * 1024, LevelEmergency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeBytes(t, path, tt.bytes)
			snap, err := m.Sample(context.Background())
			if err != nil {
				t.Fatalf("sample: %v", err)
			}
			if got := m.Level(snap); got != tt.want {
				t.Errorf("Level(%d bytes) = %v, want %v", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestSizeMonitorMissingFilesCountZero(t *testing.T) {
	m := NewSizeMonitor([]string{filepath.Join(t.TempDir(), "absent.db")}, 1, 70, 85, 95)
	snap, err := m.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("total = %d, want 0", snap.TotalBytes)
	}
}

func TestSizeMonitorTrend(t *testing.T) {
	m := NewSizeMonitor(nil, 0, 0, 0, 0)
	if got := m.Trend(); got != TrendUnknown {
		t.Errorf("empty trend = %s, want %s", got, TrendUnknown)
	}

	now := time.Now()
	push := func(bytes int64) {
		m.mu.Lock()
		m.history = append(m.history, SizeSnapshot{TotalBytes: bytes, At: now})
		m.mu.Unlock()
	}

	push(1000)
	push(1010) // +1%, within the band
	if got := m.Trend(); got != TrendStable {
		t.Errorf("trend = %s, want %s", got, TrendStable)
	}
	push(1100) // +10% over first
	if got := m.Trend(); got != TrendGrowing {
		t.Errorf("trend = %s, want %s", got, TrendGrowing)
	}

	shrink := NewSizeMonitor(nil, 0, 0, 0, 0)
	shrink.history = []SizeSnapshot{{TotalBytes: 1000}, {TotalBytes: 500}}
	if got := shrink.Trend(); got != TrendShrinking {
		t.Errorf("trend = %s, want %s", got, TrendShrinking)
	}
}

func TestSizeMonitorHistoryBound(t *testing.T) {
	m := NewSizeMonitor(nil, 0, 0, 0, 0)
	for i := 0; i < historySize+10; i++ {
		m.history = append(m.history, SizeSnapshot{TotalBytes: int64(i)})
		if len(m.history) > historySize {
			m.history = m.history[len(m.history)-historySize:]
		}
	}
	if len(m.History()) != historySize {
		t.Errorf("history len = %d, want %d", len(m.History()), historySize)
	}
}
