package retention

import (
	"context"
	"os"
	"sync"
	"time"
)

// Pressure levels reported by the size monitor.
type PressureLevel int

const (
	LevelNormal PressureLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l PressureLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// historySize bounds the retained samples (48 samples at a 30m cadence
// covers a day).
const historySize = 48

// trendBand is the relative change under which the trend reads as stable.
const trendBand = 0.02

// SizeSnapshot is one measurement of the store's on-disk footprint.
type SizeSnapshot struct {
	TotalBytes int64     `json:"total_bytes"`
	At         time.Time `json:"at"`
}

// Trend directions derived from the sample history.
const (
	TrendGrowing   = "growing"
	TrendShrinking = "shrinking"
	TrendStable    = "stable"
	TrendUnknown   = "unknown"
)

// SizeMonitor samples the combined size of the store's files and maps it
// onto the configured pressure thresholds.
type SizeMonitor struct {
	paths      []string
	limitBytes int64
	warnPct    int
	critPct    int
	emergPct   int

	mu      sync.Mutex
	history []SizeSnapshot
	now     func() time.Time
}

// NewSizeMonitor watches the given files against a size limit in megabytes.
// A zero limit disables pressure levels; sampling still records history.
func NewSizeMonitor(paths []string, limitMB, warnPct, critPct, emergPct int) *SizeMonitor {
	return &SizeMonitor{
		paths:      paths,
		limitBytes: int64(limitMB) * 1024 * 1024,
		warnPct:    warnPct,
		critPct:    critPct,
		emergPct:   emergPct,
		now:        time.Now,
	}
}

// Sample measures the current footprint and appends it to the history.
// Missing files count as zero bytes.
func (m *SizeMonitor) Sample(ctx context.Context) (SizeSnapshot, error) {
	var total int64
	for _, p := range m.paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return SizeSnapshot{}, err
		}
		total += info.Size()
	}

	snap := SizeSnapshot{TotalBytes: total, At: m.now()}
	m.mu.Lock()
	m.history = append(m.history, snap)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.mu.Unlock()
	return snap, nil
}

// Level maps a snapshot onto the configured pressure thresholds.
func (m *SizeMonitor) Level(snap SizeSnapshot) PressureLevel {
	if m.limitBytes <= 0 {
		return LevelNormal
	}
	pct := float64(snap.TotalBytes) / float64(m.limitBytes) * 100
	switch {
	case pct >= float64(m.emergPct):
		return LevelEmergency
	case pct >= float64(m.critPct):
		return LevelCritical
	case pct >= float64(m.warnPct):
		return LevelWarning
	default:
		return LevelNormal
	}
}

// UsagePercent returns the latest sample's share of the limit, or zero when
// no limit is configured or nothing has been sampled.
func (m *SizeMonitor) UsagePercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limitBytes <= 0 || len(m.history) == 0 {
		return 0
	}
	return float64(m.history[len(m.history)-1].TotalBytes) / float64(m.limitBytes) * 100
}

// Trend compares the newest sample against the oldest retained one. Changes
// within the stable band in either direction read as stable.
func (m *SizeMonitor) Trend() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < 2 {
		return TrendUnknown
	}
	first := m.history[0].TotalBytes
	last := m.history[len(m.history)-1].TotalBytes
	if first == 0 {
		if last == 0 {
			return TrendStable
		}
		return TrendGrowing
	}
	change := float64(last-first) / float64(first)
	switch {
	case change > trendBand:
		return TrendGrowing
	case change < -trendBand:
		return TrendShrinking
	default:
		return TrendStable
	}
}

// History returns a copy of the retained samples, oldest first.
func (m *SizeMonitor) History() []SizeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SizeSnapshot, len(m.history))
	copy(out, m.history)
	return out
}
