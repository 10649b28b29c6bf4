package prompt

import (
	"strings"
	"sync"
)

// Confidence buckets for the analytics distribution.
const (
	BucketHigh   = "high"   // >= 0.8
	BucketMedium = "medium" // 0.5 <= c < 0.8
	BucketLow    = "low"    // < 0.5
)

// Analytics accumulates per-process decision counters.
type Analytics struct {
	mu sync.Mutex

	totalDecisions int
	byType         map[string]int
	byConfidence   map[string]int
	targets        map[string]int
	// approvals[bucket] counts demoted-to-approval decisions per bucket.
	approvals map[string]int
}

// AnalyticsSnapshot is a point-in-time copy of the counters.
type AnalyticsSnapshot struct {
	TotalDecisions           int                `json:"total_decisions"`
	DecisionsByType          map[string]int     `json:"decisions_by_type"`
	ConfidenceDistribution   map[string]int     `json:"confidence_distribution"`
	MostCommonTargets        map[string]int     `json:"most_common_targets"`
	ApprovalRateByConfidence map[string]float64 `json:"approval_rate_by_confidence"`
}

func newAnalytics() Analytics {
	return Analytics{
		byType:       make(map[string]int),
		byConfidence: make(map[string]int),
		targets:      make(map[string]int),
		approvals:    make(map[string]int),
	}
}

func confidenceBucket(c float64) string {
	switch {
	case c >= 0.8:
		return BucketHigh
	case c >= 0.5:
		return BucketMedium
	default:
		return BucketLow
	}
}

func (a *Analytics) record(resp *DecisionResponse) {
	action, target, ok := ParseAction(resp.Decision)
	if !ok {
		return
	}
	kind := action
	if idx := strings.Index(action, "_"); idx > 0 {
		kind = action[:idx]
	}
	bucket := confidenceBucket(resp.Confidence)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalDecisions++
	a.byType[kind]++
	a.byConfidence[bucket]++
	if target != "" {
		a.targets[target]++
	}
	if resp.RequireApproval {
		a.approvals[bucket]++
	}
}

// Snapshot returns a copy of the current analytics counters.
func (b *Builder) Snapshot() AnalyticsSnapshot {
	a := &b.analytics
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := AnalyticsSnapshot{
		TotalDecisions:           a.totalDecisions,
		DecisionsByType:          copyCounts(a.byType),
		ConfidenceDistribution:   copyCounts(a.byConfidence),
		MostCommonTargets:        copyCounts(a.targets),
		ApprovalRateByConfidence: make(map[string]float64, len(a.byConfidence)),
	}
	for bucket, total := range a.byConfidence {
		if total > 0 {
			snap.ApprovalRateByConfidence[bucket] = float64(a.approvals[bucket]) / float64(total)
		}
	}
	return snap
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
