package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/ashep-ai/ashep/internal/runlog"
)

// Health statuses for the store health report.
const (
	HealthOK       = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// HealthCheck is one named probe's result.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthReport aggregates all probes; Status is the worst individual result.
type HealthReport struct {
	Status    string        `json:"status"`
	Checks    []HealthCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Doctor runs health probes over the active and archive stores.
type Doctor struct {
	store   *runlog.Store
	archive *ArchiveStore
}

// NewDoctor creates a health checker. The archive may be nil.
func NewDoctor(store *runlog.Store, archive *ArchiveStore) *Doctor {
	return &Doctor{store: store, archive: archive}
}

// Check runs every probe and aggregates the worst status.
func (d *Doctor) Check(ctx context.Context) HealthReport {
	report := HealthReport{Status: HealthOK, CheckedAt: time.Now().UTC()}
	probes := []func(context.Context) HealthCheck{
		d.databaseIntegrity,
		d.queryFunctionality,
		d.indexHealth,
		d.fragmentation,
		d.archiveAccessibility,
		d.archiveConsistency,
	}
	for _, probe := range probes {
		check := probe(ctx)
		report.Checks = append(report.Checks, check)
		report.Status = worseOf(report.Status, check.Status)
	}
	return report
}

func worseOf(a, b string) string {
	rank := map[string]int{HealthOK: 0, HealthWarning: 1, HealthCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// databaseIntegrity runs SQLite's own integrity check on the active store.
func (d *Doctor) databaseIntegrity(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "database_integrity", Status: HealthOK}
	var result string
	if err := d.store.DB().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		check.Status = HealthCritical
		check.Message = fmt.Sprintf("integrity check failed: %v", err)
		return check
	}
	if result != "ok" {
		check.Status = HealthCritical
		check.Message = result
	}
	return check
}

// queryFunctionality verifies the store answers a representative query.
func (d *Doctor) queryFunctionality(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "query_functionality", Status: HealthOK}
	if _, err := d.store.CountRuns(ctx); err != nil {
		check.Status = HealthCritical
		check.Message = fmt.Sprintf("count query failed: %v", err)
	}
	return check
}

// indexHealth confirms the runs table still carries its indexes.
func (d *Doctor) indexHealth(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "index_health", Status: HealthOK}
	rows, err := d.store.DB().QueryContext(ctx, "PRAGMA index_list('runs')")
	if err != nil {
		check.Status = HealthWarning
		check.Message = fmt.Sprintf("index listing failed: %v", err)
		return check
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		check.Status = HealthWarning
		check.Message = fmt.Sprintf("index listing failed: %v", err)
		return check
	}
	if count == 0 {
		check.Status = HealthWarning
		check.Message = "runs table has no indexes; queries will degrade"
	}
	return check
}

// fragmentation reports free-page buildup; heavy buildup suggests a VACUUM.
func (d *Doctor) fragmentation(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "fragmentation", Status: HealthOK}
	var freelist, pageCount int64
	if err := d.store.DB().QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freelist); err != nil {
		check.Message = fmt.Sprintf("freelist probe failed: %v", err)
		return check
	}
	if err := d.store.DB().QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		check.Message = fmt.Sprintf("page count probe failed: %v", err)
		return check
	}
	if pageCount > 0 && float64(freelist)/float64(pageCount) > 0.25 {
		check.Status = HealthWarning
		check.Message = fmt.Sprintf("%d of %d pages free; VACUUM recommended", freelist, pageCount)
	}
	return check
}

// archiveAccessibility verifies the archive database answers queries.
func (d *Doctor) archiveAccessibility(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "archive_accessibility", Status: HealthOK}
	if d.archive == nil {
		check.Message = "no archive configured"
		return check
	}
	if _, err := d.archive.CountRuns(ctx); err != nil {
		check.Status = HealthWarning
		check.Message = fmt.Sprintf("archive unreachable: %v", err)
	}
	return check
}

// archiveConsistency flags run ids present in both stores. Overlap is
// tolerated for reads (the active record wins) but signals an interrupted
// archive pass that never deleted its source rows.
func (d *Doctor) archiveConsistency(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "archive_consistency", Status: HealthOK}
	if d.archive == nil {
		check.Message = "no archive configured"
		return check
	}
	ids, err := d.archive.RunIDs(ctx)
	if err != nil {
		check.Status = HealthWarning
		check.Message = fmt.Sprintf("archive id listing failed: %v", err)
		return check
	}
	overlap := 0
	for _, id := range ids {
		if _, err := d.store.GetRun(ctx, id); err == nil {
			overlap++
		}
	}
	if overlap > 0 {
		check.Status = HealthWarning
		check.Message = fmt.Sprintf("%d runs exist in both active and archive stores", overlap)
	}
	return check
}

// Vacuum reclaims free pages in the active store.
func (d *Doctor) Vacuum(ctx context.Context) error {
	if _, err := d.store.DB().ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}
