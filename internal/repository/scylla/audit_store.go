package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-fax-dispatch/internal/repository"
)

// AuditStore persists lifecycle events in Scylla, partitioned by day so
// the trail can grow without unbounded partitions.
type AuditStore struct {
	session *gocql.Session
}

// NewAuditStore creates a new audit store.
func NewAuditStore(session *gocql.Session) *AuditStore {
	return &AuditStore{session: session}
}

// Append writes one audit record.
func (s *AuditStore) Append(ctx context.Context, rec repository.AuditRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	bucket := bucketDate(rec.OccurredAt)

	if err := s.session.Query(`INSERT INTO audit_by_day (bucket, occurred_at, event_type, job_id, plugin_id, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bucket, rec.OccurredAt, rec.EventType, rec.JobID, rec.PluginID, rec.Status, rec.Detail,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("audit store: insert audit_by_day: %w", err)
	}

	if rec.JobID != "" {
		if err := s.session.Query(`INSERT INTO audit_by_job (job_id, occurred_at, event_type, plugin_id, status, detail)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.JobID, rec.OccurredAt, rec.EventType, rec.PluginID, rec.Status, rec.Detail,
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("audit store: insert audit_by_job: %w", err)
		}
	}

	return nil
}

// ListByJob returns the audit trail for one job, newest first.
func (s *AuditStore) ListByJob(ctx context.Context, jobID string, limit int) ([]repository.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT occurred_at, event_type, plugin_id, status, detail
		FROM audit_by_job WHERE job_id = ? ORDER BY occurred_at DESC LIMIT ?`,
		jobID, limit).WithContext(ctx).Iter()

	var (
		occurredAt time.Time
		eventType  string
		pluginID   string
		status     string
		detail     string
	)

	records := make([]repository.AuditRecord, 0, limit)
	for iter.Scan(&occurredAt, &eventType, &pluginID, &status, &detail) {
		records = append(records, repository.AuditRecord{
			EventType:  eventType,
			JobID:      jobID,
			PluginID:   pluginID,
			Status:     status,
			Detail:     detail,
			OccurredAt: occurredAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("audit store: iter close: %w", err)
	}
	return records, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
