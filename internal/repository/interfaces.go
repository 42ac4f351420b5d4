package repository

import (
	"context"
	"time"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// JobLedger persists the dispatch-facing slice of each job: status,
// provider correlation id, page count, and error. The job-submission
// collaborator owns the rest of the job record.
type JobLedger interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	GetByCorrelation(ctx context.Context, backend, providerSID string) (*domain.Job, error)
	// Update persists status, correlation id, pages, and error fields.
	// The forward-only check happens under the manager's per-job lock
	// before Update is called.
	Update(ctx context.Context, job *domain.Job) error
	// ListInStatus returns jobs in the given status, oldest first, for
	// the status poller.
	ListInStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error)
}

// AuditRecord is one persisted lifecycle event.
type AuditRecord struct {
	EventType  string
	JobID      string
	PluginID   string
	Status     string
	Detail     string
	OccurredAt time.Time
}

// AuditStore appends lifecycle events to a durable audit trail.
type AuditStore interface {
	Append(ctx context.Context, rec AuditRecord) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]AuditRecord, error)
}
