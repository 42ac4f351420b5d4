package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/repository"
)

// JobLedger implements repository.JobLedger using PostgreSQL.
type JobLedger struct {
	db *sqlx.DB
}

// NewJobLedger constructs a new ledger.
func NewJobLedger(db *sqlx.DB) *JobLedger {
	return &JobLedger{db: db}
}

type jobRecord struct {
	ID                string         `db:"id"`
	Destination       string         `db:"destination"`
	PayloadRef        string         `db:"payload_ref"`
	Status            string         `db:"status"`
	Backend           sql.NullString `db:"backend"`
	ProviderSID       sql.NullString `db:"provider_sid"`
	Pages             sql.NullInt32  `db:"pages"`
	LastError         sql.NullString `db:"last_error"`
	UpdatesSuppressed bool           `db:"updates_suppressed"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r jobRecord) toDomain() domain.Job {
	job := domain.Job{
		ID:                r.ID,
		To:                r.Destination,
		PayloadRef:        r.PayloadRef,
		Status:            domain.JobStatus(r.Status),
		Backend:           r.Backend.String,
		ProviderSID:       r.ProviderSID.String,
		UpdatesSuppressed: r.UpdatesSuppressed,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Pages.Valid {
		pages := int(r.Pages.Int32)
		job.Pages = &pages
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		job.Error = &msg
	}
	return job
}

func params(job *domain.Job) map[string]any {
	p := map[string]any{
		"id":                 job.ID,
		"destination":        job.To,
		"payload_ref":        job.PayloadRef,
		"status":             string(job.Status),
		"backend":            nullString(job.Backend),
		"provider_sid":       nullString(job.ProviderSID),
		"pages":              nil,
		"last_error":         nil,
		"updates_suppressed": job.UpdatesSuppressed,
	}
	if job.Pages != nil {
		p["pages"] = *job.Pages
	}
	if job.Error != nil {
		p["last_error"] = *job.Error
	}
	return p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Create inserts a new job row.
func (l *JobLedger) Create(ctx context.Context, job *domain.Job) error {
	q := `INSERT INTO dispatch_jobs (
		id, destination, payload_ref, status, backend, provider_sid,
		pages, last_error, updates_suppressed, created_at, updated_at
	) VALUES (
		:id, :destination, :payload_ref, :status, :backend, :provider_sid,
		:pages, :last_error, :updates_suppressed, now(), now()
	)`

	if _, err := l.db.NamedExecContext(ctx, q, params(job)); err != nil {
		return fmt.Errorf("job ledger: insert: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (l *JobLedger) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	q := `SELECT id, destination, payload_ref, status, backend, provider_sid,
	       pages, last_error, updates_suppressed, created_at, updated_at
	  FROM dispatch_jobs WHERE id = $1`

	var record jobRecord
	if err := l.db.QueryRowxContext(ctx, q, jobID).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("job ledger: get: %w", err)
	}
	job := record.toDomain()
	return &job, nil
}

// GetByCorrelation fetches a job by backend and provider correlation id.
func (l *JobLedger) GetByCorrelation(ctx context.Context, backend, providerSID string) (*domain.Job, error) {
	q := `SELECT id, destination, payload_ref, status, backend, provider_sid,
	       pages, last_error, updates_suppressed, created_at, updated_at
	  FROM dispatch_jobs WHERE backend = $1 AND provider_sid = $2`

	var record jobRecord
	if err := l.db.QueryRowxContext(ctx, q, backend, providerSID).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("job ledger: get by correlation: %w", err)
	}
	job := record.toDomain()
	return &job, nil
}

// Update persists the dispatch-facing fields of a job.
func (l *JobLedger) Update(ctx context.Context, job *domain.Job) error {
	q := `UPDATE dispatch_jobs SET
		status = :status,
		backend = :backend,
		provider_sid = :provider_sid,
		pages = :pages,
		last_error = :last_error,
		updates_suppressed = :updates_suppressed,
		updated_at = now()
	 WHERE id = :id`

	res, err := l.db.NamedExecContext(ctx, q, params(job))
	if err != nil {
		return fmt.Errorf("job ledger: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job ledger: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListInStatus returns jobs in the given status, oldest first.
func (l *JobLedger) ListInStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, destination, payload_ref, status, backend, provider_sid,
	       pages, last_error, updates_suppressed, created_at, updated_at
	  FROM dispatch_jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`

	rows, err := l.db.QueryxContext(ctx, q, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("job ledger: list in status: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		var record jobRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("job ledger: scan: %w", err)
		}
		job := record.toDomain()
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job ledger: rows: %w", err)
	}
	return out, nil
}
