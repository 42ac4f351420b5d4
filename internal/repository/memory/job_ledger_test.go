package memory

import (
	"context"
	"testing"
	"time"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/repository"
)

func newJob(id string, status domain.JobStatus) *domain.Job {
	return &domain.Job{
		ID:         id,
		To:         "+15550001234",
		PayloadRef: "doc://payload",
		Status:     status,
		Backend:    "faketx",
	}
}

func TestCreateAndGetCopies(t *testing.T) {
	l := NewJobLedger()
	ctx := context.Background()

	job := newJob("j1", domain.JobStatusQueued)
	if err := l.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := l.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not stamped on create")
	}

	// Mutating the returned job must not leak into the store.
	got.Status = domain.JobStatusFailed
	again, _ := l.Get(ctx, "j1")
	if again.Status != domain.JobStatusQueued {
		t.Fatal("ledger handed out a shared pointer")
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	l := NewJobLedger()
	ctx := context.Background()

	if err := l.Create(ctx, newJob("j1", domain.JobStatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.Create(ctx, newJob("j1", domain.JobStatusQueued)); err != repository.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetUnknownJob(t *testing.T) {
	l := NewJobLedger()
	if _, err := l.Get(context.Background(), "nope"); err != repository.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByCorrelation(t *testing.T) {
	l := NewJobLedger()
	ctx := context.Background()

	job := newJob("j1", domain.JobStatusInProgress)
	job.ProviderSID = "sid-1"
	if err := l.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := l.GetByCorrelation(ctx, "faketx", "sid-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "j1" {
		t.Fatalf("wrong job resolved: %+v", got)
	}

	if _, err := l.GetByCorrelation(ctx, "phaxio", "sid-1"); err != repository.ErrNotFound {
		t.Fatalf("correlation must be scoped to the backend, got %v", err)
	}
}

func TestUpdateAdvancesStateAndCorrelation(t *testing.T) {
	l := NewJobLedger()
	ctx := context.Background()

	if err := l.Create(ctx, newJob("j1", domain.JobStatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}
	created, _ := l.Get(ctx, "j1")

	upd := newJob("j1", domain.JobStatusInProgress)
	upd.ProviderSID = "sid-9"
	if err := l.Update(ctx, upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := l.Get(ctx, "j1")
	if got.Status != domain.JobStatusInProgress || got.ProviderSID != "sid-9" {
		t.Fatalf("update not applied: %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("update must preserve CreatedAt")
	}

	if _, err := l.GetByCorrelation(ctx, "faketx", "sid-9"); err != nil {
		t.Fatalf("correlation index not updated: %v", err)
	}

	if err := l.Update(ctx, newJob("missing", domain.JobStatusFailed)); err != repository.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown job, got %v", err)
	}
}

func TestListInStatusOldestFirst(t *testing.T) {
	l := NewJobLedger()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		job := newJob(id, domain.JobStatusInProgress)
		job.CreatedAt = time.Date(2026, 8, 1, 0, 0, i, 0, time.UTC)
		if err := l.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := l.Create(ctx, newJob("done", domain.JobStatusSuccess)); err != nil {
		t.Fatalf("create done: %v", err)
	}

	jobs, err := l.ListInStatus(ctx, domain.JobStatusInProgress, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "b" {
		t.Fatalf("expected oldest two in-progress jobs, got %+v", jobs)
	}
}
