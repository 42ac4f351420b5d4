// Package memory holds in-process repository implementations used by
// tests and single-node development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/repository"
)

// JobLedger is an in-memory repository.JobLedger.
type JobLedger struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	// backend+sid -> job id
	byCorrelation map[string]string
}

// NewJobLedger constructs an empty ledger.
func NewJobLedger() *JobLedger {
	return &JobLedger{
		jobs:          map[string]*domain.Job{},
		byCorrelation: map[string]string{},
	}
}

func correlationKey(backend, sid string) string {
	return backend + "\x00" + sid
}

// Create implements repository.JobLedger.
func (l *JobLedger) Create(_ context.Context, job *domain.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.jobs[job.ID]; exists {
		return repository.ErrConflict
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	l.jobs[job.ID] = &cp
	if cp.ProviderSID != "" {
		l.byCorrelation[correlationKey(cp.Backend, cp.ProviderSID)] = cp.ID
	}
	return nil
}

// Get implements repository.JobLedger.
func (l *JobLedger) Get(_ context.Context, jobID string) (*domain.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// GetByCorrelation implements repository.JobLedger.
func (l *JobLedger) GetByCorrelation(_ context.Context, backend, providerSID string) (*domain.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byCorrelation[correlationKey(backend, providerSID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *l.jobs[id]
	return &cp, nil
}

// Update implements repository.JobLedger.
func (l *JobLedger) Update(_ context.Context, job *domain.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.jobs[job.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cp := *job
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	l.jobs[job.ID] = &cp
	if cp.ProviderSID != "" {
		l.byCorrelation[correlationKey(cp.Backend, cp.ProviderSID)] = cp.ID
	}
	return nil
}

// ListInStatus implements repository.JobLedger.
func (l *JobLedger) ListInStatus(_ context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*domain.Job
	for _, job := range l.jobs {
		if job.Status == status {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
