package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates the canonical lifecycle states of a dispatch job.
// Every provider-native vocabulary is translated into one of these four.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// rank orders statuses along the forward-only axis. Terminal states share
// the top rank; whichever lands first wins.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusInProgress:
		return 1
	case JobStatusSuccess, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from one status to another respects
// the forward-only invariant. Equal statuses are not a transition.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Slot names a capability role occupied by exactly one active plugin.
type Slot string

const (
	SlotOutbound Slot = "outbound"
	SlotInbound  Slot = "inbound"
	SlotStorage  Slot = "storage"
)

// Slots lists every valid capability slot.
func Slots() []Slot {
	return []Slot{SlotOutbound, SlotInbound, SlotStorage}
}

// ValidSlot reports whether name is a known capability slot.
func ValidSlot(name string) bool {
	switch Slot(name) {
	case SlotOutbound, SlotInbound, SlotStorage:
		return true
	}
	return false
}

// Job tracks one outbound document through its dispatch lifecycle. The
// payload itself lives with the storage collaborator; only the reference
// travels here.
type Job struct {
	ID                string
	To                string
	PayloadRef        string
	Status            JobStatus
	Backend           string
	ProviderSID       string
	Pages             *int
	Error             *string
	UpdatesSuppressed bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewJobID produces an opaque job identifier for callers that do not
// assign their own.
func NewJobID() string {
	return uuid.NewString()
}

// SendResult is the synchronous outcome of handing a job to a provider.
type SendResult struct {
	JobID       string
	Backend     string
	ProviderSID string
	Accepted    bool
	QueuedAt    time.Time
}

// StatusResult is one observation of a job's transmission status, whether
// from a poll or a webhook. Each one is a candidate forward-only
// transition, applied at a single chokepoint in the manager.
type StatusResult struct {
	JobID       string
	ProviderSID string
	Status      JobStatus
	Pages       *int
	Error       string
}
