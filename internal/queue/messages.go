package queue

import "time"

// AuditMessage is the wire form of a lifecycle event published to the
// audit topic. It carries identifiers and status codes only; payload
// content and provider credentials never travel through the queue.
type AuditMessage struct {
	EventType  string            `json:"event_type"`
	JobID      string            `json:"job_id,omitempty"`
	PluginID   string            `json:"plugin_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
