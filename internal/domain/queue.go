package domain

import "time"

// QueueJob is one unit of delivery work in the unified queue. Jobs are
// leased (not deleted) during attempts; the visibility deadline makes a
// stalled lease recoverable.
type QueueJob struct {
	ID                 string     `json:"id" db:"id"`
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	MessageID          string     `json:"message_id" db:"message_id"`
	Priority           int        `json:"priority" db:"priority"`
	EnqueuedAt         time.Time  `json:"enqueued_at" db:"enqueued_at"`
	NotBefore          *time.Time `json:"not_before,omitempty" db:"not_before"`
	VisibilityDeadline *time.Time `json:"visibility_deadline,omitempty" db:"visibility_deadline"`
	AttemptCount       int        `json:"attempt_count" db:"attempt_count"`
	WorkerID           string     `json:"worker_id,omitempty" db:"worker_id"`
}
