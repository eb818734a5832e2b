package models

import "encoding/json"

// QueueItemStatus is the lifecycle state of a queued sync operation.
type QueueItemStatus string

const (
	// QueuePending items are picked up by the next drain cycle.
	QueuePending QueueItemStatus = "pending"
	// QueueParked items exhausted their retries under the park drop
	// policy; they sit outside the drain set until manually requeued.
	QueueParked QueueItemStatus = "parked"
)

// DefaultMaxRetries is the number of sync attempts a queue item gets
// before the configured drop policy applies.
const DefaultMaxRetries = 3

// QueueItem is a pending remote mutation. Data holds the entity snapshot
// at enqueue time; for deletes it carries at minimum {id, entityType}.
type QueueItem struct {
	ID         int64           `json:"id" db:"id"`
	Operation  Operation       `json:"operation" db:"operation"`
	EntityType EntityType      `json:"entityType" db:"entity_type"`
	Data       json.RawMessage `json:"data" db:"data"`
	Priority   Priority        `json:"priority" db:"priority"`
	Timestamp  string          `json:"timestamp" db:"timestamp"`
	RetryCount int             `json:"retryCount" db:"retry_count"`
	MaxRetries int             `json:"maxRetries" db:"max_retries"`
	LastRetry  *string         `json:"lastRetry,omitempty" db:"last_retry"`
	Status     QueueItemStatus `json:"status" db:"status"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}

// DataID extracts the entity id from the item's data snapshot.
func (q *QueueItem) DataID() string {
	var env Envelope
	if err := json.Unmarshal(q.Data, &env); err != nil {
		return ""
	}
	return env.ID
}
