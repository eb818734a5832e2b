// Package models provides data model definitions for the blockersync core.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType tags a record with its domain kind. It routes sync operations
// to the correct remote endpoint and selects the local table.
type EntityType string

const (
	EntityBlocker EntityType = "blocker"
	EntityDrawing EntityType = "drawing"
	EntityProject EntityType = "project"
	EntityUser    EntityType = "user"
)

// TableName returns the local table for the entity type.
func (t EntityType) TableName() string {
	switch t {
	case EntityBlocker:
		return "blockers"
	case EntityDrawing:
		return "drawings"
	case EntityProject:
		return "projects"
	case EntityUser:
		return "users"
	}
	return ""
}

// Valid reports whether the entity type is one of the known kinds.
func (t EntityType) Valid() bool {
	return t.TableName() != ""
}

// SyncStatus tracks whether a local record has reached the remote system.
type SyncStatus string

const (
	// SyncPending means the record exists locally but a remote mutation
	// is still outstanding.
	SyncPending SyncStatus = "pending"
	// SyncSynced means the remote system reflects the local record.
	SyncSynced SyncStatus = "synced"
)

// Priority orders queued sync operations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of the priority, lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// PriorityFor returns the sync priority for an entity type. Blockers are
// escalations and jump the queue; everything else syncs at normal priority.
func PriorityFor(t EntityType) Priority {
	if t == EntityBlocker {
		return PriorityHigh
	}
	return PriorityNormal
}

// Operation is the kind of remote mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Envelope holds the fields every entity shares. Concrete entities embed it;
// the sync layer only ever looks at the envelope.
type Envelope struct {
	ID           string     `json:"id" db:"id"`
	EntityType   EntityType `json:"entityType" db:"entity_type"`
	SyncStatus   SyncStatus `json:"syncStatus" db:"sync_status"`
	CreatedAt    string     `json:"created_at" db:"created_at"`
	LastModified string     `json:"lastModified" db:"last_modified"`
}

// Meta returns the envelope itself, satisfying Entity for embedders.
func (e *Envelope) Meta() *Envelope {
	return e
}

// Touch restamps LastModified with the current time.
func (e *Envelope) Touch() {
	e.LastModified = Now()
}

// Entity is implemented by every domain record via an embedded Envelope.
type Entity interface {
	Meta() *Envelope
}

// NewID generates a client-side id of the form entityType_timestamp_random.
// Ids are generated locally so records can be created offline without server
// coordination; the random suffix keeps same-millisecond creations distinct.
func NewID(t EntityType) string {
	return fmt.Sprintf("%s_%d_%s", t, time.Now().UnixMilli(), uuid.New().String()[:8])
}

// Now returns the current UTC time in the RFC3339 format used for all
// entity timestamps.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
