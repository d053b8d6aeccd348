package models

import (
	"encoding/json"
	"time"
)

// AuditAction enumerates the recorded identity events
type AuditAction string

const (
	AuditActionEntityCreated AuditAction = "entity.created"
	AuditActionEntityMerged  AuditAction = "entity.merged"
)

// AuditEntry is an append-only record of an identity change.
// Merge entries carry pre-merge snapshots of both records so the
// operation can be reconstructed after the loser is retired.
type AuditEntry struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	Action   AuditAction `json:"action" db:"action"`
	EntityID string      `json:"entity_id" db:"entity_id"`

	// Action context, e.g. the channel a contact first appeared on
	Detail json.RawMessage `json:"detail,omitempty" db:"detail"`

	// Merge details, absent for non-merge actions
	MergedEntityID   *string         `json:"merged_entity_id,omitempty" db:"merged_entity_id"`
	SurvivorSnapshot json.RawMessage `json:"survivor_snapshot,omitempty" db:"survivor_snapshot"`
	LoserSnapshot    json.RawMessage `json:"loser_snapshot,omitempty" db:"loser_snapshot"`
	FieldResolutions json.RawMessage `json:"field_resolutions,omitempty" db:"field_resolutions"`

	ActorID *string `json:"actor_id,omitempty" db:"actor_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuditListResponse is the response for listing audit entries
type AuditListResponse struct {
	Items      []AuditEntry `json:"items"`
	TotalCount int          `json:"total_count"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
}

// NotificationKind enumerates operator notifications
type NotificationKind string

const (
	NotificationKindFirstContact NotificationKind = "first_contact"
)

// Notification is an operator-facing alert, e.g. a brand new contact
// appearing on a channel for the first time
type Notification struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	Kind     NotificationKind `json:"kind" db:"kind"`
	EntityID string           `json:"entity_id" db:"entity_id"`
	Channel  *string          `json:"channel,omitempty" db:"channel"`
	Message  string           `json:"message" db:"message"`

	ReadAt    *time.Time `json:"read_at,omitempty" db:"read_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
