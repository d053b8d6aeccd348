package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/fernhq/clover/pkg/models"
)

// EventType defines the type of event
type EventType string

const (
	EventTypeEntityCreated  EventType = "entity.created"
	EventTypeEntityMerged   EventType = "entity.merged"
	EventTypeMatchCandidate EventType = "match.candidate"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	TenantID      string    `json:"tenant_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EntityCreatedEvent is emitted when the resolver creates a record
type EntityCreatedEvent struct {
	BaseEvent
	EntityID   string            `json:"entity_id"`
	EntityType models.EntityType `json:"entity_type"`
	Email      string            `json:"email"`
	Synthetic  bool              `json:"synthetic"`
	Channel    string            `json:"channel,omitempty"`
}

// EntityMergedEvent is emitted when two records are collapsed
type EntityMergedEvent struct {
	BaseEvent
	SurvivorID  string                   `json:"survivor_id"`
	RetiredID   string                   `json:"retired_id"`
	EntityType  models.EntityType        `json:"entity_type"`
	Resolutions []models.FieldResolution `json:"resolutions,omitempty"`
	Repointed   map[string]int           `json:"repointed,omitempty"`
}

// MatchCandidateEvent is emitted when the scanner flags a pair
type MatchCandidateEvent struct {
	BaseEvent
	CandidateID string            `json:"candidate_id"`
	EntityAID   string            `json:"entity_a_id"`
	EntityBID   string            `json:"entity_b_id"`
	EntityType  models.EntityType `json:"entity_type"`
	Score       float64           `json:"score"`
	MatchedOn   []string          `json:"matched_on,omitempty"`
}

// NewBaseEvent creates a base event with common fields
func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}
