// Package events handles event emission for identity lifecycle changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/kafka"
	"github.com/fernhq/clover/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Emitter publishes identity events for downstream consumers
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitEntityCreated emits an entity created event
func (e *Emitter) EmitEntityCreated(ctx context.Context, entity *models.Entity, channel string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityCreated")
	defer span.End()

	payload := EntityCreatedEvent{
		BaseEvent:  NewBaseEvent(EventTypeEntityCreated, entity.TenantID),
		EntityID:   entity.ID,
		EntityType: entity.EntityType,
		Email:      entity.Email,
		Synthetic:  entity.SyntheticEmail,
		Channel:    channel,
	}
	data, _ := json.Marshal(payload)

	event := &kafka.IdentityEvent{
		EventType:  string(EventTypeEntityCreated),
		TenantID:   entity.TenantID,
		EntityID:   entity.ID,
		EntityType: string(entity.EntityType),
		Data:       data,
	}

	if err := e.producer.PublishIdentityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.created event")
		return err
	}

	return nil
}

// EmitEntityMerged emits an entity merged event with merge details
func (e *Emitter) EmitEntityMerged(ctx context.Context, tenantID string, result *models.MergeResult) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityMerged")
	defer span.End()

	payload := EntityMergedEvent{
		BaseEvent:   NewBaseEvent(EventTypeEntityMerged, tenantID),
		SurvivorID:  result.Survivor.ID,
		RetiredID:   result.RetiredID,
		EntityType:  result.Survivor.EntityType,
		Resolutions: result.Resolutions,
		Repointed:   result.Repointed,
	}
	data, _ := json.Marshal(payload)

	event := &kafka.IdentityEvent{
		EventType:  string(EventTypeEntityMerged),
		TenantID:   tenantID,
		EntityID:   result.Survivor.ID,
		EntityType: string(result.Survivor.EntityType),
		Data:       data,
	}

	if err := e.producer.PublishIdentityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.merged event")
		return err
	}

	return nil
}

// EmitMatchCandidate emits an event when the scanner flags a pair
func (e *Emitter) EmitMatchCandidate(ctx context.Context, candidate *models.MatchCandidate) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitMatchCandidate")
	defer span.End()

	payload := MatchCandidateEvent{
		BaseEvent:   NewBaseEvent(EventTypeMatchCandidate, candidate.TenantID),
		CandidateID: candidate.ID,
		EntityAID:   candidate.EntityAID,
		EntityBID:   candidate.EntityBID,
		EntityType:  candidate.EntityType,
		Score:       candidate.SimilarityScore,
		MatchedOn:   candidate.MatchingFields,
	}
	data, _ := json.Marshal(payload)

	event := &kafka.IdentityEvent{
		EventType:  string(EventTypeMatchCandidate),
		TenantID:   candidate.TenantID,
		EntityID:   candidate.EntityAID,
		EntityType: string(candidate.EntityType),
		Data:       data,
	}

	if err := e.producer.PublishIdentityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit match.candidate event")
		return err
	}

	return nil
}
