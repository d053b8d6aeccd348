// Package identity implements find-or-create resolution of channel
// sightings against the entity store.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/models"
	"github.com/fernhq/clover/pkg/normalizers"
)

type entityStore interface {
	FindByHints(ctx context.Context, tenantID string, entityType models.EntityType, email, phone, mobile, handle, handleSource, channel, subscriberID string) (*models.Entity, string, error)
	InsertIfAbsent(ctx context.Context, entity *models.Entity) (*models.Entity, bool, error)
	TouchLastContacted(ctx context.Context, tenantID string, id string, at time.Time) error
}

type auditStore interface {
	Create(ctx context.Context, entry *models.AuditEntry) (*models.AuditEntry, error)
}

type notificationStore interface {
	Create(ctx context.Context, n *models.Notification) (*models.Notification, error)
}

type eventEmitter interface {
	EmitEntityCreated(ctx context.Context, entity *models.Entity, channel string) error
}

// Config holds resolver tuning
type Config struct {
	DefaultCountryCode string
	SyntheticDomain    string
}

// Resolver finds the entity behind a channel sighting, creating one
// when nothing matches. Safe to call concurrently: losing an insert
// race degrades into a lookup against the winner.
type Resolver struct {
	entities      entityStore
	audits        auditStore
	notifications notificationStore
	emitter       eventEmitter
	logger        ectologger.Logger
	cfg           Config
}

// NewResolver creates a new identity resolver
func NewResolver(entities entityStore, audits auditStore, notifications notificationStore, emitter eventEmitter, logger ectologger.Logger, cfg Config) *Resolver {
	if cfg.SyntheticDomain == "" {
		cfg.SyntheticDomain = "lead.local"
	}
	return &Resolver{
		entities:      entities,
		audits:        audits,
		notifications: notifications,
		emitter:       emitter,
		logger:        logger,
		cfg:           cfg,
	}
}

// Resolve runs the identity cascade for a sighting. Same input always
// lands on the same record: email beats phone, phone beats handle,
// handle beats thread provenance. A match only bumps last_contacted_at;
// the stored identity and profile fields are never altered by
// ingestion. A miss creates a record and fires the first-contact side
// effects exactly once.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, event *models.ChannelEvent) (*models.ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.Resolve")
	defer span.End()

	if tenantID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	if event.Provenance.Channel == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "provenance channel is required")
	}

	entityType := event.EntityType
	if entityType == "" {
		entityType = models.EntityTypeContact
	}

	email := normalizers.Email(event.Hints.Email)
	phone := normalizers.Phone(event.Hints.Phone, r.cfg.DefaultCountryCode)
	mobile := normalizers.Phone(event.Hints.Mobile, r.cfg.DefaultCountryCode)
	handle := normalizers.Handle(event.Hints.Handle)
	handleSource := normalizers.Lowercase(normalizers.Trim(event.Hints.HandleSource))
	if handleSource == "" {
		handleSource = normalizers.Lowercase(event.Provenance.Channel)
	}
	channel := normalizers.Lowercase(normalizers.Trim(event.Provenance.Channel))
	subscriberID := normalizers.Trim(event.Hints.SourceSubscriberID)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"channel":   event.Provenance.Channel,
	})

	// Two passes: losing the insert race means the winner is now
	// findable, so the retry lookup must succeed.
	for attempt := 0; attempt < 2; attempt++ {
		found, matchedOn, err := r.entities.FindByHints(ctx, tenantID, entityType, email, phone, mobile, handle, handleSource, channel, subscriberID)
		if err != nil {
			return nil, err
		}

		if found != nil {
			if err := r.entities.TouchLastContacted(ctx, tenantID, found.ID, occurredAt); err != nil {
				return nil, err
			}

			log.WithFields(map[string]any{"entity_id": found.ID, "matched_on": matchedOn}).Debug("Resolved sighting to existing entity")
			return &models.ResolveResult{Entity: found, Created: false, MatchedOn: matchedOn}, nil
		}

		entity := r.buildEntity(tenantID, entityType, &event.Hints, email, phone, mobile, handle, handleSource, channel, subscriberID, occurredAt)
		if cid := normalizers.Trim(event.Provenance.ConversationID); cid != "" {
			entity.ExternalConversationID = strPtr(cid)
		}
		inserted, won, err := r.entities.InsertIfAbsent(ctx, entity)
		if err != nil {
			return nil, err
		}
		if !won {
			log.Debug("Lost insert race, retrying lookup")
			continue
		}

		r.onCreated(ctx, inserted, event.Provenance.Channel, event.Provenance.ConversationID)

		log.WithFields(map[string]any{"entity_id": inserted.ID, "synthetic_email": inserted.SyntheticEmail}).Info("Created entity from sighting")
		return &models.ResolveResult{Entity: inserted, Created: true}, nil
	}

	return nil, httperror.NewHTTPError(http.StatusConflict, "could not resolve sighting, concurrent writes kept winning")
}

// buildEntity assembles a new record from the sighting, synthesizing a
// placeholder email when the channel did not provide a real one
func (r *Resolver) buildEntity(tenantID string, entityType models.EntityType, hints *models.IdentityHints, email, phone, mobile, handle, handleSource, channel, subscriberID string, occurredAt time.Time) *models.Entity {
	entity := &models.Entity{
		TenantID:        tenantID,
		EntityType:      entityType,
		Email:           email,
		SourceChannel:   strPtr(channel),
		LastContactedAt: &occurredAt,
	}
	if subscriberID != "" {
		entity.SourceSubscriberID = strPtr(subscriberID)
	}

	if phone != "" {
		entity.Phone = strPtr(phone)
	}
	if mobile != "" {
		entity.Mobile = strPtr(mobile)
	}
	if handle != "" {
		entity.Handle = strPtr(handle)
		entity.HandleSource = strPtr(handleSource)
	}

	if email == "" {
		entity.Email = r.syntheticEmail(phone, mobile, handle, handleSource, channel)
		entity.SyntheticEmail = true
	}

	firstName, lastName := hints.FirstName, hints.LastName
	if firstName == "" && lastName == "" && hints.DisplayName != "" {
		firstName, lastName = splitDisplayName(hints.DisplayName)
	}

	setIfPresent := func(dst **string, v string) {
		if v = normalizers.Trim(v); v != "" {
			*dst = strPtr(v)
		}
	}
	setIfPresent(&entity.FirstName, firstName)
	setIfPresent(&entity.LastName, lastName)
	setIfPresent(&entity.Company, hints.Company)
	setIfPresent(&entity.Title, hints.Title)
	setIfPresent(&entity.AvatarURL, hints.AvatarURL)
	if w := normalizers.Website(hints.Website); w != "" {
		entity.Website = strPtr(w)
	}

	return entity
}

// splitDisplayName breaks a channel display name into name parts
func splitDisplayName(displayName string) (first, last string) {
	parts := strings.Fields(displayName)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// syntheticEmail builds a deterministic placeholder address so repeat
// sightings of the same phone or handle collapse onto one record. Fully
// anonymous sightings get a unique address; only thread provenance can
// re-match those. Ambiguous phones (no country code) stay out of the
// phone namespace so malformed input cannot collide with real numbers.
func (r *Resolver) syntheticEmail(phone, mobile, handle, handleSource, channel string) string {
	switch {
	case strings.HasPrefix(phone, "+"):
		return fmt.Sprintf("%s@phone.%s", normalizers.DigitsOnly(phone), r.cfg.SyntheticDomain)
	case strings.HasPrefix(mobile, "+"):
		return fmt.Sprintf("%s@phone.%s", normalizers.DigitsOnly(mobile), r.cfg.SyntheticDomain)
	case handle != "":
		return fmt.Sprintf("%s@%s.%s", handle, handleSource, r.cfg.SyntheticDomain)
	default:
		return fmt.Sprintf("lead-%d@%s.%s", time.Now().UnixNano(), normalizers.Lowercase(channel), r.cfg.SyntheticDomain)
	}
}

// onCreated fires the first-contact side effects. These are best
// effort: the record exists either way and the caller gets it back.
func (r *Resolver) onCreated(ctx context.Context, entity *models.Entity, channel, conversationID string) {
	detail := map[string]string{"channel": channel}
	if conversationID != "" {
		detail["external_conversation_id"] = conversationID
	}
	detailJSON, _ := json.Marshal(detail)

	if _, err := r.audits.Create(ctx, &models.AuditEntry{
		TenantID: entity.TenantID,
		Action:   models.AuditActionEntityCreated,
		EntityID: entity.ID,
		Detail:   detailJSON,
	}); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entity.ID}).Warn("Failed to record entity.created audit entry")
	}

	name := entity.FullName()
	if name == "" {
		name = entity.Email
	}
	if _, err := r.notifications.Create(ctx, &models.Notification{
		TenantID: entity.TenantID,
		Kind:     models.NotificationKindFirstContact,
		EntityID: entity.ID,
		Channel:  strPtr(channel),
		Message:  fmt.Sprintf("New contact %s via %s", name, channel),
	}); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entity.ID}).Warn("Failed to create first-contact notification")
	}

	if r.emitter != nil {
		if err := r.emitter.EmitEntityCreated(ctx, entity, channel); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entity.ID}).Warn("Failed to emit entity.created event")
		}
	}
}

func strPtr(s string) *string {
	return &s
}
