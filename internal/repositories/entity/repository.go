package entity

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/models"
)

const columns = "id, tenant_id, entity_type, email, synthetic_email, phone, mobile, handle, handle_source, first_name, last_name, company, title, website, address, avatar_url, notes, source_channel, source_subscriber_id, external_conversation_id, last_contacted_at, merged_into, created_at, updated_at, deleted_at"

// Repository handles entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// InsertIfAbsent inserts a new entity unless one with the same email
// or the same (channel, subscriber id) pair already exists. Returns
// inserted=false without error when either unique index rejected the
// row, so callers can re-run their lookup against the winner.
func (r *Repository) InsertIfAbsent(ctx context.Context, entity *models.Entity) (*models.Entity, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.InsertIfAbsent")
	defer span.End()

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols("id", "tenant_id", "entity_type", "email", "synthetic_email", "phone", "mobile", "handle", "handle_source", "first_name", "last_name", "company", "title", "website", "address", "avatar_url", "notes", "source_channel", "source_subscriber_id", "external_conversation_id", "last_contacted_at", "created_at", "updated_at")
	sb.Values(entity.ID, entity.TenantID, entity.EntityType, entity.Email, entity.SyntheticEmail, entity.Phone, entity.Mobile, entity.Handle, entity.HandleSource, entity.FirstName, entity.LastName, entity.Company, entity.Title, entity.Website, entity.Address, entity.AvatarURL, entity.Notes, entity.SourceChannel, entity.SourceSubscriberID, entity.ExternalConversationID, entity.LastContactedAt, entity.CreatedAt, entity.UpdatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (tenant_id, entity_type, email) WHERE deleted_at IS NULL DO NOTHING RETURNING id"

	var insertedID string
	err := database.Q(ctx, r.db).GetContext(ctx, &insertedID, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			// Lost the race: another sighting created this email first
			return nil, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entity.ID}).Error("Failed to insert entity")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	entity.ID = insertedID
	return entity, true, nil
}

// Get retrieves an entity by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entities")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var entity models.Entity
	if err := database.Q(ctx, r.db).GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// GetAny retrieves an entity by ID regardless of merge state. Callers
// that must not see retired records use Get instead.
func (r *Repository) GetAny(ctx context.Context, tenantID string, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetAny")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entities")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var entity models.Entity
	if err := database.Q(ctx, r.db).GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// FindByHints runs the identity cascade in a single query. Alternatives
// are ranked so a real email match always beats a phone match, a phone
// match beats a handle match, and a handle match beats the channel
// subscriber pair. Either phone hint matches either stored number.
// Retired and deleted records never match.
func (r *Repository) FindByHints(ctx context.Context, tenantID string, entityType models.EntityType, email, phone, mobile, handle, handleSource, channel, subscriberID string) (*models.Entity, string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindByHints")
	defer span.End()

	query := `
		SELECT ` + columns + `,
			CASE
				WHEN $3 != '' AND email = $3 THEN 1
				WHEN ($4 != '' AND (phone = $4 OR mobile = $4)) OR ($5 != '' AND (phone = $5 OR mobile = $5)) THEN 2
				WHEN $6 != '' AND handle = $6 AND handle_source = $7 THEN 3
				WHEN $9 != '' AND source_channel = $8 AND source_subscriber_id = $9 THEN 4
			END AS match_rank
		FROM entities
		WHERE tenant_id = $1
		AND entity_type = $2
		AND deleted_at IS NULL
		AND merged_into IS NULL
		AND (
			($3 != '' AND email = $3)
			OR ($4 != '' AND (phone = $4 OR mobile = $4))
			OR ($5 != '' AND (phone = $5 OR mobile = $5))
			OR ($6 != '' AND handle = $6 AND handle_source = $7)
			OR ($9 != '' AND source_channel = $8 AND source_subscriber_id = $9)
		)
		ORDER BY match_rank ASC, created_at ASC
		LIMIT 1
	`

	row := struct {
		models.Entity
		MatchRank int `db:"match_rank"`
	}{}
	if err := database.Q(ctx, r.db).GetContext(ctx, &row, query, tenantID, entityType, email, phone, mobile, handle, handleSource, channel, subscriberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find entity by hints")
		return nil, "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to find entity")
	}

	matchedOn := map[int]string{1: "email", 2: "phone", 3: "handle", 4: "provenance"}[row.MatchRank]
	return &row.Entity, matchedOn, nil
}

// GetForUpdate retrieves an entity by ID with a row lock. Must be
// called inside a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tenantID string, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetForUpdate")
	defer span.End()

	query := `
		SELECT ` + columns + `
		FROM entities
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`

	var entity models.Entity
	if err := database.Q(ctx, r.db).GetContext(ctx, &entity, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to lock entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock entity")
	}

	return &entity, nil
}

// UpdateFields applies the given column values to an entity
func (r *Repository) UpdateFields(ctx context.Context, tenantID string, id string, fields map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.UpdateFields")
	defer span.End()

	if len(fields) == 0 {
		return nil
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	assignments := make([]string, 0, len(fields)+1)
	for col, val := range fields {
		assignments = append(assignments, sb.Assign(col, val))
	}
	assignments = append(assignments, sb.Assign("updated_at", time.Now().UTC()))
	sb.Set(assignments...)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := database.Q(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Error("Failed to update entity fields")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
	}

	return nil
}

// TouchLastContacted bumps last_contacted_at on a sighting
func (r *Repository) TouchLastContacted(ctx context.Context, tenantID string, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.TouchLastContacted")
	defer span.End()

	query := `
		UPDATE entities
		SET last_contacted_at = GREATEST(COALESCE(last_contacted_at, $1), $1), updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND deleted_at IS NULL
	`

	if _, err := database.Q(ctx, r.db).ExecContext(ctx, query, at, time.Now().UTC(), tenantID, id); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Error("Failed to touch last_contacted_at")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	return nil
}

// Retire marks an entity as absorbed by the survivor. Setting
// deleted_at takes the row out of the partial unique index, so the
// address stays claimable by the surviving record.
func (r *Repository) Retire(ctx context.Context, tenantID string, id string, survivorID string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Retire")
	defer span.End()

	now := time.Now().UTC()
	query := `
		UPDATE entities
		SET merged_into = $1, deleted_at = $2, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND deleted_at IS NULL
	`

	result, err := database.Q(ctx, r.db).ExecContext(ctx, query, survivorID, now, tenantID, id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id, "survivor_id": survivorID}).Error("Failed to retire entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to retire entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
	}

	return nil
}

// ListActive retrieves a page of live entities of a type, ordered by
// creation so scan batches are stable
func (r *Repository) ListActive(ctx context.Context, tenantID string, entityType models.EntityType, limit, offset int) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListActive")
	defer span.End()

	if limit < 1 || limit > 1000 {
		limit = 500
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entities")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.IsNull("deleted_at"),
		sb.IsNull("merged_into"),
	)
	sb.OrderBy("created_at ASC", "id ASC")
	sb.Limit(limit)
	sb.Offset(offset)

	query, args := sb.Build()
	var entities []models.Entity
	if err := database.Q(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	return entities, nil
}

// CountActive returns the number of live entities of a type
func (r *Repository) CountActive(ctx context.Context, tenantID string, entityType models.EntityType) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CountActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("entities")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.IsNull("deleted_at"),
		sb.IsNull("merged_into"),
	)

	query, args := sb.Build()
	var count int
	if err := database.Q(ctx, r.db).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count entities")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count entities")
	}

	return count, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
