package matchcandidate

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
	"github.com/pkg/errors"

	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/models"
)

const columns = "id, tenant_id, entity_a_id, entity_b_id, entity_type, similarity_score, matching_fields, status, merged_into, resolved_at, resolved_by, created_at, updated_at"

// Repository handles match candidate persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert records a suspected duplicate pair. The pair is unordered, so
// ids are stored in lexical order and re-scans update the existing row
// instead of creating a mirror. Merged and dismissed pairs are final;
// ignored pairs come back to pending when a re-scan flags them at least
// as strongly as before.
func (r *Repository) Upsert(ctx context.Context, candidate *models.MatchCandidate) (created bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Upsert")
	defer span.End()

	if candidate.EntityAID > candidate.EntityBID {
		candidate.EntityAID, candidate.EntityBID = candidate.EntityBID, candidate.EntityAID
	}
	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	if candidate.Status == "" {
		candidate.Status = models.CandidateStatusPending
	}

	query := `
		INSERT INTO match_candidates (id, tenant_id, entity_a_id, entity_b_id, entity_type, similarity_score, matching_fields, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (tenant_id, entity_a_id, entity_b_id) DO UPDATE SET
			similarity_score = EXCLUDED.similarity_score,
			matching_fields = EXCLUDED.matching_fields,
			status = CASE
				WHEN match_candidates.status = 'ignored' THEN 'pending'
				ELSE match_candidates.status
			END,
			updated_at = EXCLUDED.updated_at
		WHERE match_candidates.status = 'pending'
		OR (match_candidates.status = 'ignored' AND EXCLUDED.similarity_score >= match_candidates.similarity_score)
		RETURNING (created_at = updated_at) AS inserted
	`

	var inserted bool
	err = database.Q(ctx, r.db).GetContext(ctx, &inserted, query,
		candidate.ID, candidate.TenantID, candidate.EntityAID, candidate.EntityBID,
		candidate.EntityType, candidate.SimilarityScore, candidate.MatchingFields,
		candidate.Status, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict row is merged or dismissed; leave it alone
			return false, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_a_id": candidate.EntityAID, "entity_b_id": candidate.EntityBID}).Error("Failed to upsert match candidate")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert match candidate")
	}

	return inserted, nil
}

// Get retrieves a match candidate by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var candidate models.MatchCandidate
	if err := database.Q(ctx, r.db).GetContext(ctx, &candidate, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("match candidate %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get match candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match candidate")
	}

	return &candidate, nil
}

// GetByPair gets the candidate for two entities regardless of order.
// Returns nil without error when no candidate exists.
func (r *Repository) GetByPair(ctx context.Context, tenantID string, entityA, entityB string) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.GetByPair")
	defer span.End()

	query := `
		SELECT ` + columns + `
		FROM match_candidates
		WHERE tenant_id = $1
		AND ((entity_a_id = $2 AND entity_b_id = $3) OR (entity_a_id = $3 AND entity_b_id = $2))
		LIMIT 1
	`

	var candidate models.MatchCandidate
	if err := database.Q(ctx, r.db).GetContext(ctx, &candidate, query, tenantID, entityA, entityB); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get match candidate by pair")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match candidate")
	}

	return &candidate, nil
}

// List retrieves candidates filtered by status, highest score first
func (r *Repository) List(ctx context.Context, tenantID string, status models.CandidateStatus, limit, offset int) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.List")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")
	where := []string{sb.Equal("tenant_id", tenantID)}
	if status != "" {
		where = append(where, sb.Equal("status", status))
	}
	sb.Where(where...)
	sb.OrderBy("similarity_score DESC", "created_at DESC")
	sb.Limit(limit)
	sb.Offset(offset)

	query, args := sb.Build()
	var candidates []models.MatchCandidate
	if err := database.Q(ctx, r.db).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list match candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match candidates")
	}

	return candidates, nil
}

// Count returns the number of candidates with the given status
func (r *Repository) Count(ctx context.Context, tenantID string, status models.CandidateStatus) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Count")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("match_candidates")
	where := []string{sb.Equal("tenant_id", tenantID)}
	if status != "" {
		where = append(where, sb.Equal("status", status))
	}
	sb.Where(where...)

	query, args := sb.Build()
	var count int
	if err := database.Q(ctx, r.db).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count match candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count match candidates")
	}

	return count, nil
}

// ListByEntity retrieves candidates involving a specific entity
func (r *Repository) ListByEntity(ctx context.Context, tenantID string, entityID string, status models.CandidateStatus) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")

	where := []string{
		sb.Equal("tenant_id", tenantID),
		sb.Or(sb.Equal("entity_a_id", entityID), sb.Equal("entity_b_id", entityID)),
	}
	if status != "" {
		where = append(where, sb.Equal("status", status))
	}
	sb.Where(where...)
	sb.OrderBy("similarity_score DESC", "created_at DESC")

	query, args := sb.Build()
	var candidates []models.MatchCandidate
	if err := database.Q(ctx, r.db).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list match candidates by entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match candidates")
	}

	return candidates, nil
}

// UpdateStatusByID resolves a candidate by ID
func (r *Repository) UpdateStatusByID(ctx context.Context, tenantID string, id string, status models.CandidateStatus, resolvedBy *string) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.UpdateStatusByID")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("match_candidates")
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("resolved_at", now),
		sb.Assign("resolved_by", resolvedBy),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.CandidateStatusPending),
	)

	query, args := sb.Build()
	result, err := database.Q(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update match candidate status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update match candidate status")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, getErr := r.Get(ctx, tenantID, id); getErr == nil {
			return httperror.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("match candidate %s has already been resolved", id))
		}
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("match candidate %s not found", id))
	}

	return nil
}

// MarkMerged resolves a candidate as merged and records the survivor
func (r *Repository) MarkMerged(ctx context.Context, tenantID string, id string, survivorID string, resolvedBy *string) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.MarkMerged")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("match_candidates")
	sb.Set(
		sb.Assign("status", models.CandidateStatusMerged),
		sb.Assign("merged_into", survivorID),
		sb.Assign("resolved_at", now),
		sb.Assign("resolved_by", resolvedBy),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	result, err := database.Q(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark match candidate merged")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark match candidate merged")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("match candidate %s not found", id))
	}

	return nil
}

// RepointEntity rewrites open candidates that referenced a retired
// entity so they point at the survivor. Pairs that collapse onto the
// survivor, or that would duplicate an existing survivor pair, are
// resolved as merged rather than deleted.
func (r *Repository) RepointEntity(ctx context.Context, tenantID string, retiredID, survivorID string) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.RepointEntity")
	defer span.End()

	now := time.Now().UTC()

	// Self-pairs first, otherwise the rewrite below would create them
	selfQuery := `
		UPDATE match_candidates
		SET status = 'merged', merged_into = $1, resolved_at = $2, updated_at = $2
		WHERE tenant_id = $3
		AND status IN ('pending', 'ignored')
		AND ((entity_a_id = $4 AND entity_b_id = $1) OR (entity_a_id = $1 AND entity_b_id = $4))
	`
	if _, err := database.Q(ctx, r.db).ExecContext(ctx, selfQuery, survivorID, now, tenantID, retiredID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve self-pair candidates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint match candidates")
	}

	query := `
		UPDATE match_candidates
		SET entity_a_id = LEAST(CASE WHEN entity_a_id = $1 THEN $2 ELSE entity_a_id END, CASE WHEN entity_b_id = $1 THEN $2 ELSE entity_b_id END),
			entity_b_id = GREATEST(CASE WHEN entity_a_id = $1 THEN $2 ELSE entity_a_id END, CASE WHEN entity_b_id = $1 THEN $2 ELSE entity_b_id END),
			updated_at = $3
		WHERE tenant_id = $4
		AND status IN ('pending', 'ignored')
		AND (entity_a_id = $1 OR entity_b_id = $1)
		AND NOT EXISTS (
			SELECT 1 FROM match_candidates mc2
			WHERE mc2.tenant_id = $4
			AND mc2.entity_a_id = LEAST(CASE WHEN match_candidates.entity_a_id = $1 THEN $2 ELSE match_candidates.entity_a_id END, CASE WHEN match_candidates.entity_b_id = $1 THEN $2 ELSE match_candidates.entity_b_id END)
			AND mc2.entity_b_id = GREATEST(CASE WHEN match_candidates.entity_a_id = $1 THEN $2 ELSE match_candidates.entity_a_id END, CASE WHEN match_candidates.entity_b_id = $1 THEN $2 ELSE match_candidates.entity_b_id END)
		)
	`
	if _, err := database.Q(ctx, r.db).ExecContext(ctx, query, retiredID, survivorID, now, tenantID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint match candidates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint match candidates")
	}

	// Whatever still references the retired entity would collide with
	// an existing survivor pair. Resolve it as merged instead of
	// deleting so the review trail stays complete.
	cleanup := `
		UPDATE match_candidates
		SET status = 'merged', merged_into = $1, resolved_at = $2, updated_at = $2
		WHERE tenant_id = $3
		AND status IN ('pending', 'ignored')
		AND (entity_a_id = $4 OR entity_b_id = $4)
	`
	if _, err := database.Q(ctx, r.db).ExecContext(ctx, cleanup, survivorID, now, tenantID, retiredID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve stale match candidates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint match candidates")
	}

	return nil
}
