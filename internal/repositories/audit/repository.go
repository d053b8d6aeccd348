package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/models"
)

const columns = "id, tenant_id, action, entity_id, merged_entity_id, survivor_snapshot, loser_snapshot, field_resolutions, detail, actor_id, created_at"

// Repository handles the append-only audit trail
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create appends an audit entry
func (r *Repository) Create(ctx context.Context, entry *models.AuditEntry) (*models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.Create")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("audit_entries")
	sb.Cols("id", "tenant_id", "action", "entity_id", "merged_entity_id", "survivor_snapshot", "loser_snapshot", "field_resolutions", "detail", "actor_id", "created_at")
	sb.Values(entry.ID, entry.TenantID, entry.Action, entry.EntityID, entry.MergedEntityID, entry.SurvivorSnapshot, entry.LoserSnapshot, entry.FieldResolutions, entry.Detail, entry.ActorID, entry.CreatedAt)

	query, args := sb.Build()
	if _, err := database.Q(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"action": entry.Action, "entity_id": entry.EntityID}).Error("Failed to create audit entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create audit entry")
	}

	return entry, nil
}

// List retrieves audit entries, newest first, optionally filtered by
// entity or action
func (r *Repository) List(ctx context.Context, tenantID string, entityID string, action models.AuditAction, limit, offset int) ([]models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.List")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("audit_entries")
	where := []string{sb.Equal("tenant_id", tenantID)}
	if entityID != "" {
		where = append(where, sb.Or(sb.Equal("entity_id", entityID), sb.Equal("merged_entity_id", entityID)))
	}
	if action != "" {
		where = append(where, sb.Equal("action", action))
	}
	sb.Where(where...)
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)
	sb.Offset(offset)

	query, args := sb.Build()
	var entries []models.AuditEntry
	if err := database.Q(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit entries")
	}

	return entries, nil
}

// Count returns the number of audit entries matching the filter
func (r *Repository) Count(ctx context.Context, tenantID string, entityID string, action models.AuditAction) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.Count")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("audit_entries")
	where := []string{sb.Equal("tenant_id", tenantID)}
	if entityID != "" {
		where = append(where, sb.Or(sb.Equal("entity_id", entityID), sb.Equal("merged_entity_id", entityID)))
	}
	if action != "" {
		where = append(where, sb.Equal("action", action))
	}
	sb.Where(where...)

	query, args := sb.Build()
	var count int
	if err := database.Q(ctx, r.db).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count audit entries")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count audit entries")
	}

	return count, nil
}
