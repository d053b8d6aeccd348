package notification

import (
	"context"
	"fmt"
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

const columns = "id, tenant_id, kind, entity_id, channel, message, read_at, created_at"

// Repository handles operator notifications
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create stores a notification
func (r *Repository) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	ctx, span := tracing.StartSpan(ctx, "notification.Repository.Create")
	defer span.End()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("notifications")
	sb.Cols("id", "tenant_id", "kind", "entity_id", "channel", "message", "created_at")
	sb.Values(n.ID, n.TenantID, n.Kind, n.EntityID, n.Channel, n.Message, n.CreatedAt)

	query, args := sb.Build()
	if _, err := database.Q(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": n.Kind, "entity_id": n.EntityID}).Error("Failed to create notification")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create notification")
	}

	return n, nil
}

// ListUnread retrieves unread notifications, newest first
func (r *Repository) ListUnread(ctx context.Context, tenantID string, limit int) ([]models.Notification, error) {
	ctx, span := tracing.StartSpan(ctx, "notification.Repository.ListUnread")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("notifications")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("read_at"),
	)
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var notifications []models.Notification
	if err := database.Q(ctx, r.db).SelectContext(ctx, &notifications, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list notifications")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list notifications")
	}

	return notifications, nil
}

// MarkRead marks a notification as read
func (r *Repository) MarkRead(ctx context.Context, tenantID string, id string) error {
	ctx, span := tracing.StartSpan(ctx, "notification.Repository.MarkRead")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("notifications")
	sb.Set(sb.Assign("read_at", time.Now().UTC()))
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("read_at"),
	)

	query, args := sb.Build()
	result, err := database.Q(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark notification read")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark notification read")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("notification %s not found", id))
	}

	return nil
}
