package notifications

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhq/clover/internal/platform/appcontext"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/internal/repositories/notification"
)

// Register registers notification routes
func Register(g *echo.Group) {
	g.GET("", ListUnread)
	g.POST("/:id/read", MarkRead)
}

// ListUnread returns unread operator notifications, newest first
func ListUnread(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "notifications_handler.ListUnread")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	ctx, repo, err := ectoinject.GetContext[*notification.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	items, err := repo.ListUnread(ctx, tenantID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

// MarkRead acknowledges a notification
func MarkRead(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "notifications_handler.MarkRead")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*notification.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	if err := repo.MarkRead(ctx, tenantID, c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "read"})
}
