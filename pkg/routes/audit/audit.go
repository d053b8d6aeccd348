package audit

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhq/clover/internal/platform/appcontext"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/internal/repositories/audit"
	"github.com/fernhq/clover/pkg/models"
)

// Register registers audit trail routes
func Register(g *echo.Group) {
	g.GET("", List)
}

// List returns audit entries, newest first. An entity_id filter matches
// both the surviving and the retired side of merge entries.
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "audit_handler.List")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	entityID := c.QueryParam("entity_id")
	action := models.AuditAction(c.QueryParam("action"))

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	ctx, repo, err := ectoinject.GetContext[*audit.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	items, err := repo.List(ctx, tenantID, entityID, action, pageSize, (page-1)*pageSize)
	if err != nil {
		return err
	}
	totalCount, err := repo.Count(ctx, tenantID, entityID, action)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.AuditListResponse{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}
