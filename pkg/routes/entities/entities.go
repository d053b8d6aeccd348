package entities

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/fernhq/clover/internal/platform/appcontext"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/internal/repositories/entity"
	"github.com/fernhq/clover/pkg/models"
)

// Register registers entity read routes
func Register(g *echo.Group) {
	g.GET("/:entityType", List)
	g.GET("/:entityType/:id", Get)
}

func entityTypeParam(c echo.Context) (models.EntityType, error) {
	switch t := models.EntityType(c.Param("entityType")); t {
	case models.EntityTypeContact, models.EntityTypeCompany:
		return t, nil
	default:
		return "", httperror.NewHTTPError(http.StatusBadRequest, "unknown entity type")
	}
}

// List returns active records of a kind, newest first
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entities_handler.List")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	entityType, err := entityTypeParam(c)
	if err != nil {
		return err
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	items, err := repo.ListActive(ctx, tenantID, entityType, pageSize, (page-1)*pageSize)
	if err != nil {
		return err
	}
	totalCount, err := repo.CountActive(ctx, tenantID, entityType)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.EntityListResponse{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns an active record by id. A retired id answers 409 with a
// pointer to its survivor so stale links can be rewritten client-side
// instead of silently serving frozen data.
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entities_handler.Get")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	if _, err := entityTypeParam(c); err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	record, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		if !httperror.IsHTTPError(err) || httperror.GetStatusCode(err) != http.StatusNotFound {
			return err
		}
		retired, anyErr := repo.GetAny(ctx, tenantID, c.Param("id"))
		if anyErr != nil || !retired.IsRetired() || retired.MergedInto == nil {
			return err
		}
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("entity %s was merged into %s", retired.ID, *retired.MergedInto))
	}
	return c.JSON(http.StatusOK, record)
}
