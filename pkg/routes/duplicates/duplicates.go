package duplicates

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Gobusters/ectologger"

	"github.com/fernhq/clover/internal/platform/appcontext"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/internal/repositories/matchcandidate"
	"github.com/fernhq/clover/pkg/merging"
	"github.com/fernhq/clover/pkg/models"
	"github.com/fernhq/clover/pkg/scanner"
)

var validate = validator.New()

// Register registers duplicate review routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.GET("/:id", Get)
	g.POST("/scan", Scan)
	g.POST("/:id/merge", Merge)
	g.POST("/:id/dismiss", Dismiss)
	g.POST("/:id/ignore", Ignore)
}

// List returns match candidates for review, newest strongest first
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.List")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	status := models.CandidateStatus(c.QueryParam("status"))
	if status == "" {
		status = models.CandidateStatusPending
	}
	entityID := c.QueryParam("entity_id")

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	if entityID != "" {
		items, err := repo.ListByEntity(ctx, tenantID, entityID, status)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, models.MatchCandidateListResponse{
			Items:      items,
			TotalCount: len(items),
			Page:       1,
			PageSize:   len(items),
		})
	}

	items, err := repo.List(ctx, tenantID, status, pageSize, (page-1)*pageSize)
	if err != nil {
		return err
	}
	totalCount, err := repo.Count(ctx, tenantID, status)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.MatchCandidateListResponse{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns a single match candidate
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.Get")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	candidate, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}

// ScanRequest selects which records a scan pass covers
type ScanRequest struct {
	EntityType models.EntityType `json:"entity_type,omitempty" query:"entity_type"`
}

// Scan runs a duplicate detection pass over the tenant's records and
// returns a summary of what it found.
func Scan(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.Scan")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.EntityType == "" {
		req.EntityType = models.EntityTypeContact
	}

	ctx, svc, err := ectoinject.GetContext[*scanner.Scanner](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "scanner unavailable")
	}

	result, err := svc.Scan(ctx, tenantID, req.EntityType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// MergeBody is the operator's merge decision for a candidate
type MergeBody struct {
	SurvivorID     string            `json:"survivor_id" validate:"required"`
	FieldOverrides map[string]string `json:"field_overrides,omitempty"`
}

// Merge collapses the candidate pair into the chosen survivor
func Merge(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "duplicates_handler.Merge")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var body MergeBody
	if err := c.Bind(&body); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(body); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, coordinator, err := ectoinject.GetContext[*merging.Coordinator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "merge coordinator unavailable")
	}

	var actorID *string
	if userID := appcontext.GetUserID(ctx); userID != "" {
		actorID = &userID
	}

	result, err := coordinator.Merge(ctx, tenantID, models.MergeRequest{
		CandidateID:    c.Param("id"),
		SurvivorID:     body.SurvivorID,
		FieldOverrides: body.FieldOverrides,
	}, actorID)
	if err != nil {
		return err
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{
			"candidate_id": c.Param("id"),
			"survivor_id":  result.Survivor.ID,
			"retired_id":   result.RetiredID,
		}).Info("Merged duplicate pair")
	}

	return c.JSON(http.StatusOK, result)
}

// Dismiss marks the candidate as not-a-duplicate; the pair will not be
// flagged again.
func Dismiss(c echo.Context) error {
	return resolveCandidate(c, "duplicates_handler.Dismiss", models.CandidateStatusDismissed)
}

// Ignore snoozes the candidate; a later scan with a stronger score
// re-surfaces it.
func Ignore(c echo.Context) error {
	return resolveCandidate(c, "duplicates_handler.Ignore", models.CandidateStatusIgnored)
}

func resolveCandidate(c echo.Context, spanName string, status models.CandidateStatus) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, spanName)
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "repository unavailable")
	}

	var actorID *string
	if userID := appcontext.GetUserID(ctx); userID != "" {
		actorID = &userID
	}

	if err := repo.UpdateStatusByID(ctx, tenantID, c.Param("id"), status, actorID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(status)})
}
