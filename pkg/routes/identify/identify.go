package identify

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/fernhq/clover/internal/platform/appcontext"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/identity"
	"github.com/fernhq/clover/pkg/models"
)

var validate = validator.New()

// Register registers identity resolution routes
func Register(g *echo.Group) {
	g.POST("", Identify)
}

// Identify resolves a channel sighting to an entity, creating one when
// nothing matches. Returns 201 with the new record on creation, 200
// with the existing record otherwise.
func Identify(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identify_handler.Identify")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.IdentifyRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Hints.IsEmpty() {
		return httperror.NewHTTPError(http.StatusBadRequest, "at least one identifying hint is required")
	}

	ctx, resolver, err := ectoinject.GetContext[*identity.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "resolver unavailable")
	}

	result, err := resolver.Resolve(ctx, tenantID, &models.ChannelEvent{
		TenantID:   tenantID,
		EntityType: req.EntityType,
		Hints:      req.Hints,
		Provenance: req.Provenance,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, result)
}
