// Package reference repoints foreign keys from a retired entity to the
// survivor across every table that references entities.
package reference

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/internal/platform/tracing"
)

// Reference names a table column that points at entities.id
type Reference struct {
	Table  string
	Column string
}

// DefaultReferences is the registry of activity tables that carry an
// entity foreign key. Merges rewrite every one of these. audit_entries
// is deliberately absent: history keeps pointing at the record it was
// written about, and the merge entry itself links loser to survivor.
var DefaultReferences = []Reference{
	{Table: "activities", Column: "entity_id"},
	{Table: "conversations", Column: "entity_id"},
	{Table: "notes", Column: "entity_id"},
	{Table: "tasks", Column: "entity_id"},
	{Table: "deals", Column: "entity_id"},
	{Table: "notifications", Column: "entity_id"},
}

// Repository rewrites entity references
type Repository struct {
	db         database.DB
	logger     ectologger.Logger
	references []Reference
}

// NewRepository creates a reference repository over the default registry
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:         db,
		logger:     logger,
		references: DefaultReferences,
	}
}

// NewRepositoryWithReferences creates a reference repository over a
// custom registry
func NewRepositoryWithReferences(db database.DB, logger ectologger.Logger, refs []Reference) *Repository {
	return &Repository{
		db:         db,
		logger:     logger,
		references: refs,
	}
}

// RepointAll rewrites every registered reference from the retired
// entity to the survivor. Returns per-table row counts. Meant to run
// inside the merge transaction so a failed table rolls the whole
// operation back.
func (r *Repository) RepointAll(ctx context.Context, tenantID string, retiredID, survivorID string) (map[string]int, error) {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.RepointAll")
	defer span.End()

	counts := make(map[string]int, len(r.references))
	for _, ref := range r.references {
		query := fmt.Sprintf(
			"UPDATE %s SET %s = $1 WHERE tenant_id = $2 AND %s = $3",
			ref.Table, ref.Column, ref.Column,
		)

		result, err := database.Q(ctx, r.db).ExecContext(ctx, query, survivorID, tenantID, retiredID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": ref.Table}).Error("Failed to repoint entity references")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to repoint references in %s", ref.Table))
		}

		rows, _ := result.RowsAffected()
		if rows > 0 {
			counts[ref.Table] = int(rows)
		}
	}

	return counts, nil
}
