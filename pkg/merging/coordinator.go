// Package merging collapses a confirmed duplicate pair into a single
// surviving record. The whole operation runs in one transaction so a
// failure at any step leaves both records and the candidate untouched.
package merging

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/models"
)

type entityStore interface {
	GetForUpdate(ctx context.Context, tenantID string, id string) (*models.Entity, error)
	UpdateFields(ctx context.Context, tenantID string, id string, fields map[string]any) error
	Retire(ctx context.Context, tenantID string, id string, survivorID string) error
}

type candidateStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.MatchCandidate, error)
	MarkMerged(ctx context.Context, tenantID string, id string, survivorID string, resolvedBy *string) error
	RepointEntity(ctx context.Context, tenantID string, retiredID, survivorID string) error
}

type referenceStore interface {
	RepointAll(ctx context.Context, tenantID string, retiredID, survivorID string) (map[string]int, error)
}

type auditStore interface {
	Create(ctx context.Context, entry *models.AuditEntry) (*models.AuditEntry, error)
}

type mergeEmitter interface {
	EmitEntityMerged(ctx context.Context, tenantID string, result *models.MergeResult) error
}

// Coordinator executes merges of match candidates
type Coordinator struct {
	entities   entityStore
	candidates candidateStore
	references referenceStore
	audits     auditStore
	emitter    mergeEmitter
	logger     ectologger.Logger

	begin func(ctx context.Context) (context.Context, database.Tx, error)
}

// NewCoordinator creates a new merge coordinator
func NewCoordinator(db database.DB, entities entityStore, candidates candidateStore, references referenceStore, audits auditStore, emitter mergeEmitter, logger ectologger.Logger) *Coordinator {
	return &Coordinator{
		entities:   entities,
		candidates: candidates,
		references: references,
		audits:     audits,
		emitter:    emitter,
		logger:     logger,
		begin: func(ctx context.Context) (context.Context, database.Tx, error) {
			return database.GetTx(ctx, logger, db, nil)
		},
	}
}

// Merge collapses the candidate's pair into the chosen survivor. Steps,
// all within one transaction: lock both records, reconcile fields,
// repoint activity references off the loser, retire the loser, apply
// the reconciled fields to the survivor, resolve the candidate, and
// write the audit entry with pre-merge snapshots. References are
// repointed before the loser is retired so no window exists where
// activity dangles from a dead record. The merged event is emitted
// only after commit.
func (c *Coordinator) Merge(ctx context.Context, tenantID string, req models.MergeRequest, actorID *string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Coordinator.Merge")
	defer span.End()

	if tenantID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	if req.CandidateID == "" || req.SurvivorID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "candidate id and survivor id are required")
	}

	// Rollback is armed with the pre-transaction context so it fires
	// on any early return; Commit makes it a no-op.
	origCtx := ctx
	ctx, tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rbErr := tx.Rollback(origCtx); rbErr != nil {
			c.logger.WithContext(origCtx).WithError(rbErr).Error("failed to roll back merge transaction")
		}
	}()

	candidate, err := c.candidates.Get(ctx, tenantID, req.CandidateID)
	if err != nil {
		return nil, err
	}
	if !candidate.IsOpen() {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, "candidate has already been resolved")
	}
	if !candidate.Involves(req.SurvivorID) {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "survivor is not part of the candidate pair")
	}
	loserID := candidate.Other(req.SurvivorID)

	survivor, loser, err := c.lockPair(ctx, tenantID, req.SurvivorID, loserID)
	if err != nil {
		return nil, err
	}
	if survivor.IsRetired() || loser.IsRetired() {
		return nil, httperror.NewHTTPError(http.StatusConflict, "one of the records was merged by another request, rescan and try again")
	}
	if survivor.EntityType != loser.EntityType {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, "cannot merge records of different kinds")
	}

	survivorSnapshot, err := json.Marshal(survivor)
	if err != nil {
		return nil, err
	}
	loserSnapshot, err := json.Marshal(loser)
	if err != nil {
		return nil, err
	}

	resolutions, updates, err := reconcile(survivor, loser, req.FieldOverrides)
	if err != nil {
		return nil, err
	}

	repointed, err := c.references.RepointAll(ctx, tenantID, loser.ID, survivor.ID)
	if err != nil {
		return nil, err
	}

	if err := c.entities.Retire(ctx, tenantID, loser.ID, survivor.ID); err != nil {
		return nil, err
	}

	// Field updates land only after the loser is retired: retiring drops
	// it out of the partial unique email index, so a taken-over address
	// is free by the time it is written onto the survivor.
	if len(updates) > 0 {
		if err := c.entities.UpdateFields(ctx, tenantID, survivor.ID, updates); err != nil {
			return nil, err
		}
	}

	if err := c.candidates.MarkMerged(ctx, tenantID, candidate.ID, survivor.ID, actorID); err != nil {
		return nil, err
	}
	if err := c.candidates.RepointEntity(ctx, tenantID, loser.ID, survivor.ID); err != nil {
		return nil, err
	}

	resolutionsJSON, err := json.Marshal(resolutions)
	if err != nil {
		return nil, err
	}
	entry, err := c.audits.Create(ctx, &models.AuditEntry{
		TenantID:         tenantID,
		Action:           models.AuditActionEntityMerged,
		EntityID:         survivor.ID,
		MergedEntityID:   &loser.ID,
		SurvivorSnapshot: survivorSnapshot,
		LoserSnapshot:    loserSnapshot,
		FieldResolutions: resolutionsJSON,
		ActorID:          actorID,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	result := &models.MergeResult{
		Survivor:     survivor,
		RetiredID:    loser.ID,
		Resolutions:  resolutions,
		Repointed:    repointed,
		AuditEntryID: entry.ID,
	}

	if c.emitter != nil {
		if err := c.emitter.EmitEntityMerged(origCtx, tenantID, result); err != nil {
			c.logger.WithContext(origCtx).WithError(err).Warn("failed to emit entity merged event")
		}
	}

	return result, nil
}

// lockPair row-locks both records in id order so two concurrent merges
// touching the same records cannot deadlock against each other.
func (c *Coordinator) lockPair(ctx context.Context, tenantID, survivorID, loserID string) (*models.Entity, *models.Entity, error) {
	ids := []string{survivorID, loserID}
	sort.Strings(ids)

	byID := map[string]*models.Entity{}
	for _, id := range ids {
		e, err := c.entities.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return nil, nil, err
		}
		byID[id] = e
	}
	return byID[survivorID], byID[loserID], nil
}

// reconcile decides each mergeable field and mutates the survivor in
// place. Default policy is non-destructive: the survivor keeps every
// value it has, the loser only fills gaps. Overrides let an operator
// force a value per field. The survivor's email is special-cased: a
// synthetic placeholder is treated as a gap so the loser's real
// address can replace it.
func reconcile(survivor, loser *models.Entity, overrides map[string]string) ([]models.FieldResolution, map[string]any, error) {
	fields := FieldsFor(survivor.EntityType)

	known := map[string]bool{"email": true}
	for _, f := range fields {
		known[f.Name] = true
	}
	for name := range overrides {
		if !known[name] {
			return nil, nil, httperror.NewHTTPError(http.StatusBadRequest, "unknown merge field override: "+name)
		}
	}

	resolutions := make([]models.FieldResolution, 0, len(fields)+1)
	updates := map[string]any{}

	if res, ok := resolveEmail(survivor, loser, overrides); ok {
		resolutions = append(resolutions, res)
		if res.Source != "survivor" {
			survivor.Email = res.ResolvedValue
			survivor.SyntheticEmail = false
			updates["email"] = res.ResolvedValue
			updates["synthetic_email"] = false
		}
	}

	for _, f := range fields {
		sv := f.Get(survivor)
		lv := f.Get(loser)

		res := models.FieldResolution{
			Field:         f.Name,
			SurvivorValue: sv,
			LoserValue:    lv,
		}

		switch {
		case hasOverride(overrides, f.Name):
			res.ResolvedValue = overrides[f.Name]
			res.Source = "override"
		case sv != "":
			res.ResolvedValue = sv
			res.Source = "survivor"
		case lv != "":
			res.ResolvedValue = lv
			res.Source = "loser"
		default:
			// Neither side has a value, nothing to record
			continue
		}

		if res.ResolvedValue != sv {
			f.Set(survivor, res.ResolvedValue)
			updates[f.Name] = res.ResolvedValue
		}
		resolutions = append(resolutions, res)
	}

	return resolutions, updates, nil
}

func resolveEmail(survivor, loser *models.Entity, overrides map[string]string) (models.FieldResolution, bool) {
	res := models.FieldResolution{
		Field:         "email",
		SurvivorValue: survivor.Email,
		LoserValue:    loser.Email,
	}

	switch {
	case hasOverride(overrides, "email"):
		res.ResolvedValue = overrides["email"]
		res.Source = "override"
	case survivor.SyntheticEmail && !loser.SyntheticEmail && loser.Email != "":
		res.ResolvedValue = loser.Email
		res.Source = "loser"
	default:
		res.ResolvedValue = survivor.Email
		res.Source = "survivor"
	}
	return res, true
}

func hasOverride(overrides map[string]string, name string) bool {
	if overrides == nil {
		return false
	}
	_, ok := overrides[name]
	return ok
}
