package merging

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/pkg/models"
)

func newTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// fakeTx satisfies database.Tx by embedding the interface; only the
// lifecycle methods are implemented.
type fakeTx struct {
	database.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) IsOpen() bool { return !t.committed && !t.rolledBack }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed || t.rolledBack {
		return nil
	}
	t.rolledBack = true
	return nil
}

// opLog records the order of mutating calls so tests can assert that
// references move off the loser before it is retired.
type opLog struct {
	ops []string
}

func (l *opLog) record(op string) {
	l.ops = append(l.ops, op)
}

type fakeEntityStore struct {
	entities  map[string]*models.Entity
	log       *opLog
	lockOrder []string
	updates   map[string]map[string]any
	retireErr error
}

func (s *fakeEntityStore) GetForUpdate(ctx context.Context, tenantID, id string) (*models.Entity, error) {
	s.lockOrder = append(s.lockOrder, id)
	e, ok := s.entities[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}
	return e, nil
}

func (s *fakeEntityStore) UpdateFields(ctx context.Context, tenantID, id string, fields map[string]any) error {
	s.log.record("update:" + id)
	if s.updates == nil {
		s.updates = map[string]map[string]any{}
	}
	s.updates[id] = fields
	return nil
}

func (s *fakeEntityStore) Retire(ctx context.Context, tenantID, id, survivorID string) error {
	if s.retireErr != nil {
		return s.retireErr
	}
	s.log.record("retire:" + id)
	now := time.Now()
	s.entities[id].MergedInto = &survivorID
	s.entities[id].DeletedAt = &now
	return nil
}

type fakeCandidateStore struct {
	candidates map[string]*models.MatchCandidate
	log        *opLog
	repointed  bool
}

func (s *fakeCandidateStore) Get(ctx context.Context, tenantID, id string) (*models.MatchCandidate, error) {
	c, ok := s.candidates[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "match candidate not found")
	}
	return c, nil
}

func (s *fakeCandidateStore) MarkMerged(ctx context.Context, tenantID, id, survivorID string, resolvedBy *string) error {
	s.log.record("candidate-merged:" + id)
	c := s.candidates[id]
	c.Status = models.CandidateStatusMerged
	c.MergedInto = &survivorID
	c.ResolvedBy = resolvedBy
	return nil
}

func (s *fakeCandidateStore) RepointEntity(ctx context.Context, tenantID, retiredID, survivorID string) error {
	s.repointed = true
	return nil
}

type fakeReferenceStore struct {
	log       *opLog
	repointed map[string]int
}

func (s *fakeReferenceStore) RepointAll(ctx context.Context, tenantID, retiredID, survivorID string) (map[string]int, error) {
	s.log.record("repoint:" + retiredID)
	return s.repointed, nil
}

type fakeAuditStore struct {
	entries []*models.AuditEntry
}

func (s *fakeAuditStore) Create(ctx context.Context, entry *models.AuditEntry) (*models.AuditEntry, error) {
	entry.ID = "audit-1"
	entry.CreatedAt = time.Now()
	s.entries = append(s.entries, entry)
	return entry, nil
}

type fakeMergeEmitter struct {
	tx      *fakeTx
	emitted []*models.MergeResult

	// tx state observed at emit time, to check ordering against commit
	committedAtEmit bool
}

func (e *fakeMergeEmitter) EmitEntityMerged(ctx context.Context, tenantID string, result *models.MergeResult) error {
	e.emitted = append(e.emitted, result)
	e.committedAtEmit = e.tx.committed
	return nil
}

type fixture struct {
	coordinator *Coordinator
	tx          *fakeTx
	entities    *fakeEntityStore
	candidates  *fakeCandidateStore
	references  *fakeReferenceStore
	audits      *fakeAuditStore
	emitter     *fakeMergeEmitter
	log         *opLog
}

func newFixture(entities []*models.Entity, candidates []*models.MatchCandidate) *fixture {
	log := &opLog{}
	tx := &fakeTx{}

	entityStore := &fakeEntityStore{entities: map[string]*models.Entity{}, log: log}
	for _, e := range entities {
		entityStore.entities[e.ID] = e
	}

	candidateStore := &fakeCandidateStore{candidates: map[string]*models.MatchCandidate{}, log: log}
	for _, c := range candidates {
		candidateStore.candidates[c.ID] = c
	}

	refStore := &fakeReferenceStore{log: log, repointed: map[string]int{"conversations": 3, "notes": 1}}
	auditStore := &fakeAuditStore{}
	emitter := &fakeMergeEmitter{tx: tx}

	c := NewCoordinator(nil, entityStore, candidateStore, refStore, auditStore, emitter, newTestLogger())
	c.begin = func(ctx context.Context) (context.Context, database.Tx, error) {
		return ctx, tx, nil
	}

	return &fixture{
		coordinator: c,
		tx:          tx,
		entities:    entityStore,
		candidates:  candidateStore,
		references:  refStore,
		audits:      auditStore,
		emitter:     emitter,
		log:         log,
	}
}

func strPtr(s string) *string { return &s }

func contact(id, email string, synthetic bool) *models.Entity {
	return &models.Entity{
		ID:             id,
		TenantID:       "tenant-1",
		EntityType:     models.EntityTypeContact,
		Email:          email,
		SyntheticEmail: synthetic,
	}
}

func pendingCandidate(id, a, b string) *models.MatchCandidate {
	return &models.MatchCandidate{
		ID:         id,
		TenantID:   "tenant-1",
		EntityAID:  a,
		EntityBID:  b,
		EntityType: models.EntityTypeContact,
		Status:     models.CandidateStatusPending,
	}
}

func TestMergeCollapsesPair(t *testing.T) {
	survivor := contact("ent-a", "15551234567@phone.lead.local", true)
	survivor.Phone = strPtr("+15551234567")
	survivor.FirstName = strPtr("Dana")

	loser := contact("ent-b", "dana@example.com", false)
	loser.LastName = strPtr("Whitfield")
	loser.Title = strPtr("VP Sales")

	f := newFixture(
		[]*models.Entity{survivor, loser},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	actor := strPtr("user-7")
	result, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, actor)
	require.NoError(t, err)

	// Real email replaces the synthetic placeholder
	assert.Equal(t, "dana@example.com", result.Survivor.Email)
	assert.False(t, result.Survivor.SyntheticEmail)

	// Loser fills the gaps, survivor keeps what it had
	assert.Equal(t, "Dana", *result.Survivor.FirstName)
	assert.Equal(t, "Whitfield", *result.Survivor.LastName)
	assert.Equal(t, "VP Sales", *result.Survivor.Title)
	assert.Equal(t, "+15551234567", *result.Survivor.Phone)

	assert.Equal(t, "ent-b", result.RetiredID)
	assert.True(t, loser.IsRetired())
	assert.Equal(t, "ent-a", *loser.MergedInto)

	assert.Equal(t, models.CandidateStatusMerged, f.candidates.candidates["cand-1"].Status)
	assert.Equal(t, actor, f.candidates.candidates["cand-1"].ResolvedBy)
	assert.True(t, f.candidates.repointed)

	assert.Equal(t, map[string]int{"conversations": 3, "notes": 1}, result.Repointed)
	assert.Equal(t, "audit-1", result.AuditEntryID)

	assert.True(t, f.tx.committed)
	assert.False(t, f.tx.rolledBack)
}

func TestMergeRepointsReferencesBeforeRetiring(t *testing.T) {
	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), contact("ent-b", "b@example.com", false)},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.NoError(t, err)

	repointAt, retireAt := -1, -1
	for i, op := range f.log.ops {
		switch op {
		case "repoint:ent-b":
			repointAt = i
		case "retire:ent-b":
			retireAt = i
		}
	}
	require.NotEqual(t, -1, repointAt)
	require.NotEqual(t, -1, retireAt)
	assert.Less(t, repointAt, retireAt, "references must move off the loser before it is retired")
}

func TestMergeRetiresLoserBeforeTakingItsEmail(t *testing.T) {
	survivor := contact("ent-a", "15551234567@phone.lead.local", true)
	loser := contact("ent-b", "dana@example.com", false)

	f := newFixture(
		[]*models.Entity{survivor, loser},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	result, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "dana@example.com", result.Survivor.Email)

	// The survivor claims the loser's address, which stays unique only
	// while one live row holds it. The loser must leave the live set
	// before the update lands.
	retireAt, updateAt := -1, -1
	for i, op := range f.log.ops {
		switch op {
		case "retire:ent-b":
			retireAt = i
		case "update:ent-a":
			updateAt = i
		}
	}
	require.NotEqual(t, -1, retireAt)
	require.NotEqual(t, -1, updateAt)
	assert.Less(t, retireAt, updateAt, "the loser must be retired before its email moves to the survivor")

	assert.Equal(t, "dana@example.com", f.entities.updates["ent-a"]["email"])
	assert.Equal(t, false, f.entities.updates["ent-a"]["synthetic_email"])
}

func TestMergeSurvivorIsNonDestructive(t *testing.T) {
	survivor := contact("ent-a", "dana@example.com", false)
	survivor.Phone = strPtr("+15550001111")
	survivor.Company = strPtr("Acme")

	loser := contact("ent-b", "d.whitfield@corp.example", false)
	loser.Phone = strPtr("+15559992222")
	loser.Company = strPtr("Acme Inc")
	loser.Website = strPtr("acme.example")

	f := newFixture(
		[]*models.Entity{survivor, loser},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	result, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.NoError(t, err)

	// Populated survivor fields are untouched, only gaps are filled
	assert.Equal(t, "dana@example.com", result.Survivor.Email)
	assert.Equal(t, "+15550001111", *result.Survivor.Phone)
	assert.Equal(t, "Acme", *result.Survivor.Company)
	assert.Equal(t, "acme.example", *result.Survivor.Website)

	sources := map[string]string{}
	for _, r := range result.Resolutions {
		sources[r.Field] = r.Source
	}
	assert.Equal(t, "survivor", sources["email"])
	assert.Equal(t, "survivor", sources["phone"])
	assert.Equal(t, "survivor", sources["company"])
	assert.Equal(t, "loser", sources["website"])
}

func TestMergeFieldOverrides(t *testing.T) {
	survivor := contact("ent-a", "a@example.com", false)
	survivor.Title = strPtr("Engineer")
	loser := contact("ent-b", "b@example.com", false)
	loser.Title = strPtr("Manager")

	f := newFixture(
		[]*models.Entity{survivor, loser},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	result, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID:    "cand-1",
		SurvivorID:     "ent-a",
		FieldOverrides: map[string]string{"title": "Director"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Director", *result.Survivor.Title)

	var titleRes *models.FieldResolution
	for i := range result.Resolutions {
		if result.Resolutions[i].Field == "title" {
			titleRes = &result.Resolutions[i]
		}
	}
	require.NotNil(t, titleRes)
	assert.Equal(t, "override", titleRes.Source)
	assert.Equal(t, "Engineer", titleRes.SurvivorValue)
	assert.Equal(t, "Manager", titleRes.LoserValue)
}

func TestMergeRejectsUnknownOverrideField(t *testing.T) {
	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), contact("ent-b", "b@example.com", false)},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID:    "cand-1",
		SurvivorID:     "ent-a",
		FieldOverrides: map[string]string{"tenant_id": "evil"},
	}, nil)
	require.Error(t, err)

	assert.False(t, f.tx.committed)
	assert.True(t, f.tx.rolledBack)
	assert.False(t, f.entities.entities["ent-b"].IsRetired())
}

func TestMergeRejectsResolvedCandidate(t *testing.T) {
	cand := pendingCandidate("cand-1", "ent-a", "ent-b")
	cand.Status = models.CandidateStatusDismissed

	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), contact("ent-b", "b@example.com", false)},
		[]*models.MatchCandidate{cand},
	)

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.Error(t, err)
	assert.False(t, f.tx.committed)
	assert.Empty(t, f.emitter.emitted)
}

func TestMergeRejectsSurvivorOutsidePair(t *testing.T) {
	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), contact("ent-b", "b@example.com", false)},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-c",
	}, nil)
	require.Error(t, err)
	assert.False(t, f.tx.committed)
}

func TestMergeDetectsConcurrentMerge(t *testing.T) {
	loser := contact("ent-b", "b@example.com", false)
	loser.MergedInto = strPtr("ent-z")

	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), loser},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.Error(t, err)

	require.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

	assert.False(t, f.tx.committed)
	assert.True(t, f.tx.rolledBack)
}

func TestMergeFailureRollsBackAndLeavesCandidatePending(t *testing.T) {
	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), contact("ent-b", "b@example.com", false)},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)
	f.entities.retireErr = httperror.NewHTTPError(http.StatusInternalServerError, "disk on fire")

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.Error(t, err)

	assert.False(t, f.tx.committed)
	assert.True(t, f.tx.rolledBack)
	assert.Empty(t, f.emitter.emitted)
	assert.Empty(t, f.audits.entries)
}

func TestMergeLocksInIDOrder(t *testing.T) {
	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), contact("ent-b", "b@example.com", false)},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	// Survivor sorts after the loser, locks must still go in id order
	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-b",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"ent-a", "ent-b"}, f.entities.lockOrder)
	assert.Equal(t, "ent-b", *f.entities.entities["ent-a"].MergedInto)
}

func TestMergeWritesAuditSnapshots(t *testing.T) {
	survivor := contact("ent-a", "15551234567@phone.lead.local", true)
	loser := contact("ent-b", "dana@example.com", false)

	f := newFixture(
		[]*models.Entity{survivor, loser},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.NoError(t, err)

	require.Len(t, f.audits.entries, 1)
	entry := f.audits.entries[0]
	assert.Equal(t, models.AuditActionEntityMerged, entry.Action)
	assert.Equal(t, "ent-a", entry.EntityID)
	assert.Equal(t, "ent-b", *entry.MergedEntityID)

	// Snapshots capture the pre-merge state, before the email upgrade
	var snap models.Entity
	require.NoError(t, json.Unmarshal(entry.SurvivorSnapshot, &snap))
	assert.Equal(t, "15551234567@phone.lead.local", snap.Email)
	assert.True(t, snap.SyntheticEmail)

	var resolutions []models.FieldResolution
	require.NoError(t, json.Unmarshal(entry.FieldResolutions, &resolutions))
	assert.NotEmpty(t, resolutions)
}

func TestMergeEmitsEventAfterCommit(t *testing.T) {
	f := newFixture(
		[]*models.Entity{contact("ent-a", "a@example.com", false), contact("ent-b", "b@example.com", false)},
		[]*models.MatchCandidate{pendingCandidate("cand-1", "ent-a", "ent-b")},
	)

	_, err := f.coordinator.Merge(context.Background(), "tenant-1", models.MergeRequest{
		CandidateID: "cand-1",
		SurvivorID:  "ent-a",
	}, nil)
	require.NoError(t, err)

	require.Len(t, f.emitter.emitted, 1)
	assert.True(t, f.emitter.committedAtEmit, "merged event must not fire before the transaction commits")
}

func TestReconcileCompanyFieldSet(t *testing.T) {
	survivor := &models.Entity{
		ID:         "co-a",
		TenantID:   "tenant-1",
		EntityType: models.EntityTypeCompany,
		Email:      "hello@acme.example",
		Company:    strPtr("Acme"),
	}
	loser := &models.Entity{
		ID:         "co-b",
		TenantID:   "tenant-1",
		EntityType: models.EntityTypeCompany,
		Email:      "sales@acme.example",
		Website:    strPtr("acme.example"),
		FirstName:  strPtr("should-not-transfer"),
	}

	resolutions, updates, err := reconcile(survivor, loser, nil)
	require.NoError(t, err)

	assert.Equal(t, "acme.example", *survivor.Website)
	assert.Nil(t, survivor.FirstName, "person fields are not mergeable on companies")
	assert.Equal(t, "acme.example", updates["website"])

	for _, r := range resolutions {
		assert.NotEqual(t, "first_name", r.Field)
	}
}
