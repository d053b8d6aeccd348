package integration

import (
	"context"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/internal/repositories/audit"
	"github.com/fernhq/clover/internal/repositories/entity"
	"github.com/fernhq/clover/internal/repositories/matchcandidate"
	"github.com/fernhq/clover/internal/repositories/notification"
	"github.com/fernhq/clover/internal/repositories/reference"
	"github.com/fernhq/clover/pkg/identity"
	"github.com/fernhq/clover/pkg/merging"
	"github.com/fernhq/clover/pkg/models"
	"github.com/fernhq/clover/pkg/scanner"
)

func strPtr(s string) *string { return &s }

// testContext holds shared test context
type testContext struct {
	ctx      context.Context
	tenantID string

	db               database.DB
	entityRepo       *entity.Repository
	candidateRepo    *matchcandidate.Repository
	referenceRepo    *reference.Repository
	auditRepo        *audit.Repository
	notificationRepo *notification.Repository

	resolver    *identity.Resolver
	scanner     *scanner.Scanner
	coordinator *merging.Coordinator
}

// setupTestContext connects to the database named by TEST_DATABASE_URL.
// Tests are skipped when it is unset so the suite stays runnable
// without local infrastructure.
func setupTestContext(t *testing.T) *testContext {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	sqlDB, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	zapLogger, _ := zap.NewDevelopment()
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	tc := &testContext{
		ctx:      context.Background(),
		tenantID: "test-tenant-" + uuid.New().String()[:8],
		db:       database.NewDatabaseInstance(sqlDB, logger),
	}

	tc.entityRepo = entity.NewRepository(tc.db, logger)
	tc.candidateRepo = matchcandidate.NewRepository(tc.db, logger)
	tc.referenceRepo = reference.NewRepository(tc.db, logger)
	tc.auditRepo = audit.NewRepository(tc.db, logger)
	tc.notificationRepo = notification.NewRepository(tc.db, logger)

	tc.resolver = identity.NewResolver(tc.entityRepo, tc.auditRepo, tc.notificationRepo, nil, logger, identity.Config{
		DefaultCountryCode: "+1",
		SyntheticDomain:    "lead.local",
	})
	tc.scanner = scanner.NewScanner(tc.entityRepo, tc.candidateRepo, nil, logger, scanner.Config{})
	tc.coordinator = merging.NewCoordinator(tc.db, tc.entityRepo, tc.candidateRepo, tc.referenceRepo, tc.auditRepo, nil, logger)

	return tc
}

func (tc *testContext) ingest(t *testing.T, hints models.IdentityHints, channel string) *models.ResolveResult {
	t.Helper()
	result, err := tc.resolver.Resolve(tc.ctx, tc.tenantID, &models.ChannelEvent{
		TenantID:   tc.tenantID,
		EntityType: models.EntityTypeContact,
		Hints:      hints,
		Provenance: models.Provenance{Channel: channel},
	})
	require.NoError(t, err)
	return result
}

// A fresh email sighting creates a contact with the real address
func TestScenarioEmailCreatesContact(t *testing.T) {
	tc := setupTestContext(t)

	result := tc.ingest(t, models.IdentityHints{Email: "j@x.com"}, "web")

	assert.True(t, result.Created)
	assert.Equal(t, "j@x.com", result.Entity.Email)
	assert.False(t, result.Entity.SyntheticEmail)
}

// A differently formatted phone finds the contact created with the
// canonical form
func TestScenarioPhoneNormalizationMatches(t *testing.T) {
	tc := setupTestContext(t)

	first := tc.ingest(t, models.IdentityHints{Phone: "+15551234567"}, "sms")
	require.True(t, first.Created)

	second := tc.ingest(t, models.IdentityHints{Phone: "(555) 123-4567"}, "sms")

	assert.False(t, second.Created)
	assert.Equal(t, first.Entity.ID, second.Entity.ID)
	assert.Equal(t, "phone", second.MatchedOn)
}

// A handle-only sighting synthesizes a placeholder address in the
// handle's namespace
func TestScenarioHandleOnlySynthesizesEmail(t *testing.T) {
	tc := setupTestContext(t)

	result := tc.ingest(t, models.IdentityHints{Handle: "carla_ig", HandleSource: "instagram"}, "instagram")

	assert.True(t, result.Created)
	assert.True(t, result.Entity.SyntheticEmail)
	assert.Equal(t, "carla_ig@instagram.lead.local", result.Entity.Email)
}

// seedContact inserts a record directly, the way imported legacy data
// arrives with duplicates the resolver never saw
func (tc *testContext) seedContact(t *testing.T, e *models.Entity) *models.Entity {
	t.Helper()
	e.TenantID = tc.tenantID
	e.EntityType = models.EntityTypeContact
	inserted, ok, err := tc.entityRepo.InsertIfAbsent(tc.ctx, e)
	require.NoError(t, err)
	require.True(t, ok)
	return inserted
}

// Merging moves the loser's activities and phone onto the survivor and
// resolves the candidate
func TestScenarioMergeCollapsesDuplicates(t *testing.T) {
	tc := setupTestContext(t)

	a := tc.seedContact(t, &models.Entity{
		Email:     "dana@example.com",
		FirstName: strPtr("Dana"),
		LastName:  strPtr("Whitfield"),
	})
	b := tc.seedContact(t, &models.Entity{
		Email:     "d.whitfield@old-crm.example",
		Phone:     strPtr("+15559992222"),
		FirstName: strPtr("Dana"),
		LastName:  strPtr("Whitfield"),
	})

	// Attach an activity to the future loser
	_, err := tc.db.ExecContext(tc.ctx,
		`INSERT INTO activities (id, tenant_id, entity_id, kind) VALUES ($1, $2, $3, 'call')`,
		uuid.New().String(), tc.tenantID, b.ID)
	require.NoError(t, err)

	// Candidate flagged by an earlier review pass
	candidate := &models.MatchCandidate{
		TenantID:        tc.tenantID,
		EntityAID:       a.ID,
		EntityBID:       b.ID,
		EntityType:      models.EntityTypeContact,
		SimilarityScore: 92,
		MatchingFields:  models.StringSlice{"name"},
		Status:          models.CandidateStatusPending,
	}
	created, err := tc.candidateRepo.Upsert(tc.ctx, candidate)
	require.NoError(t, err)
	require.True(t, created)

	result, err := tc.coordinator.Merge(tc.ctx, tc.tenantID, models.MergeRequest{
		CandidateID: candidate.ID,
		SurvivorID:  a.ID,
	}, nil)
	require.NoError(t, err)

	// Loser's phone moved onto the survivor
	require.NotNil(t, result.Survivor.Phone)
	assert.Equal(t, "+15559992222", *result.Survivor.Phone)

	// Activities point at the survivor now
	var count int
	err = tc.db.GetContext(tc.ctx, &count,
		`SELECT COUNT(*) FROM activities WHERE tenant_id = $1 AND entity_id = $2`,
		tc.tenantID, b.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "no activity may still reference the retired record")

	// Candidate resolved
	merged, err := tc.candidateRepo.Get(tc.ctx, tc.tenantID, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CandidateStatusMerged, merged.Status)
	require.NotNil(t, merged.MergedInto)
	assert.Equal(t, a.ID, *merged.MergedInto)

	// The retired id is gone from the active read path and carries a
	// survivor pointer for explicit lookups
	_, err = tc.entityRepo.Get(tc.ctx, tc.tenantID, b.ID)
	require.Error(t, err)
	require.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))

	retired, err := tc.entityRepo.GetAny(tc.ctx, tc.tenantID, b.ID)
	require.NoError(t, err)
	require.True(t, retired.IsRetired())
	require.NotNil(t, retired.MergedInto)
	assert.Equal(t, a.ID, *retired.MergedInto)
}

// Concurrent ingestion of the same provenance yields one record and one
// first-contact notification
func TestScenarioConcurrentIngestionIsIdempotent(t *testing.T) {
	tc := setupTestContext(t)

	const workers = 8
	hints := models.IdentityHints{SourceSubscriberID: "wa-12345", DisplayName: "Carla Mendes"}

	var wg sync.WaitGroup
	ids := make([]string, workers)
	created := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := tc.resolver.Resolve(tc.ctx, tc.tenantID, &models.ChannelEvent{
				TenantID:   tc.tenantID,
				EntityType: models.EntityTypeContact,
				Hints:      hints,
				Provenance: models.Provenance{Channel: "whatsapp"},
			})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = result.Entity.ID
			created[i] = result.Created
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i], "every call must resolve to the same record")
	}
	for _, c := range created {
		if c {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one call may report creation")

	notes, err := tc.notificationRepo.ListUnread(tc.ctx, tc.tenantID, 50)
	require.NoError(t, err)
	assert.Len(t, notes, 1, "exactly one first-contact notification")
}

// Rescanning after a merge does not resurrect the pair
func TestScenarioRescanAfterMerge(t *testing.T) {
	tc := setupTestContext(t)

	a := tc.seedContact(t, &models.Entity{
		Email:     "sam@corp.example",
		Phone:     strPtr("+15553334444"),
		Handle:    strPtr("sam_o"),
		HandleSource: strPtr("slack"),
		FirstName: strPtr("Sam"),
		LastName:  strPtr("Ortiz"),
	})
	b := tc.seedContact(t, &models.Entity{
		Email:     "s.ortiz@old-crm.example",
		Phone:     strPtr("+15553334444"),
		Handle:    strPtr("sam_o"),
		HandleSource: strPtr("slack"),
		FirstName: strPtr("Sam"),
		LastName:  strPtr("Ortiz"),
	})

	summary0, err := tc.scanner.Scan(tc.ctx, tc.tenantID, models.EntityTypeContact)
	require.NoError(t, err)
	require.Equal(t, 1, summary0.CandidatesCreated)

	candidates, err := tc.candidateRepo.List(tc.ctx, tc.tenantID, models.CandidateStatusPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	_, err = tc.coordinator.Merge(tc.ctx, tc.tenantID, models.MergeRequest{
		CandidateID: candidates[0].ID,
		SurvivorID:  a.ID,
	}, nil)
	require.NoError(t, err)

	retired, err := tc.entityRepo.GetAny(tc.ctx, tc.tenantID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, retired.MergedInto)
	require.Equal(t, a.ID, *retired.MergedInto)

	summary, err := tc.scanner.Scan(tc.ctx, tc.tenantID, models.EntityTypeContact)
	require.NoError(t, err)
	assert.Zero(t, summary.CandidatesCreated, "the retired record must not be scanned again")

	pending, err := tc.candidateRepo.List(tc.ctx, tc.tenantID, models.CandidateStatusPending, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// A synthetic-email survivor takes over the loser's real address
// without tripping the unique email index
func TestScenarioMergeUpgradesSyntheticEmail(t *testing.T) {
	tc := setupTestContext(t)

	a := tc.seedContact(t, &models.Entity{
		Email:          "15558887777@phone.lead.local",
		SyntheticEmail: true,
		Phone:          strPtr("+15558887777"),
	})
	b := tc.seedContact(t, &models.Entity{
		Email:     "dana@example.com",
		Phone:     strPtr("+15558887777"),
		FirstName: strPtr("Dana"),
	})

	candidate := &models.MatchCandidate{
		TenantID:        tc.tenantID,
		EntityAID:       a.ID,
		EntityBID:       b.ID,
		EntityType:      models.EntityTypeContact,
		SimilarityScore: 80,
		MatchingFields:  models.StringSlice{"phone"},
		Status:          models.CandidateStatusPending,
	}
	created, err := tc.candidateRepo.Upsert(tc.ctx, candidate)
	require.NoError(t, err)
	require.True(t, created)

	result, err := tc.coordinator.Merge(tc.ctx, tc.tenantID, models.MergeRequest{
		CandidateID: candidate.ID,
		SurvivorID:  a.ID,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "dana@example.com", result.Survivor.Email)
	assert.False(t, result.Survivor.SyntheticEmail)

	// Future email sightings land on the survivor
	hit := tc.ingest(t, models.IdentityHints{Email: "dana@example.com"}, "email")
	assert.False(t, hit.Created)
	assert.Equal(t, a.ID, hit.Entity.ID)
}

// Candidates that still referenced the loser after a merge are resolved
// instead of dropped, and pairs against third parties survive
func TestScenarioMergeResolvesOverlappingCandidates(t *testing.T) {
	tc := setupTestContext(t)

	a := tc.seedContact(t, &models.Entity{Email: "lee@corp.example"})
	b := tc.seedContact(t, &models.Entity{Email: "lee@old-crm.example"})
	c := tc.seedContact(t, &models.Entity{Email: "lee@personal.example"})

	seed := func(x, y *models.Entity) *models.MatchCandidate {
		cand := &models.MatchCandidate{
			TenantID:        tc.tenantID,
			EntityAID:       x.ID,
			EntityBID:       y.ID,
			EntityType:      models.EntityTypeContact,
			SimilarityScore: 75,
			MatchingFields:  models.StringSlice{"name"},
			Status:          models.CandidateStatusPending,
		}
		created, err := tc.candidateRepo.Upsert(tc.ctx, cand)
		require.NoError(t, err)
		require.True(t, created)
		return cand
	}
	mergePair := seed(a, b)
	acPair := seed(a, c)
	bcPair := seed(b, c)

	_, err := tc.coordinator.Merge(tc.ctx, tc.tenantID, models.MergeRequest{
		CandidateID: mergePair.ID,
		SurvivorID:  a.ID,
	}, nil)
	require.NoError(t, err)

	// (b, c) collides with the surviving (a, c) pair: resolved as
	// merged, never deleted
	stale, err := tc.candidateRepo.Get(tc.ctx, tc.tenantID, bcPair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CandidateStatusMerged, stale.Status)
	require.NotNil(t, stale.MergedInto)
	assert.Equal(t, a.ID, *stale.MergedInto)

	// (a, c) is untouched and still awaiting review
	open, err := tc.candidateRepo.Get(tc.ctx, tc.tenantID, acPair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CandidateStatusPending, open.Status)
}
