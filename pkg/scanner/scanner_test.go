package scanner

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fernhq/clover/pkg/models"
)

func newTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type fakeEntityLister struct {
	entities []models.Entity
}

func (f *fakeEntityLister) ListActive(_ context.Context, _ string, _ models.EntityType, limit, offset int) ([]models.Entity, error) {
	if offset >= len(f.entities) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.entities) {
		end = len(f.entities)
	}
	return f.entities[offset:end], nil
}

type fakeCandidateStore struct {
	candidates map[string]*models.MatchCandidate
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (f *fakeCandidateStore) Upsert(_ context.Context, c *models.MatchCandidate) (bool, error) {
	if f.candidates == nil {
		f.candidates = make(map[string]*models.MatchCandidate)
	}
	key := pairKey(c.EntityAID, c.EntityBID)
	if existing, ok := f.candidates[key]; ok {
		existing.SimilarityScore = c.SimilarityScore
		existing.MatchingFields = c.MatchingFields
		return false, nil
	}
	c.ID = uuid.New().String()
	f.candidates[key] = c
	return true, nil
}

type fakeCandidateEmitter struct {
	emitted int
}

func (f *fakeCandidateEmitter) EmitMatchCandidate(_ context.Context, _ *models.MatchCandidate) error {
	f.emitted++
	return nil
}

func contact(email string, synthetic bool, phone, handle, firstName, lastName string) models.Entity {
	e := models.Entity{
		ID:             uuid.New().String(),
		TenantID:       "tenant-1",
		EntityType:     models.EntityTypeContact,
		Email:          email,
		SyntheticEmail: synthetic,
	}
	if phone != "" {
		e.Phone = &phone
	}
	if handle != "" {
		e.Handle = &handle
		source := "instagram"
		e.HandleSource = &source
	}
	if firstName != "" {
		e.FirstName = &firstName
	}
	if lastName != "" {
		e.LastName = &lastName
	}
	return e
}

func newTestScanner(entities []models.Entity) (*Scanner, *fakeCandidateStore, *fakeCandidateEmitter) {
	store := &fakeCandidateStore{}
	emitter := &fakeCandidateEmitter{}
	s := NewScanner(&fakeEntityLister{entities: entities}, store, emitter, newTestLogger(), Config{
		ScoreThreshold: 70,
		BatchSize:      2,
	})
	return s, store, emitter
}

func TestScanFlagsStrongAgreement(t *testing.T) {
	a := contact("jane@work.com", false, "+15551234567", "jane_d", "Jane", "Doe")
	b := contact("jane@personal.com", false, "+15551234567", "jane_d", "Jane", "Doe")
	unrelated := contact("bob@example.com", false, "+15559990000", "", "Bob", "Smith")

	s, store, emitter := newTestScanner([]models.Entity{a, b, unrelated})

	result, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)

	assert.Equal(t, 3, result.EntitiesScanned)
	assert.Equal(t, 1, result.CandidatesCreated)
	assert.Equal(t, 1, emitter.emitted)

	candidate := store.candidates[pairKey(a.ID, b.ID)]
	require.NotNil(t, candidate)
	// phone 40 + handle 15 + identical name 20
	assert.InDelta(t, 75, candidate.SimilarityScore, 0.01)
	assert.ElementsMatch(t, []string{"phone", "handle", "name"}, []string(candidate.MatchingFields))
}

func TestScanNameSimilarityAloneNeverFlags(t *testing.T) {
	a := contact("jane.doe@work.com", false, "", "", "Jane", "Doe")
	b := contact("jdoe@personal.com", false, "", "", "Jane", "Doe")

	s, store, _ := newTestScanner([]models.Entity{a, b})

	result, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)

	// Compared via the name block, but 20 points cannot reach 70
	assert.Equal(t, 1, result.PairsCompared)
	assert.Equal(t, 0, result.CandidatesCreated)
	assert.Empty(t, store.candidates)
}

func TestScanSinglePhoneMatchBelowThreshold(t *testing.T) {
	a := contact("front-desk@clinic.com", false, "+15551234567", "", "Front", "Desk")
	b := contact("billing@clinic.com", false, "+15551234567", "", "Accounts", "Billing")

	s, store, _ := newTestScanner([]models.Entity{a, b})

	result, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)

	// A shared office line with unrelated names stays below threshold
	assert.Equal(t, 1, result.PairsCompared)
	assert.Empty(t, store.candidates)
	_ = result
}

func TestScanComparesPairOnceAcrossBlocks(t *testing.T) {
	// Same phone AND same handle AND same name: three shared blocks,
	// still one comparison and one candidate
	a := contact("jane@work.com", false, "+15551234567", "jane_d", "Jane", "Doe")
	b := contact("jane@home.com", false, "+15551234567", "jane_d", "Jane", "Doe")

	s, store, _ := newTestScanner([]models.Entity{a, b})

	result, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)

	assert.Equal(t, 1, result.PairsCompared)
	assert.Len(t, store.candidates, 1)
}

func TestScanRescanUpdatesInsteadOfDuplicating(t *testing.T) {
	a := contact("jane@work.com", false, "+15551234567", "jane_d", "Jane", "Doe")
	b := contact("jane@home.com", false, "+15551234567", "jane_d", "Jane", "Doe")

	s, store, emitter := newTestScanner([]models.Entity{a, b})

	first, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)
	assert.Equal(t, 1, first.CandidatesCreated)

	second, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)
	assert.Equal(t, 0, second.CandidatesCreated)
	assert.Equal(t, 1, second.CandidatesUpdated)

	assert.Len(t, store.candidates, 1)
	// Only the first detection announces the pair
	assert.Equal(t, 1, emitter.emitted)
}

func TestScanSyntheticEmailsNeverMatchOnEmail(t *testing.T) {
	a := contact("15551234567@phone.lead.local", true, "+15551234567", "", "", "")
	b := contact("15551234567@phone.lead.local", true, "+15551234567", "", "", "")

	s, store, _ := newTestScanner([]models.Entity{a, b})

	_, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)

	for _, c := range store.candidates {
		assert.NotContains(t, []string(c.MatchingFields), "email")
	}
}

func company(email string, synthetic bool, phone, name string) models.Entity {
	e := models.Entity{
		ID:             uuid.New().String(),
		TenantID:       "tenant-1",
		EntityType:     models.EntityTypeCompany,
		Email:          email,
		SyntheticEmail: synthetic,
	}
	if phone != "" {
		e.Phone = &phone
	}
	if name != "" {
		e.Company = &name
	}
	return e
}

func TestScoreCompanyNameContributes(t *testing.T) {
	a := company("info@acme.com", false, "+15551234567", "Acme Corporation")
	b := company("sales@acme.com", false, "+15551234567", "Acme Corporation")

	s, _, _ := newTestScanner(nil)

	score, fields := s.scorePair(&a, &b)
	// phone 40 + identical name 20
	assert.InDelta(t, 60, score, 0.01)
	assert.ElementsMatch(t, []string{"phone", "name"}, []string(fields))
}

func TestScanFlagsDuplicateCompanies(t *testing.T) {
	a := company("info@acme.com", false, "+15551234567", "Acme Corporation")
	b := company("info@acme.com", false, "+15551234567", "Acme Corp")

	s, store, _ := newTestScanner([]models.Entity{a, b})

	result, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeCompany)
	require.NoError(t, err)

	assert.Equal(t, 1, result.PairsCompared)
	assert.Equal(t, 1, result.CandidatesCreated)
	candidate := store.candidates[pairKey(a.ID, b.ID)]
	require.NotNil(t, candidate)
	assert.Contains(t, []string(candidate.MatchingFields), "name")
}

func TestScanMobileAgreesWithPhone(t *testing.T) {
	a := contact("jane@work.com", false, "+15551234567", "jane_d", "Jane", "Doe")
	b := contact("jane@home.com", false, "", "jane_d", "Jane", "Doe")
	mobile := "+15551234567"
	b.Mobile = &mobile

	s, store, _ := newTestScanner([]models.Entity{a, b})

	result, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)

	assert.Equal(t, 1, result.CandidatesCreated)
	candidate := store.candidates[pairKey(a.ID, b.ID)]
	require.NotNil(t, candidate)
	assert.Contains(t, []string(candidate.MatchingFields), "phone")
}

func TestScanEmptyTenant(t *testing.T) {
	s, store, _ := newTestScanner(nil)

	result, err := s.Scan(context.Background(), "tenant-1", models.EntityTypeContact)
	require.NoError(t, err)

	assert.Equal(t, 0, result.EntitiesScanned)
	assert.Equal(t, 0, result.PairsCompared)
	assert.Empty(t, store.candidates)
}

func TestScorerJaroWinkler(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.JaroWinkler("martha", "martha"))
	assert.InDelta(t, 0.961, s.JaroWinkler("martha", "marhta"), 0.001)
	assert.Equal(t, 0.0, s.JaroWinkler("abc", "xyz"))
}

func TestScorerSoundex(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, "R163", s.Soundex("Robert"))
	assert.Equal(t, s.Soundex("Robert"), s.Soundex("Rupert"))
	assert.Equal(t, s.Soundex("Smith"), s.Soundex("Smyth"))
}
