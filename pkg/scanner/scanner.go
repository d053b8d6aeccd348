// Package scanner finds likely duplicate entities by comparing them
// pairwise within blocking keys and recording scored match candidates.
package scanner

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/pkg/models"
	"github.com/fernhq/clover/pkg/normalizers"
)

// Per-field weights. Two strong identifiers agreeing clears the
// default threshold; a similar name alone never does.
const (
	weightEmail  = 40.0
	weightPhone  = 40.0
	weightHandle = 15.0
	weightName   = 20.0

	nameSimilarityFloor = 0.85
	maxScore            = 100.0
)

type entityLister interface {
	ListActive(ctx context.Context, tenantID string, entityType models.EntityType, limit, offset int) ([]models.Entity, error)
}

type candidateStore interface {
	Upsert(ctx context.Context, candidate *models.MatchCandidate) (bool, error)
}

type candidateEmitter interface {
	EmitMatchCandidate(ctx context.Context, candidate *models.MatchCandidate) error
}

// Config holds scanner tuning
type Config struct {
	ScoreThreshold float64
	BatchSize      int
}

// Scanner runs batch duplicate detection. It is read-only with respect
// to entities; its only writes are match candidate rows.
type Scanner struct {
	entities   entityLister
	candidates candidateStore
	emitter    candidateEmitter
	scorer     *Scorer
	logger     ectologger.Logger
	cfg        Config
}

// NewScanner creates a new duplicate scanner
func NewScanner(entities entityLister, candidates candidateStore, emitter candidateEmitter, logger ectologger.Logger, cfg Config) *Scanner {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 70
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Scanner{
		entities:   entities,
		candidates: candidates,
		emitter:    emitter,
		scorer:     NewScorer(),
		logger:     logger,
		cfg:        cfg,
	}
}

// Scan compares entities of one type pairwise within blocking keys and
// persists pairs scoring at or above the threshold
func (s *Scanner) Scan(ctx context.Context, tenantID string, entityType models.EntityType) (*models.ScanResult, error) {
	ctx, span := tracing.StartSpan(ctx, "scanner.Scanner.Scan")
	defer span.End()

	if entityType == "" {
		entityType = models.EntityTypeContact
	}

	entities, err := s.loadAll(ctx, tenantID, entityType)
	if err != nil {
		return nil, err
	}

	result := &models.ScanResult{EntitiesScanned: len(entities)}
	if len(entities) < 2 {
		return result, nil
	}

	blocks := make(map[string][]int)
	for i := range entities {
		for _, key := range s.blockingKeys(&entities[i]) {
			blocks[key] = append(blocks[key], i)
		}
	}

	seen := make(map[[2]int]bool)
	for _, members := range blocks {
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				i, j := members[x], members[y]
				if i > j {
					i, j = j, i
				}
				pair := [2]int{i, j}
				if seen[pair] {
					continue
				}
				seen[pair] = true
				result.PairsCompared++

				score, fields := s.scorePair(&entities[i], &entities[j])
				if score < s.cfg.ScoreThreshold {
					continue
				}

				candidate := &models.MatchCandidate{
					TenantID:        tenantID,
					EntityAID:       entities[i].ID,
					EntityBID:       entities[j].ID,
					EntityType:      entityType,
					SimilarityScore: score,
					MatchingFields:  fields,
				}

				created, err := s.candidates.Upsert(ctx, candidate)
				if err != nil {
					return nil, err
				}
				if created {
					result.CandidatesCreated++
					if s.emitter != nil {
						if emitErr := s.emitter.EmitMatchCandidate(ctx, candidate); emitErr != nil {
							s.logger.WithContext(ctx).WithError(emitErr).WithFields(map[string]any{"candidate_id": candidate.ID}).Warn("Failed to emit match.candidate event")
						}
					}
				} else {
					result.CandidatesUpdated++
				}
			}
		}
	}
	result.CandidatesSkipped = result.PairsCompared - result.CandidatesCreated - result.CandidatesUpdated

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":          tenantID,
		"entity_type":        entityType,
		"entities_scanned":   result.EntitiesScanned,
		"pairs_compared":     result.PairsCompared,
		"candidates_created": result.CandidatesCreated,
	}).Info("Duplicate scan completed")

	return result, nil
}

func (s *Scanner) loadAll(ctx context.Context, tenantID string, entityType models.EntityType) ([]models.Entity, error) {
	var all []models.Entity
	offset := 0
	for {
		batch, err := s.entities.ListActive(ctx, tenantID, entityType, s.cfg.BatchSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < s.cfg.BatchSize {
			return all, nil
		}
		offset += len(batch)
	}
}

// blockingKeys derives the keys an entity is grouped under. Two
// entities are only compared when they share at least one key.
func (s *Scanner) blockingKeys(e *models.Entity) []string {
	var keys []string

	for _, number := range phoneValues(e) {
		if digits := normalizers.DigitsOnly(number); digits != "" {
			keys = append(keys, "p:"+digits)
		}
	}
	if !e.SyntheticEmail {
		if local, _, found := strings.Cut(e.Email, "@"); found && local != "" {
			keys = append(keys, "e:"+local)
		}
	}
	if e.Handle != nil && *e.Handle != "" {
		source := ""
		if e.HandleSource != nil {
			source = *e.HandleSource
		}
		keys = append(keys, "h:"+*e.Handle+"@"+source)
	}
	if e.EntityType == models.EntityTypeContact && e.LastName != nil {
		if name := normalizers.Name(*e.LastName); name != "" {
			keys = append(keys, "s:"+s.scorer.Soundex(name))
		}
	} else if name := normalizers.Name(matchName(e)); name != "" {
		keys = append(keys, "s:"+s.scorer.Soundex(name))
		if len(name) >= 3 {
			keys = append(keys, "n:"+name[:3])
		}
	}

	return keys
}

// matchName is the name a record is compared and blocked on. Companies
// carry theirs in the company column, not the person name columns.
func matchName(e *models.Entity) string {
	if e.EntityType == models.EntityTypeCompany {
		if e.Company != nil {
			return *e.Company
		}
		return ""
	}
	return e.FullName()
}

// phoneValues collects the numbers a record can be matched on
func phoneValues(e *models.Entity) []string {
	var numbers []string
	if e.Phone != nil && *e.Phone != "" {
		numbers = append(numbers, *e.Phone)
	}
	if e.Mobile != nil && *e.Mobile != "" {
		numbers = append(numbers, *e.Mobile)
	}
	return numbers
}

// scorePair computes the weighted similarity of two entities and the
// fields that drove it
func (s *Scanner) scorePair(a, b *models.Entity) (float64, models.StringSlice) {
	var score float64
	var fields models.StringSlice

	// Live records can never share an email thanks to the unique
	// index, but a real address on one side can equal a placeholder
	// upgrade target captured before the index existed
	if a.Email != "" && a.Email == b.Email && !a.SyntheticEmail && !b.SyntheticEmail {
		score += weightEmail
		fields = append(fields, "email")
	}

	if phonesAgree(a, b) {
		score += weightPhone
		fields = append(fields, "phone")
	}

	if a.Handle != nil && b.Handle != nil && *a.Handle == *b.Handle && strEq(a.HandleSource, b.HandleSource) {
		score += weightHandle
		fields = append(fields, "handle")
	}

	nameA := normalizers.Name(matchName(a))
	nameB := normalizers.Name(matchName(b))
	if nameA != "" && nameB != "" {
		if jw := s.scorer.JaroWinkler(nameA, nameB); jw >= nameSimilarityFloor {
			score += weightName * jw
			fields = append(fields, "name")
		}
	}

	if score > maxScore {
		score = maxScore
	}
	return score, fields
}

func phonesAgree(a, b *models.Entity) bool {
	for _, na := range phoneValues(a) {
		for _, nb := range phoneValues(b) {
			if na == nb {
				return true
			}
		}
	}
	return false
}

func strEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
