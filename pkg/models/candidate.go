package models

import "time"

// CandidateStatus tracks the lifecycle of a suspected duplicate pair
type CandidateStatus string

const (
	CandidateStatusPending   CandidateStatus = "pending"
	CandidateStatusMerged    CandidateStatus = "merged"
	CandidateStatusDismissed CandidateStatus = "dismissed"
	CandidateStatusIgnored   CandidateStatus = "ignored"
)

// MatchCandidate is a suspected duplicate pair produced by the scanner.
// The pair is unordered: (a, b) and (b, a) are the same candidate.
type MatchCandidate struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	EntityAID string `json:"entity_a_id" db:"entity_a_id"`
	EntityBID string `json:"entity_b_id" db:"entity_b_id"`

	EntityType EntityType `json:"entity_type" db:"entity_type"`

	// 0-100, higher means more likely the same person
	SimilarityScore float64 `json:"similarity_score" db:"similarity_score"`

	// Which fields contributed to the score, e.g. ["email", "name"]
	MatchingFields StringSlice `json:"matching_fields" db:"matching_fields"`

	Status CandidateStatus `json:"status" db:"status"`

	// Survivor id once the pair was merged
	MergedInto *string `json:"merged_into,omitempty" db:"merged_into"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy *string    `json:"resolved_by,omitempty" db:"resolved_by"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the candidate still awaits a decision
func (c *MatchCandidate) IsOpen() bool {
	return c.Status == CandidateStatusPending
}

// Involves reports whether the given entity is one side of the pair
func (c *MatchCandidate) Involves(entityID string) bool {
	return c.EntityAID == entityID || c.EntityBID == entityID
}

// Other returns the opposite side of the pair from the given entity
func (c *MatchCandidate) Other(entityID string) string {
	if c.EntityAID == entityID {
		return c.EntityBID
	}
	return c.EntityAID
}

// MatchCandidateListResponse is the response for listing candidates
type MatchCandidateListResponse struct {
	Items      []MatchCandidate `json:"items"`
	TotalCount int              `json:"total_count"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
}

// ScanResult summarizes a duplicate scan run
type ScanResult struct {
	EntitiesScanned   int `json:"entities_scanned"`
	PairsCompared     int `json:"pairs_compared"`
	CandidatesCreated int `json:"candidates_created"`
	CandidatesUpdated int `json:"candidates_updated"`
	CandidatesSkipped int `json:"candidates_skipped"`
}
