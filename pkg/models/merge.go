package models

// MergeRequest asks the coordinator to collapse a candidate pair.
// The survivor keeps its id; the other record is retired into it.
type MergeRequest struct {
	CandidateID string `json:"candidate_id" validate:"required"`
	SurvivorID  string `json:"survivor_id" validate:"required"`

	// Optional per-field overrides: field name to the value the
	// operator picked. Fields not listed follow the default policy
	// (survivor wins when it has a value, loser fills the gaps).
	FieldOverrides map[string]string `json:"field_overrides,omitempty"`
}

// FieldResolution records how one field was decided during a merge
type FieldResolution struct {
	Field         string `json:"field"`
	SurvivorValue string `json:"survivor_value,omitempty"`
	LoserValue    string `json:"loser_value,omitempty"`
	ResolvedValue string `json:"resolved_value,omitempty"`

	// survivor, loser, or override
	Source string `json:"source"`
}

// MergeResult contains the outcome of a merge operation
type MergeResult struct {
	Survivor    *Entity           `json:"survivor"`
	RetiredID   string            `json:"retired_id"`
	Resolutions []FieldResolution `json:"resolutions"`

	// Activity rows repointed from the retired record, by table
	Repointed map[string]int `json:"repointed,omitempty"`

	AuditEntryID string `json:"audit_entry_id"`
}
