package models

import (
	"strings"
	"time"
)

// EntityType discriminates the records the resolver manages
type EntityType string

const (
	EntityTypeContact EntityType = "contact"
	EntityTypeCompany EntityType = "company"
)

// Entity is a resolved identity record (contact or company).
// Field order matches schema: id, tenant_id, entity_type, email, phone, ...
type Entity struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	EntityType EntityType `json:"entity_type" db:"entity_type"`

	// Identity fields. Email is the unique key; when a channel only
	// provides a phone or handle, a synthetic email is stored here.
	Email          string  `json:"email" db:"email"`
	SyntheticEmail bool    `json:"synthetic_email" db:"synthetic_email"`
	Phone          *string `json:"phone,omitempty" db:"phone"`
	Mobile         *string `json:"mobile,omitempty" db:"mobile"`
	Handle         *string `json:"handle,omitempty" db:"handle"`
	HandleSource   *string `json:"handle_source,omitempty" db:"handle_source"`

	// Profile fields
	FirstName *string `json:"first_name,omitempty" db:"first_name"`
	LastName  *string `json:"last_name,omitempty" db:"last_name"`
	Company   *string `json:"company,omitempty" db:"company"`
	Title     *string `json:"title,omitempty" db:"title"`
	Website   *string `json:"website,omitempty" db:"website"`
	Address   *string `json:"address,omitempty" db:"address"`
	AvatarURL *string `json:"avatar_url,omitempty" db:"avatar_url"`
	Notes     *string `json:"notes,omitempty" db:"notes"`

	// Provenance of the first sighting. The (channel, subscriber id)
	// pair is an identity signal of its own.
	SourceChannel          *string `json:"source_channel,omitempty" db:"source_channel"`
	SourceSubscriberID     *string `json:"source_subscriber_id,omitempty" db:"source_subscriber_id"`
	ExternalConversationID *string `json:"external_conversation_id,omitempty" db:"external_conversation_id"`

	LastContactedAt *time.Time `json:"last_contacted_at,omitempty" db:"last_contacted_at"`

	// Set when this record was retired by a merge; points at the survivor
	MergedInto *string `json:"merged_into,omitempty" db:"merged_into"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsRetired reports whether the record was absorbed into another one
func (e *Entity) IsRetired() bool {
	return e.MergedInto != nil
}

// FullName joins the name parts, skipping absent ones
func (e *Entity) FullName() string {
	parts := make([]string, 0, 2)
	if e.FirstName != nil && *e.FirstName != "" {
		parts = append(parts, *e.FirstName)
	}
	if e.LastName != nil && *e.LastName != "" {
		parts = append(parts, *e.LastName)
	}
	return strings.Join(parts, " ")
}

// EntityListResponse is the response for listing entities
type EntityListResponse struct {
	Items      []Entity `json:"items"`
	TotalCount int      `json:"total_count"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
}
