package models

import "time"

// IdentityHints carries whatever identifying fields a channel event
// provided. Any subset may be present; the resolver works with what it
// gets.
type IdentityHints struct {
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Mobile       string `json:"mobile,omitempty"`
	Handle       string `json:"handle,omitempty"`
	HandleSource string `json:"handle_source,omitempty"`

	// Stable per-channel subscriber id, e.g. a WhatsApp sender id
	SourceSubscriberID string `json:"source_subscriber_id,omitempty"`

	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Company     string `json:"company,omitempty"`
	Title       string `json:"title,omitempty"`
	Website     string `json:"website,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// IsEmpty reports whether no identifying field was provided at all
func (h *IdentityHints) IsEmpty() bool {
	return h.Email == "" && h.Phone == "" && h.Mobile == "" && h.Handle == "" && h.SourceSubscriberID == ""
}

// Provenance records where a sighting came from
type Provenance struct {
	Channel        string `json:"channel" validate:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// ChannelEvent is an inbound message sighting from a channel adapter
type ChannelEvent struct {
	TenantID   string        `json:"tenant_id"`
	EntityType EntityType    `json:"entity_type,omitempty"`
	Hints      IdentityHints `json:"hints"`
	Provenance Provenance    `json:"provenance"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// IdentifyRequest is the HTTP form of a channel sighting
type IdentifyRequest struct {
	EntityType EntityType    `json:"entity_type,omitempty"`
	Hints      IdentityHints `json:"hints"`
	Provenance Provenance    `json:"provenance" validate:"required"`
}

// ResolveResult is the outcome of a find-or-create pass
type ResolveResult struct {
	Entity  *Entity `json:"entity"`
	Created bool    `json:"created"`

	// Which hint matched the existing record: email, phone, handle,
	// provenance. Empty when a record was created.
	MatchedOn string `json:"matched_on,omitempty"`
}
