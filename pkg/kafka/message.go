package kafka

import (
	"encoding/json"
	"time"

	"github.com/fernhq/clover/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	ChannelEvent *models.ChannelEvent
}

// ParseChannelEvent parses the message value as a channel sighting
func (m *IncomingMessage) ParseChannelEvent() error {
	var event models.ChannelEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return err
	}
	m.ChannelEvent = &event
	return nil
}

// GetTenantID returns the tenant ID from the event or headers
func (m *IncomingMessage) GetTenantID() string {
	if m.ChannelEvent != nil && m.ChannelEvent.TenantID != "" {
		return m.ChannelEvent.TenantID
	}
	return m.Headers["tenant_id"]
}

// GetChannel returns the source channel for this sighting
func (m *IncomingMessage) GetChannel() string {
	if m.ChannelEvent != nil {
		return m.ChannelEvent.Provenance.Channel
	}
	return m.Headers["channel"]
}

// GetEntityType returns the target entity type, defaulting to contact
func (m *IncomingMessage) GetEntityType() models.EntityType {
	if m.ChannelEvent != nil && m.ChannelEvent.EntityType != "" {
		return m.ChannelEvent.EntityType
	}
	return models.EntityTypeContact
}
