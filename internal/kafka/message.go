package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/felipemaragno/eventhooks/internal/domain"
)

// EventMessage is a domain event on the wire. TenantID is omitted for
// global events.
type EventMessage struct {
	TenantID *string         `json:"tenant_id,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// DecodeEvent parses and validates a message value.
func DecodeEvent(value []byte) (*EventMessage, domain.EventType, error) {
	var msg EventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, "", fmt.Errorf("unmarshal event: %w", err)
	}
	event, err := domain.ParseEventType(msg.Type)
	if err != nil {
		return nil, "", err
	}
	if len(msg.Data) > 0 && !json.Valid(msg.Data) {
		return nil, "", fmt.Errorf("%w: data is not valid JSON", domain.ErrInvalidInput)
	}
	return &msg, event, nil
}

// key partitions by tenant so one tenant's events stay ordered.
func (m EventMessage) key() []byte {
	if m.TenantID != nil {
		return []byte(*m.TenantID)
	}
	return []byte(m.Type)
}
