package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is a pending publication of one stored event. Rows are
// written in the same transaction as the event itself and drained to the
// broker by the poller, so delivery is at-least-once; EventID carries a
// unique index to keep one outbox row per event.
type OutboxMessage struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex" json:"event_id"`
	AggregateID uuid.UUID  `gorm:"type:uuid;not null" json:"aggregate_id"`
	EventType   EventType  `gorm:"size:100;not null" json:"event_type"`
	TenantID    uuid.UUID  `gorm:"type:uuid;not null" json:"tenant_id"`
	Payload     string     `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	Processed   bool       `gorm:"index;default:false" json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// TableName maps OutboxMessage to the event_outbox table.
func (OutboxMessage) TableName() string {
	return "event_outbox"
}

// NewOutboxMessage wraps a stored event for publication. The payload is the
// full event envelope, so consumers never need a second lookup.
func NewOutboxMessage(evt *Event) (*OutboxMessage, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		EventID:     evt.ID,
		AggregateID: evt.AggregateID,
		EventType:   evt.EventType,
		TenantID:    evt.TenantID,
		Payload:     string(body),
	}, nil
}
