package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventType identifies what happened to a reservation aggregate.
type EventType string

const (
	EventReservationCreated   EventType = "RESERVATION_CREATED"
	EventReservationConfirmed EventType = "RESERVATION_CONFIRMED"
	EventReservationCancelled EventType = "RESERVATION_CANCELLED"
	EventReservationCompleted EventType = "RESERVATION_COMPLETED"
	EventReservationExpired   EventType = "RESERVATION_EXPIRED"
	EventPaymentProcessed     EventType = "PAYMENT_PROCESSED"
	EventPaymentFailed        EventType = "PAYMENT_FAILED"
)

// AggregateReservation is the only aggregate type this service records.
const AggregateReservation = "Reservation"

// EventTypes returns all event types the store can hold.
func EventTypes() []EventType {
	return []EventType{
		EventReservationCreated,
		EventReservationConfirmed,
		EventReservationCancelled,
		EventReservationCompleted,
		EventReservationExpired,
		EventPaymentProcessed,
		EventPaymentFailed,
	}
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventReservationCreated, EventReservationConfirmed, EventReservationCancelled,
		EventReservationCompleted, EventReservationExpired,
		EventPaymentProcessed, EventPaymentFailed:
		return true
	}
	return false
}

// Event is one immutable entry in the append-only event store. Versions are
// contiguous per aggregate starting at 1; the unique index on
// (aggregate_id, version) is what turns two concurrent writers into exactly
// one winner.
type Event struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	AggregateID   uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:ux_events_aggregate_version,priority:1" json:"aggregate_id"`
	AggregateType string            `gorm:"size:100;not null" json:"aggregate_type"`
	EventType     EventType         `gorm:"size:100;not null;index:idx_events_tenant_type,priority:2" json:"event_type"`
	Version       int               `gorm:"not null;uniqueIndex:ux_events_aggregate_version,priority:2" json:"version"`
	Payload       datatypes.JSONMap `gorm:"not null" json:"payload"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	TenantID      uuid.UUID         `gorm:"type:uuid;not null;index:idx_events_tenant_type,priority:1" json:"tenant_id"`
	CreatedAt     time.Time         `gorm:"not null;autoCreateTime:false;index" json:"created_at"`
}

// TableName maps Event to the event_store table.
func (Event) TableName() string {
	return "event_store"
}
