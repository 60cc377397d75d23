package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationStatus is the lifecycle state of a reservation in the read model.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "PENDING"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusCancelled ReservationStatus = "CANCELLED"
	StatusCompleted ReservationStatus = "COMPLETED"
	StatusExpired   ReservationStatus = "EXPIRED"
)

// ReservationStatuses returns all lifecycle states.
func ReservationStatuses() []ReservationStatus {
	return []ReservationStatus{
		StatusPending,
		StatusConfirmed,
		StatusCancelled,
		StatusCompleted,
		StatusExpired,
	}
}

// Valid reports whether s is a known status.
func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether a reservation in state s may move to next.
func (s ReservationStatus) CanTransition(next ReservationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusConfirmed || next == StatusCancelled || next == StatusExpired
	case StatusConfirmed:
		return next == StatusCompleted || next == StatusCancelled
	}
	return false
}

// ActiveStatuses are the states in which a reservation occupies its spot and
// therefore blocks overlapping bookings.
func ActiveStatuses() []ReservationStatus {
	return []ReservationStatus{StatusPending, StatusConfirmed}
}

// Reservation is the query-side row the projector maintains. CreatedAt and
// UpdatedAt are always derived from event timestamps, never from the clock at
// projection time, so a replay reproduces the table exactly.
type Reservation struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      uuid.UUID         `gorm:"type:uuid;not null;index:idx_reservations_tenant_user,priority:1;index:idx_reservations_tenant_status,priority:1" json:"tenant_id"`
	UserID        uuid.UUID         `gorm:"type:uuid;not null;index:idx_reservations_tenant_user,priority:2" json:"user_id"`
	ParkingSpotID string            `gorm:"size:255;not null;index:idx_reservations_spot_window,priority:1" json:"parking_spot_id"`
	StartTime     time.Time         `gorm:"not null;index:idx_reservations_spot_window,priority:2" json:"start_time"`
	EndTime       time.Time         `gorm:"not null;index:idx_reservations_spot_window,priority:3" json:"end_time"`
	DurationHours int               `gorm:"not null" json:"duration_hours"`
	TotalCost     decimal.Decimal   `gorm:"type:numeric(10,2);not null" json:"total_cost"`
	Status        ReservationStatus `gorm:"size:50;not null;index:idx_reservations_tenant_status,priority:2" json:"status"`
	TransactionID *uuid.UUID        `gorm:"type:uuid" json:"transaction_id,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName maps Reservation to the reservations table.
func (Reservation) TableName() string {
	return "reservations"
}
