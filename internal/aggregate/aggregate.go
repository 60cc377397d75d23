// Package aggregate holds the pure reservation logic: creation-time
// validation, the snapshot payload written with RESERVATION_CREATED, and the
// fold step that turns an event into a state change. No I/O happens here.
package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/parkora/reservation-service/internal/model"
)

// ErrInvalidDuration rejects reservations outside 1..24 hours.
var ErrInvalidDuration = errors.New("duration must be between 1 and 24 hours")

// ErrNegativeCost rejects negative totals.
var ErrNegativeCost = errors.New("total cost must not be negative")

// ErrUnhandledEventType means the fold switch is missing a case. The event
// type set is closed, so hitting this is a programming error.
var ErrUnhandledEventType = errors.New("unhandled event type")

// ErrEmptyHistory means an aggregate was folded from zero events.
var ErrEmptyHistory = errors.New("aggregate has no events")

// ErrMalformedHistory means the event stream does not start with a creation
// event or a creation payload is missing required fields.
var ErrMalformedHistory = errors.New("malformed event history")

const (
	// MinDurationHours and MaxDurationHours bound a single reservation.
	MinDurationHours = 1
	MaxDurationHours = 24
)

// CreateCommand carries the caller-supplied fields of a new reservation.
type CreateCommand struct {
	TenantID      uuid.UUID
	UserID        uuid.UUID
	ParkingSpotID string
	StartTime     time.Time
	DurationHours int
	TotalCost     decimal.Decimal
}

// NewReservation validates cmd and builds the initial PENDING state. The end
// time is derived, never supplied.
func NewReservation(cmd CreateCommand) (*model.Reservation, error) {
	if cmd.DurationHours < MinDurationHours || cmd.DurationHours > MaxDurationHours {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDuration, cmd.DurationHours)
	}
	if cmd.TotalCost.IsNegative() {
		return nil, fmt.Errorf("%w: got %s", ErrNegativeCost, cmd.TotalCost)
	}
	if cmd.TenantID == uuid.Nil {
		return nil, errors.New("tenant id required")
	}
	if cmd.UserID == uuid.Nil {
		return nil, errors.New("user id required")
	}
	if cmd.ParkingSpotID == "" {
		return nil, errors.New("parking spot id required")
	}

	now := time.Now().UTC()
	start := cmd.StartTime.UTC()
	return &model.Reservation{
		ID:            uuid.New(),
		TenantID:      cmd.TenantID,
		UserID:        cmd.UserID,
		ParkingSpotID: cmd.ParkingSpotID,
		StartTime:     start,
		EndTime:       start.Add(time.Duration(cmd.DurationHours) * time.Hour),
		DurationHours: cmd.DurationHours,
		TotalCost:     cmd.TotalCost,
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// SnapshotPayload emits the complete read-model state of res. The creation
// event carries this, so a replay can rebuild the row without consulting
// anything but the log.
func SnapshotPayload(res *model.Reservation) datatypes.JSONMap {
	p := datatypes.JSONMap{
		model.PayloadID:            res.ID.String(),
		model.PayloadTenantID:      res.TenantID.String(),
		model.PayloadUserID:        res.UserID.String(),
		model.PayloadParkingSpotID: res.ParkingSpotID,
		model.PayloadStartTime:     res.StartTime.UTC().Format(time.RFC3339Nano),
		model.PayloadEndTime:       res.EndTime.UTC().Format(time.RFC3339Nano),
		model.PayloadDurationHours: res.DurationHours,
		model.PayloadTotalCost:     res.TotalCost.String(),
		model.PayloadStatus:        string(res.Status),
		model.PayloadCreatedAt:     res.CreatedAt.UTC().Format(time.RFC3339Nano),
		model.PayloadUpdatedAt:     res.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if res.TransactionID != nil {
		p[model.PayloadTransactionID] = res.TransactionID.String()
	}
	return p
}

// Apply folds one event into res. For a creation event res starts zero and
// is filled from the snapshot payload; for everything else only status,
// transaction reference and updated_at move. UpdatedAt always comes from the
// event's own timestamp so that replaying old events reproduces old rows.
func Apply(res *model.Reservation, evt *model.Event) error {
	switch evt.EventType {
	case model.EventReservationCreated:
		return applyCreated(res, evt)
	case model.EventReservationConfirmed:
		applyStatus(res, evt, model.StatusConfirmed)
	case model.EventReservationCancelled:
		applyStatus(res, evt, model.StatusCancelled)
	case model.EventReservationCompleted:
		applyStatus(res, evt, model.StatusCompleted)
	case model.EventReservationExpired:
		applyStatus(res, evt, model.StatusExpired)
	case model.EventPaymentProcessed:
		if id, ok := payloadUUID(evt.Payload, model.PayloadTransactionID); ok {
			res.TransactionID = &id
		}
		applyStatus(res, evt, model.StatusConfirmed)
	case model.EventPaymentFailed:
		applyStatus(res, evt, model.StatusCancelled)
	default:
		return fmt.Errorf("%w: %q", ErrUnhandledEventType, evt.EventType)
	}
	return nil
}

func applyStatus(res *model.Reservation, evt *model.Event, implied model.ReservationStatus) {
	status := implied
	if s, ok := payloadString(evt.Payload, model.PayloadStatus); ok {
		if parsed := model.ReservationStatus(s); parsed.Valid() {
			status = parsed
		}
	}
	res.Status = status
	res.UpdatedAt = evt.CreatedAt
}

func applyCreated(res *model.Reservation, evt *model.Event) error {
	id, ok := payloadUUID(evt.Payload, model.PayloadID)
	if !ok {
		id = evt.AggregateID
	}
	userID, ok := payloadUUID(evt.Payload, model.PayloadUserID)
	if !ok {
		return fmt.Errorf("%w: creation payload missing user_id", ErrMalformedHistory)
	}
	spotID, ok := payloadString(evt.Payload, model.PayloadParkingSpotID)
	if !ok || spotID == "" {
		return fmt.Errorf("%w: creation payload missing parking_spot_id", ErrMalformedHistory)
	}
	start, ok := payloadTime(evt.Payload, model.PayloadStartTime)
	if !ok {
		return fmt.Errorf("%w: creation payload missing start_time", ErrMalformedHistory)
	}
	hours, ok := payloadInt(evt.Payload, model.PayloadDurationHours)
	if !ok {
		return fmt.Errorf("%w: creation payload missing duration_hours", ErrMalformedHistory)
	}

	end, ok := payloadTime(evt.Payload, model.PayloadEndTime)
	if !ok {
		end = start.Add(time.Duration(hours) * time.Hour)
	}
	cost, ok := payloadDecimal(evt.Payload, model.PayloadTotalCost)
	if !ok {
		cost = decimal.Zero
	}
	createdAt, ok := payloadTime(evt.Payload, model.PayloadCreatedAt)
	if !ok {
		createdAt = evt.CreatedAt
	}

	res.ID = id
	res.TenantID = evt.TenantID
	res.UserID = userID
	res.ParkingSpotID = spotID
	res.StartTime = start
	res.EndTime = end
	res.DurationHours = hours
	res.TotalCost = cost
	res.Status = model.StatusPending
	if s, ok := payloadString(evt.Payload, model.PayloadStatus); ok {
		if parsed := model.ReservationStatus(s); parsed.Valid() {
			res.Status = parsed
		}
	}
	if txn, ok := payloadUUID(evt.Payload, model.PayloadTransactionID); ok {
		res.TransactionID = &txn
	}
	res.CreatedAt = createdAt
	res.UpdatedAt = createdAt
	if updated, ok := payloadTime(evt.Payload, model.PayloadUpdatedAt); ok {
		res.UpdatedAt = updated
	}
	return nil
}

// FromEvents folds a full history into current state. The stream must start
// with the creation event; later events only move status and payment fields.
func FromEvents(evts []model.Event) (*model.Reservation, error) {
	if len(evts) == 0 {
		return nil, ErrEmptyHistory
	}
	if evts[0].EventType != model.EventReservationCreated {
		return nil, fmt.Errorf("%w: history starts with %s", ErrMalformedHistory, evts[0].EventType)
	}
	var res model.Reservation
	for i := range evts {
		if err := Apply(&res, &evts[i]); err != nil {
			return nil, err
		}
	}
	return &res, nil
}
