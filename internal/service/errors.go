package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parkora/reservation-service/internal/model"
)

// ErrPaymentDeclined is returned by Confirm when the provider declines the
// charge. The PAYMENT_FAILED event is already committed by then.
var ErrPaymentDeclined = errors.New("payment declined")

// ErrUnknownSpot is returned by Create when the parking catalog has no such
// spot.
var ErrUnknownSpot = errors.New("unknown parking spot")

// SpotUnavailableError means the requested window overlaps active
// reservations on the same spot.
type SpotUnavailableError struct {
	SpotID      string
	ConflictIDs []uuid.UUID
}

func (e *SpotUnavailableError) Error() string {
	return fmt.Sprintf("parking spot %s is not available for the requested time window (%d conflicts)",
		e.SpotID, len(e.ConflictIDs))
}

// TransitionError means the reservation's current status does not allow the
// attempted operation.
type TransitionError struct {
	ID     uuid.UUID
	Status model.ReservationStatus
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s reservation with status: %s", e.Op, e.Status)
}
