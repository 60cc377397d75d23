package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/parkora/reservation-service/internal/aggregate"
	"github.com/parkora/reservation-service/internal/clients/parking"
	"github.com/parkora/reservation-service/internal/clients/payment"
	"github.com/parkora/reservation-service/internal/eventstore"
	"github.com/parkora/reservation-service/internal/metrics"
	"github.com/parkora/reservation-service/internal/model"
	"github.com/parkora/reservation-service/internal/projection"
	"github.com/parkora/reservation-service/internal/repo"
)

// PaymentProcessor is the slice of the payment client Confirm needs.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, req payment.Request) (*payment.Result, error)
}

// SpotCatalog is the slice of the parking client Create needs.
type SpotCatalog interface {
	GetSpot(ctx context.Context, spotID string) (*parking.Spot, error)
}

const (
	sourceAPI   = "http_api"
	sourceSweep = "expiry_sweep"
)

// ReservationService runs every command as one transaction: guards, event
// append, projection and outbox insert commit together or not at all. Redis
// is only touched after a commit.
type ReservationService struct {
	repo      repo.RepositoryInterface
	store     *eventstore.Store
	projector *projection.Projector
	rebuilder *projection.Rebuilder
	payment   PaymentProcessor
	spots     SpotCatalog
	log       *zap.SugaredLogger

	retryTries    uint
	retryInterval time.Duration
}

// NewReservationService wires the command side. payment and spots may be nil
// to disable charging and the create-time catalog check.
func NewReservationService(
	r repo.RepositoryInterface,
	store *eventstore.Store,
	proj *projection.Projector,
	reb *projection.Rebuilder,
	pay PaymentProcessor,
	spots SpotCatalog,
	logger *zap.SugaredLogger,
) *ReservationService {
	return &ReservationService{
		repo:          r,
		store:         store,
		projector:     proj,
		rebuilder:     reb,
		payment:       pay,
		spots:         spots,
		log:           logger,
		retryTries:    3,
		retryInterval: 10 * time.Millisecond,
	}
}

// SetRetry overrides the bounded retry applied to version conflicts.
func (s *ReservationService) SetRetry(tries uint, initial time.Duration) {
	if tries > 0 {
		s.retryTries = tries
	}
	if initial > 0 {
		s.retryInterval = initial
	}
}

// withRetry reruns fn, guards included, while it keeps losing version races.
// Everything else fails immediately; exhausting the attempts surfaces the
// conflict to the caller.
func (s *ReservationService) withRetry(ctx context.Context, op string, fn func() error) error {
	work := func() (struct{}, error) {
		err := fn()
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, eventstore.ErrVersionConflict):
			metrics.VersionConflicts.WithLabelValues(op).Inc()
			s.log.Warnw("version conflict, retrying command", "op", op)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	_, err := backoff.Retry(ctx, work,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.retryTries))
	return err
}

func commandMetadata(source string) datatypes.JSONMap {
	return datatypes.JSONMap{"source": source}
}

// enqueueOutbox stores the event envelope for the poller, inside tx.
func (s *ReservationService) enqueueOutbox(ctx context.Context, tx *gorm.DB, evt *model.Event) error {
	msg, err := model.NewOutboxMessage(evt)
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxMessage(ctx, tx, msg)
}

// warmCache refreshes Redis after a commit; failures only warn.
func (s *ReservationService) warmCache(ctx context.Context, res *model.Reservation) {
	if res == nil {
		return
	}
	if err := s.repo.CacheReservation(ctx, res); err != nil {
		s.log.Warnw("cache write failed", "reservation_id", res.ID, "err", err)
	}
}

// CreateInput carries the caller-supplied fields of a new reservation.
type CreateInput struct {
	UserID        uuid.UUID
	ParkingSpotID string
	StartTime     time.Time
	DurationHours int
	TotalCost     decimal.Decimal
}

// Create validates the request, refuses windows overlapping an active
// reservation on the same spot, and records RESERVATION_CREATED with a full
// snapshot payload.
func (s *ReservationService) Create(ctx context.Context, tenantID uuid.UUID, in CreateInput) (*model.Reservation, error) {
	res, err := aggregate.NewReservation(aggregate.CreateCommand{
		TenantID:      tenantID,
		UserID:        in.UserID,
		ParkingSpotID: in.ParkingSpotID,
		StartTime:     in.StartTime,
		DurationHours: in.DurationHours,
		TotalCost:     in.TotalCost,
	})
	if err != nil {
		return nil, err
	}

	if s.spots != nil {
		if _, err := s.spots.GetSpot(ctx, in.ParkingSpotID); err != nil {
			if errors.Is(err, parking.ErrSpotNotFound) {
				return nil, ErrUnknownSpot
			}
			// the catalog being down must not block bookings
			s.log.Warnw("spot check skipped", "spot_id", in.ParkingSpotID, "err", err)
		}
	}

	var row *model.Reservation
	err = s.repo.InTenantTransaction(ctx, tenantID, func(tx *gorm.DB) error {
		conflicts, err := s.repo.OverlappingReservations(ctx, tx, tenantID, res.ParkingSpotID, res.StartTime, res.EndTime)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			ids := make([]uuid.UUID, len(conflicts))
			for i := range conflicts {
				ids[i] = conflicts[i].ID
			}
			return &SpotUnavailableError{SpotID: res.ParkingSpotID, ConflictIDs: ids}
		}

		evt := &model.Event{
			AggregateID: res.ID,
			TenantID:    tenantID,
			EventType:   model.EventReservationCreated,
			Payload:     aggregate.SnapshotPayload(res),
			Metadata:    commandMetadata(sourceAPI),
		}
		if err := s.store.Append(ctx, tx, evt); err != nil {
			return err
		}
		projected, err := s.projector.Apply(ctx, tx, evt)
		if err != nil {
			return err
		}
		row = projected
		return s.enqueueOutbox(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("reservation created",
		"reservation_id", row.ID, "tenant_id", tenantID,
		"spot_id", row.ParkingSpotID, "start", row.StartTime)
	s.warmCache(ctx, row)
	return row, nil
}

// transition runs one guarded status change: load the row, check the edge,
// append the event, project, enqueue. Retried on version conflicts.
func (s *ReservationService) transition(
	ctx context.Context,
	op string,
	tenantID, id uuid.UUID,
	target model.ReservationStatus,
	et model.EventType,
	extra datatypes.JSONMap,
	source string,
) (*model.Reservation, error) {
	var row *model.Reservation
	err := s.withRetry(ctx, op, func() error {
		row = nil
		return s.repo.InTenantTransaction(ctx, tenantID, func(tx *gorm.DB) error {
			res, err := s.repo.GetReservation(ctx, tx, tenantID, id)
			if err != nil {
				return err
			}
			if !res.Status.CanTransition(target) {
				return &TransitionError{ID: id, Status: res.Status, Op: op}
			}

			payload := datatypes.JSONMap{
				model.PayloadID:     id.String(),
				model.PayloadStatus: string(target),
			}
			for k, v := range extra {
				payload[k] = v
			}
			evt := &model.Event{
				AggregateID: id,
				TenantID:    tenantID,
				EventType:   et,
				Payload:     payload,
				Metadata:    commandMetadata(source),
			}
			if err := s.store.Append(ctx, tx, evt); err != nil {
				return err
			}
			projected, err := s.projector.Apply(ctx, tx, evt)
			if err != nil {
				return err
			}
			row = projected
			return s.enqueueOutbox(ctx, tx, evt)
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("reservation status changed",
		"reservation_id", id, "tenant_id", tenantID, "status", target, "op", op)
	s.warmCache(ctx, row)
	return row, nil
}

// Confirm moves a PENDING reservation to CONFIRMED by recording the payment.
// With txnRef the charge already happened elsewhere and is only recorded.
// Otherwise, when a payment client is configured, the provider is charged:
// approval appends PAYMENT_PROCESSED, a decline appends PAYMENT_FAILED
// (cancelling the reservation) and surfaces ErrPaymentDeclined. With neither,
// the reservation confirms unpaid.
func (s *ReservationService) Confirm(ctx context.Context, tenantID, id uuid.UUID, txnRef *uuid.UUID) (*model.Reservation, error) {
	var row *model.Reservation
	var declined bool
	var charged *payment.Result // one charge even across retries

	err := s.withRetry(ctx, "confirm", func() error {
		row = nil
		declined = false
		return s.repo.InTenantTransaction(ctx, tenantID, func(tx *gorm.DB) error {
			res, err := s.repo.GetReservation(ctx, tx, tenantID, id)
			if err != nil {
				return err
			}
			if !res.Status.CanTransition(model.StatusConfirmed) {
				return &TransitionError{ID: id, Status: res.Status, Op: "confirm"}
			}

			payload := datatypes.JSONMap{
				model.PayloadID:     id.String(),
				model.PayloadStatus: string(model.StatusConfirmed),
			}

			switch {
			case txnRef != nil:
				payload[model.PayloadTransactionID] = txnRef.String()

			case s.payment != nil:
				if charged == nil {
					result, err := s.payment.ProcessPayment(ctx, payment.Request{
						ReservationID: id,
						TenantID:      tenantID,
						UserID:        res.UserID,
						Amount:        res.TotalCost,
					})
					if err != nil {
						return err
					}
					charged = result
				}
				if !charged.Success {
					fail := &model.Event{
						AggregateID: id,
						TenantID:    tenantID,
						EventType:   model.EventPaymentFailed,
						Payload: datatypes.JSONMap{
							model.PayloadID:     id.String(),
							model.PayloadStatus: string(model.StatusCancelled),
							model.PayloadReason: charged.Message,
							model.PayloadAmount: res.TotalCost.String(),
						},
						Metadata: commandMetadata(sourceAPI),
					}
					if err := s.store.Append(ctx, tx, fail); err != nil {
						return err
					}
					projected, err := s.projector.Apply(ctx, tx, fail)
					if err != nil {
						return err
					}
					row = projected
					declined = true
					return s.enqueueOutbox(ctx, tx, fail)
				}
				payload[model.PayloadTransactionID] = charged.TransactionID.String()
				payload[model.PayloadAmount] = res.TotalCost.String()
			}

			evt := &model.Event{
				AggregateID: id,
				TenantID:    tenantID,
				EventType:   model.EventPaymentProcessed,
				Payload:     payload,
				Metadata:    commandMetadata(sourceAPI),
			}
			if err := s.store.Append(ctx, tx, evt); err != nil {
				return err
			}
			projected, err := s.projector.Apply(ctx, tx, evt)
			if err != nil {
				return err
			}
			row = projected
			return s.enqueueOutbox(ctx, tx, evt)
		})
	})
	if err != nil {
		return nil, err
	}

	s.warmCache(ctx, row)
	if declined {
		s.log.Infow("reservation cancelled after payment decline",
			"reservation_id", id, "tenant_id", tenantID)
		return nil, ErrPaymentDeclined
	}
	s.log.Infow("reservation confirmed", "reservation_id", id, "tenant_id", tenantID)
	return row, nil
}

// Cancel releases a PENDING or CONFIRMED reservation.
func (s *ReservationService) Cancel(ctx context.Context, tenantID, id uuid.UUID, reason *string) (*model.Reservation, error) {
	extra := datatypes.JSONMap{}
	if reason != nil {
		extra[model.PayloadReason] = *reason
	}
	return s.transition(ctx, "cancel", tenantID, id,
		model.StatusCancelled, model.EventReservationCancelled, extra, sourceAPI)
}

// Complete closes out a CONFIRMED reservation after the parking session.
func (s *ReservationService) Complete(ctx context.Context, tenantID, id uuid.UUID) (*model.Reservation, error) {
	return s.transition(ctx, "complete", tenantID, id,
		model.StatusCompleted, model.EventReservationCompleted, nil, sourceAPI)
}

// Expire marks a PENDING reservation whose window passed unused.
func (s *ReservationService) Expire(ctx context.Context, tenantID, id uuid.UUID) (*model.Reservation, error) {
	return s.transition(ctx, "expire", tenantID, id,
		model.StatusExpired, model.EventReservationExpired, nil, sourceAPI)
}

// ExpireDue sweeps reservations still PENDING past their start time. Each row
// expires in its own tenant transaction; one failure never stops the sweep.
// Returns how many were expired.
func (s *ReservationService) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.DueForExpiry(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range due {
		res := &due[i]
		_, err := s.transition(ctx, "expire", res.TenantID, res.ID,
			model.StatusExpired, model.EventReservationExpired, nil, sourceSweep)
		if err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				// lost the race to a confirm or cancel; nothing to do
				continue
			}
			s.log.Warnw("expiry sweep: skipping reservation",
				"reservation_id", res.ID, "err", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.Infow("expiry sweep finished", "expired", expired, "candidates", len(due))
	}
	return expired, nil
}

// Delete hard-deletes the read-model row of a PENDING or CANCELLED
// reservation. The events stay; a later rebuild resurrects the row.
func (s *ReservationService) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	err := s.repo.InTenantTransaction(ctx, tenantID, func(tx *gorm.DB) error {
		res, err := s.repo.GetReservation(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if res.Status != model.StatusPending && res.Status != model.StatusCancelled {
			return &TransitionError{ID: id, Status: res.Status, Op: "delete"}
		}
		return s.repo.DeleteReservation(ctx, tx, tenantID, id)
	})
	if err != nil {
		return err
	}

	if err := s.repo.DropCachedReservation(ctx, tenantID, id); err != nil {
		s.log.Warnw("cache eviction failed", "reservation_id", id, "err", err)
	}
	s.log.Infow("reservation deleted", "reservation_id", id, "tenant_id", tenantID)
	return nil
}

// RebuildReadModel drops and replays the read model from the log. A nil
// tenant rebuilds everything.
func (s *ReservationService) RebuildReadModel(ctx context.Context, tenantID *uuid.UUID) (int, error) {
	return s.rebuilder.Rebuild(ctx, s.repo.DB(ctx), tenantID)
}
