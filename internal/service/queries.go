package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parkora/reservation-service/internal/aggregate"
	"github.com/parkora/reservation-service/internal/eventstore"
	"github.com/parkora/reservation-service/internal/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// GetByID returns one reservation, serving from Redis when it can.
func (s *ReservationService) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Reservation, error) {
	if cached, err := s.repo.GetCachedReservation(ctx, tenantID, id); err == nil {
		return cached, nil
	}
	res, err := s.repo.GetReservation(ctx, s.repo.DB(ctx), tenantID, id)
	if err != nil {
		return nil, err
	}
	s.warmCache(ctx, res)
	return res, nil
}

// List pages the tenant's reservations, optionally filtered by status.
func (s *ReservationService) List(ctx context.Context, tenantID uuid.UUID, status *model.ReservationStatus, limit, offset int) ([]model.Reservation, error) {
	limit, offset = clampPage(limit, offset)
	return s.repo.ListReservations(ctx, tenantID, status, limit, offset)
}

// ListByUser pages one user's reservations; by default only active ones.
func (s *ReservationService) ListByUser(ctx context.Context, tenantID, userID uuid.UUID, includeCompleted bool, limit, offset int) ([]model.Reservation, error) {
	limit, offset = clampPage(limit, offset)
	return s.repo.ListReservationsByUser(ctx, tenantID, userID, includeCompleted, limit, offset)
}

// ListBySpot pages one spot's reservations, optionally clipped to a window.
func (s *ReservationService) ListBySpot(ctx context.Context, tenantID uuid.UUID, spotID string, from, to *time.Time, limit, offset int) ([]model.Reservation, error) {
	limit, offset = clampPage(limit, offset)
	return s.repo.ListReservationsBySpot(ctx, tenantID, spotID, from, to, limit, offset)
}

// CheckAvailability reports whether a spot is free for the window and which
// reservations are in the way when it is not.
func (s *ReservationService) CheckAvailability(ctx context.Context, tenantID uuid.UUID, spotID string, start time.Time, durationHours int) (bool, []uuid.UUID, error) {
	if durationHours < aggregate.MinDurationHours || durationHours > aggregate.MaxDurationHours {
		return false, nil, aggregate.ErrInvalidDuration
	}
	start = start.UTC()
	end := start.Add(time.Duration(durationHours) * time.Hour)

	conflicts, err := s.repo.OverlappingReservations(ctx, s.repo.DB(ctx), tenantID, spotID, start, end)
	if err != nil {
		return false, nil, err
	}
	if len(conflicts) == 0 {
		return true, nil, nil
	}
	ids := make([]uuid.UUID, len(conflicts))
	for i := range conflicts {
		ids[i] = conflicts[i].ID
	}
	return false, ids, nil
}

// Stats summarises the tenant's read model and event log.
type Stats struct {
	TotalReservations  int64                             `json:"total_reservations"`
	ActiveReservations int64                             `json:"active_reservations"`
	ByStatus           map[model.ReservationStatus]int64 `json:"reservations_by_status"`
	TotalEvents        int64                             `json:"total_events"`
	EventsByType       map[model.EventType]int64         `json:"events_by_type"`
}

// GetStats aggregates current counts for the tenant.
func (s *ReservationService) GetStats(ctx context.Context, tenantID uuid.UUID) (*Stats, error) {
	byStatus, err := s.repo.StatusCounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byType, err := s.store.TypeCounts(ctx, s.repo.DB(ctx), tenantID)
	if err != nil {
		return nil, err
	}

	out := &Stats{ByStatus: byStatus, EventsByType: byType}
	for status, n := range byStatus {
		out.TotalReservations += n
		if status == model.StatusPending || status == model.StatusConfirmed {
			out.ActiveReservations += n
		}
	}
	for _, n := range byType {
		out.TotalEvents += n
	}
	return out, nil
}

// AuditEvents returns one reservation's full event history, oldest first.
func (s *ReservationService) AuditEvents(ctx context.Context, tenantID, id uuid.UUID) ([]model.Event, error) {
	return s.store.Events(ctx, s.repo.DB(ctx), tenantID, id, 0)
}

// AggregateState folds a reservation's history into its current state
// without touching the read model. Returns the state and the version it is
// at.
func (s *ReservationService) AggregateState(ctx context.Context, tenantID, id uuid.UUID) (*model.Reservation, int, error) {
	evts, err := s.store.Events(ctx, s.repo.DB(ctx), tenantID, id, 0)
	if err != nil {
		return nil, 0, err
	}
	state, err := aggregate.FromEvents(evts)
	if err != nil {
		return nil, 0, err
	}
	return state, len(evts), nil
}

// EventsByKind pages the tenant's events of one type, newest first
// (diagnostics).
func (s *ReservationService) EventsByKind(ctx context.Context, tenantID uuid.UUID, kind model.EventType, limit, offset int) ([]model.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", eventstore.ErrUnknownEventType, kind)
	}
	limit, offset = clampPage(limit, offset)
	return s.store.EventsByKind(ctx, s.repo.DB(ctx), tenantID, kind, limit, offset)
}
