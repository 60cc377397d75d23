package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkora/reservation-service/internal/metrics"
	"github.com/parkora/reservation-service/internal/model"
)

// ErrVersionConflict means another writer appended to the same aggregate
// between this writer's read and its insert. The store never overwrites;
// callers reload state and retry or give up.
var ErrVersionConflict = errors.New("aggregate version conflict")

// ErrUnknownEventType rejects appends of types the store does not know.
var ErrUnknownEventType = errors.New("unknown event type")

// Store is the append-only event log. All writes go through Append inside
// the caller's transaction; rows are never updated or deleted.
type Store struct {
	log *zap.SugaredLogger
}

// New constructs the store.
func New(logger *zap.SugaredLogger) *Store {
	return &Store{log: logger}
}

// Append inserts evt at the next contiguous version for its aggregate.
// A zero Version is assigned MAX(version)+1 read inside tx; a caller that
// already knows the version it expects to write may preset it. Either way
// the unique index on (aggregate_id, version) arbitrates races: exactly one
// of two concurrent writers commits and the loser gets ErrVersionConflict.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, evt *model.Event) error {
	if !evt.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, evt.EventType)
	}
	if evt.AggregateID == uuid.Nil {
		return errors.New("append: aggregate id required")
	}
	if evt.TenantID == uuid.Nil {
		return errors.New("append: tenant id required")
	}

	if evt.Version == 0 {
		var current int
		err := tx.WithContext(ctx).
			Model(&model.Event{}).
			Where("aggregate_id = ?", evt.AggregateID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error
		if err != nil {
			return err
		}
		evt.Version = current + 1
	}
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.AggregateType == "" {
		evt.AggregateType = model.AggregateReservation
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	if err := tx.WithContext(ctx).Create(evt).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			s.log.Infow("append lost version race",
				"aggregate_id", evt.AggregateID, "version", evt.Version)
			return fmt.Errorf("aggregate %s version %d: %w", evt.AggregateID, evt.Version, ErrVersionConflict)
		}
		return err
	}
	metrics.EventsAppended.WithLabelValues(string(evt.EventType)).Inc()
	return nil
}

// Events loads one aggregate's history in version order, starting after
// fromVersion (0 loads everything). db may be a transaction or the root
// handle.
func (s *Store) Events(ctx context.Context, db *gorm.DB, tenantID, aggregateID uuid.UUID, fromVersion int) ([]model.Event, error) {
	var evts []model.Event
	err := db.WithContext(ctx).
		Where("aggregate_id = ? AND tenant_id = ? AND version > ?", aggregateID, tenantID, fromVersion).
		Order("version asc").
		Find(&evts).Error
	return evts, err
}

// EventsByKind pages the tenant's events of one type, newest first. This is
// the audit surface, so recency wins over replay order.
func (s *Store) EventsByKind(ctx context.Context, db *gorm.DB, tenantID uuid.UUID, kind model.EventType, limit, offset int) ([]model.Event, error) {
	var evts []model.Event
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ?", tenantID, kind).
		Order("created_at desc").Limit(limit).Offset(offset).
		Find(&evts).Error
	return evts, err
}

// AllEvents loads the full history in replay order: created_at first,
// version as the tiebreak so one aggregate's events never reorder even on
// identical timestamps. A nil tenantID spans every tenant.
func (s *Store) AllEvents(ctx context.Context, db *gorm.DB, tenantID *uuid.UUID) ([]model.Event, error) {
	q := db.WithContext(ctx)
	if tenantID != nil {
		q = q.Where("tenant_id = ?", *tenantID)
	}
	var evts []model.Event
	err := q.Order("created_at asc").Order("version asc").Find(&evts).Error
	return evts, err
}

// TypeCounts groups the tenant's events by type.
func (s *Store) TypeCounts(ctx context.Context, db *gorm.DB, tenantID uuid.UUID) (map[model.EventType]int64, error) {
	type row struct {
		EventType model.EventType
		N         int64
	}
	var rows []row
	err := db.WithContext(ctx).
		Model(&model.Event{}).
		Select("event_type, count(*) as n").
		Where("tenant_id = ?", tenantID).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.EventType]int64, len(rows))
	for _, rw := range rows {
		out[rw.EventType] = rw.N
	}
	return out, nil
}
