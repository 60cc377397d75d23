// Package projection maintains the reservations read model by folding stored
// events into rows, and can rebuild the whole table from the log.
package projection

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkora/reservation-service/internal/aggregate"
	"github.com/parkora/reservation-service/internal/metrics"
	"github.com/parkora/reservation-service/internal/model"
)

// Projector applies events to the read model. It enforces no transition
// rules; by the time an event is stored the service has already vouched for
// it, and a replay must reproduce history exactly as written.
type Projector struct {
	log *zap.SugaredLogger
}

// NewProjector constructs the projector.
func NewProjector(logger *zap.SugaredLogger) *Projector {
	return &Projector{log: logger}
}

// Apply folds one event into the read model inside tx and returns the row it
// touched. A non-creation event whose row is missing is an anomaly: it is
// skipped with a (nil, nil) return after a warning and a counter bump, and
// the replay carries on.
func (p *Projector) Apply(ctx context.Context, tx *gorm.DB, evt *model.Event) (*model.Reservation, error) {
	if evt.EventType == model.EventReservationCreated {
		var res model.Reservation
		if err := aggregate.Apply(&res, evt); err != nil {
			return nil, err
		}
		if err := tx.WithContext(ctx).Create(&res).Error; err != nil {
			return nil, err
		}
		return &res, nil
	}

	var res model.Reservation
	err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", evt.AggregateID, evt.TenantID).
		First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p.log.Warnw("projection anomaly: no row for event",
			"event_type", evt.EventType,
			"aggregate_id", evt.AggregateID,
			"version", evt.Version)
		metrics.ProjectionAnomalies.WithLabelValues(string(evt.EventType)).Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := aggregate.Apply(&res, evt); err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Save(&res).Error; err != nil {
		return nil, err
	}
	return &res, nil
}
