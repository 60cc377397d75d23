package projection

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkora/reservation-service/internal/eventstore"
	"github.com/parkora/reservation-service/internal/metrics"
	"github.com/parkora/reservation-service/internal/model"
)

// Rebuilder replays the event log into a fresh read model.
type Rebuilder struct {
	store *eventstore.Store
	proj  *Projector
	log   *zap.SugaredLogger
}

// NewRebuilder constructs the rebuilder.
func NewRebuilder(store *eventstore.Store, proj *Projector, logger *zap.SugaredLogger) *Rebuilder {
	return &Rebuilder{store: store, proj: proj, log: logger}
}

// Rebuild deletes the read-model scope and replays every matching event
// through the projector, all inside one transaction. A nil tenantID rebuilds
// every tenant. Any error rolls the whole thing back, so the previous read
// model survives a failed rebuild untouched. Returns the number of events
// replayed.
func (r *Rebuilder) Rebuild(ctx context.Context, db *gorm.DB, tenantID *uuid.UUID) (int, error) {
	timer := prometheus.NewTimer(metrics.RebuildDuration)
	defer timer.ObserveDuration()

	processed := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.WithContext(ctx)
		if tenantID != nil {
			del = del.Where("tenant_id = ?", *tenantID)
		} else {
			del = del.Session(&gorm.Session{AllowGlobalUpdate: true})
		}
		if err := del.Delete(&model.Reservation{}).Error; err != nil {
			return err
		}

		evts, err := r.store.AllEvents(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		for i := range evts {
			if _, err := r.proj.Apply(ctx, tx, &evts[i]); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if tenantID != nil {
		r.log.Infow("read model rebuilt", "tenant_id", *tenantID, "events", processed)
	} else {
		r.log.Infow("read model rebuilt", "tenant_id", "all", "events", processed)
	}
	return processed, nil
}
