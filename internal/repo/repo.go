package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/parkora/reservation-service/internal/model"
)

// ErrNotFound is returned when a reservation does not exist for the tenant.
var ErrNotFound = errors.New("reservation not found")

// RepositoryInterface restricts Repo methods (unit test mocks)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	InTenantTransaction(ctx context.Context, tenantID uuid.UUID, fn func(tx *gorm.DB) error) error

	GetReservation(ctx context.Context, db *gorm.DB, tenantID, id uuid.UUID) (*model.Reservation, error)
	DeleteReservation(ctx context.Context, tx *gorm.DB, tenantID, id uuid.UUID) error
	ListReservations(ctx context.Context, tenantID uuid.UUID, status *model.ReservationStatus, limit, offset int) ([]model.Reservation, error)
	ListReservationsByUser(ctx context.Context, tenantID, userID uuid.UUID, includeCompleted bool, limit, offset int) ([]model.Reservation, error)
	ListReservationsBySpot(ctx context.Context, tenantID uuid.UUID, spotID string, from, to *time.Time, limit, offset int) ([]model.Reservation, error)
	OverlappingReservations(ctx context.Context, db *gorm.DB, tenantID uuid.UUID, spotID string, start, end time.Time) ([]model.Reservation, error)
	DueForExpiry(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error)
	StatusCounts(ctx context.Context, tenantID uuid.UUID) (map[model.ReservationStatus]int64, error)

	CreateOutboxMessage(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishMessage(ctx context.Context, msg model.OutboxMessage) error

	CacheReservation(ctx context.Context, res *model.Reservation) error
	GetCachedReservation(ctx context.Context, tenantID, id uuid.UUID) (*model.Reservation, error)
	DropCachedReservation(ctx context.Context, tenantID, id uuid.UUID) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	writer   *kafka.Writer
	log      *zap.SugaredLogger
	cacheTTL time.Duration
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger, cacheTTL time.Duration) *Repository {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Repository{db: db, rdb: rdb, writer: w, log: logger, cacheTTL: cacheTTL}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// InTenantTransaction runs fn in one transaction with the tenant id pinned
// as a transaction-local Postgres setting, so row-level-security policies on
// current_setting('app.tenant_id') apply to every statement inside. The
// setting dies with the transaction on commit and rollback alike. Dialects
// without settings (sqlite in tests) just get the plain transaction; tenant
// scoping then rests on the WHERE clauses every query carries anyway.
func (r *Repository) InTenantTransaction(ctx context.Context, tenantID uuid.UUID, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT set_config('app.tenant_id', ?, true)", tenantID.String()).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

// GetReservation loads one row scoped to the tenant. db may be a transaction
// or the root handle.
func (r *Repository) GetReservation(ctx context.Context, db *gorm.DB, tenantID, id uuid.UUID) (*model.Reservation, error) {
	var res model.Reservation
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

// DeleteReservation removes the read-model row for the tenant.
func (r *Repository) DeleteReservation(ctx context.Context, tx *gorm.DB, tenantID, id uuid.UUID) error {
	return tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Delete(&model.Reservation{}).Error
}

// ListReservations pages the tenant's reservations, optionally filtered by
// status, newest first.
func (r *Repository) ListReservations(ctx context.Context, tenantID uuid.UUID, status *model.ReservationStatus, limit, offset int) ([]model.Reservation, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var out []model.Reservation
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// ListReservationsByUser pages one user's reservations, newest first. By
// default only active rows come back; includeCompleted widens the filter to
// the full history.
func (r *Repository) ListReservationsByUser(ctx context.Context, tenantID, userID uuid.UUID, includeCompleted bool, limit, offset int) ([]model.Reservation, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ? AND user_id = ?", tenantID, userID)
	if !includeCompleted {
		q = q.Where("status IN ?", model.ActiveStatuses())
	}
	var out []model.Reservation
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// ListReservationsBySpot pages one spot's reservations by start time,
// optionally clipped to rows overlapping [from, to).
func (r *Repository) ListReservationsBySpot(ctx context.Context, tenantID uuid.UUID, spotID string, from, to *time.Time, limit, offset int) ([]model.Reservation, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ? AND parking_spot_id = ?", tenantID, spotID)
	if to != nil {
		q = q.Where("start_time < ?", *to)
	}
	if from != nil {
		q = q.Where("end_time > ?", *from)
	}
	var out []model.Reservation
	err := q.Order("start_time asc").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// OverlappingReservations returns active rows on the spot whose window
// intersects [start, end). Two windows overlap when each starts before the
// other ends; touching boundaries do not conflict.
func (r *Repository) OverlappingReservations(ctx context.Context, db *gorm.DB, tenantID uuid.UUID, spotID string, start, end time.Time) ([]model.Reservation, error) {
	var out []model.Reservation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND parking_spot_id = ?", tenantID, spotID).
		Where("status IN ?", model.ActiveStatuses()).
		Where("start_time < ? AND end_time > ?", end, start).
		Order("start_time asc").
		Find(&out).Error
	return out, err
}

// DueForExpiry returns pending reservations whose start time has passed,
// across all tenants. The expiry sweep is operational; each returned row
// still carries its own tenant for the per-row command.
func (r *Repository) DueForExpiry(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error) {
	var out []model.Reservation
	err := r.db.WithContext(ctx).
		Where("status = ? AND start_time <= ?", model.StatusPending, cutoff).
		Order("start_time asc").Limit(limit).
		Find(&out).Error
	return out, err
}

// StatusCounts groups the tenant's reservations by status.
func (r *Repository) StatusCounts(ctx context.Context, tenantID uuid.UUID) (map[model.ReservationStatus]int64, error) {
	type row struct {
		Status model.ReservationStatus
		N      int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Select("status, count(*) as n").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.ReservationStatus]int64, len(rows))
	for _, rw := range rows {
		out[rw.Status] = rw.N
	}
	return out, nil
}

// CreateOutboxMessage writes a pending publication in the command transaction.
func (r *Repository) CreateOutboxMessage(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	return tx.WithContext(ctx).Create(msg).Error
}

// PollOutbox pulls unprocessed messages, oldest first.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	var msgs []model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id asc").Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishMessage sends to Kafka, keyed by aggregate id so one reservation's
// events stay in order within a partition.
func (r *Repository) PublishMessage(ctx context.Context, msg model.OutboxMessage) error {
	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.AggregateID.String()),
		Value: []byte(msg.Payload),
		Time:  time.Now(),
	})
}

func cacheKey(tenantID, id uuid.UUID) string {
	return fmt.Sprintf("reservation:%s:%s", tenantID, id)
}

// CacheReservation writes the row to Redis under a tenant-scoped key.
func (r *Repository) CacheReservation(ctx context.Context, res *model.Reservation) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, cacheKey(res.TenantID, res.ID), body, r.cacheTTL).Err()
}

// GetCachedReservation reads Redis; a miss surfaces as redis.Nil.
func (r *Repository) GetCachedReservation(ctx context.Context, tenantID, id uuid.UUID) (*model.Reservation, error) {
	body, err := r.rdb.Get(ctx, cacheKey(tenantID, id)).Bytes()
	if err != nil {
		return nil, err
	}
	var res model.Reservation
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DropCachedReservation evicts the row after a state change.
func (r *Repository) DropCachedReservation(ctx context.Context, tenantID, id uuid.UUID) error {
	return r.rdb.Del(ctx, cacheKey(tenantID, id)).Err()
}
