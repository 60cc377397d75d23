package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/parkora/reservation-service/internal/clients/parking"
	"github.com/parkora/reservation-service/internal/clients/payment"
	"github.com/parkora/reservation-service/internal/eventstore"
	"github.com/parkora/reservation-service/internal/logger"
	"github.com/parkora/reservation-service/internal/model"
	"github.com/parkora/reservation-service/internal/projection"
	"github.com/parkora/reservation-service/internal/repo"
)

type fixture struct {
	db    *gorm.DB
	repo  *repo.Repository
	store *eventstore.Store
	svc   *ReservationService
	redis redismock.ClientMock
}

func setup(t *testing.T, pay PaymentProcessor, spots SpotCatalog) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite allows one writer; queue concurrent transactions on the pool
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.Event{}, &model.Reservation{}, &model.OutboxMessage{}))

	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(db, rdb, nil, logger.Nop(), time.Minute)
	store := eventstore.New(logger.Nop())
	proj := projection.NewProjector(logger.Nop())
	reb := projection.NewRebuilder(store, proj, logger.Nop())

	svc := NewReservationService(r, store, proj, reb, pay, spots, logger.Nop())
	svc.SetRetry(3, time.Millisecond)
	return &fixture{db: db, repo: r, store: store, svc: svc, redis: mock}
}

func createInput(spot string, start time.Time, hours int) CreateInput {
	return CreateInput{
		UserID:        uuid.New(),
		ParkingSpotID: spot,
		StartTime:     start,
		DurationHours: hours,
		TotalCost:     decimal.RequireFromString("10.00"),
	}
}

func (f *fixture) events(t *testing.T, tenant, agg uuid.UUID) []model.Event {
	t.Helper()
	evts, err := f.store.Events(context.Background(), f.db, tenant, agg, 0)
	require.NoError(t, err)
	return evts
}

type stubPayments struct {
	mu     sync.Mutex
	result *payment.Result
	err    error
	calls  int
}

func (s *stubPayments) ProcessPayment(_ context.Context, _ payment.Request) (*payment.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubCatalog struct {
	known map[string]bool
}

func (s *stubCatalog) GetSpot(_ context.Context, spotID string) (*parking.Spot, error) {
	if s.known[spotID] {
		return &parking.Spot{ID: spotID}, nil
	}
	return nil, parking.ErrSpotNotFound
}

func TestCreateConfirmCompleteLifecycle(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 3))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Status)
	assert.True(t, start.Add(3*time.Hour).Equal(res.EndTime))

	confirmed, err := f.svc.Confirm(ctx, tenant, res.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)

	completed, err := f.svc.Complete(ctx, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, completed.Status)

	evts := f.events(t, tenant, res.ID)
	require.Len(t, evts, 3)
	assert.Equal(t, model.EventReservationCreated, evts[0].EventType)
	assert.Equal(t, model.EventPaymentProcessed, evts[1].EventType)
	assert.Equal(t, model.EventReservationCompleted, evts[2].EventType)
	for i, evt := range evts {
		assert.Equal(t, i+1, evt.Version)
	}
	assert.True(t, evts[2].CreatedAt.Equal(completed.UpdatedAt), "updated_at tracks the event")

	var outbox int64
	require.NoError(t, f.db.Model(&model.OutboxMessage{}).Count(&outbox).Error)
	assert.Equal(t, int64(3), outbox, "one outbox row per event")
}

func TestCreateValidationLeavesNoTrace(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	for _, hours := range []int{0, 25, -3} {
		_, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, hours))
		require.Error(t, err)
	}
	in := createInput("spot-1", start, 2)
	in.TotalCost = decimal.RequireFromString("-1")
	_, err := f.svc.Create(ctx, tenant, in)
	require.Error(t, err)

	var events, rows int64
	require.NoError(t, f.db.Model(&model.Event{}).Count(&events).Error)
	require.NoError(t, f.db.Model(&model.Reservation{}).Count(&rows).Error)
	assert.Zero(t, events, "rejected commands must write nothing")
	assert.Zero(t, rows)
}

func TestCreateOverlapConflict(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	first, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 3))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, tenant, createInput("spot-1", start.Add(time.Hour), 2))
	var unavailable *SpotUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "spot-1", unavailable.SpotID)
	assert.Contains(t, unavailable.ConflictIDs, first.ID)

	// touching windows do not conflict
	_, err = f.svc.Create(ctx, tenant, createInput("spot-1", start.Add(3*time.Hour), 2))
	assert.NoError(t, err)

	// a different spot is free
	_, err = f.svc.Create(ctx, tenant, createInput("spot-2", start, 3))
	assert.NoError(t, err)

	// cancelled rows stop blocking
	_, err = f.svc.Cancel(ctx, tenant, first.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	assert.NoError(t, err)
}

func TestCreateUnknownSpotRejected(t *testing.T) {
	f := setup(t, nil, &stubCatalog{known: map[string]bool{"spot-1": true}})
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	_, err := f.svc.Create(ctx, tenant, createInput("spot-9", start, 2))
	assert.ErrorIs(t, err, ErrUnknownSpot)

	_, err = f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	assert.NoError(t, err)
}

func TestConfirmGuards(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	_, err := f.svc.Confirm(ctx, tenant, uuid.New(), nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, tenant, res.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, tenant, res.ID, nil)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.StatusCancelled, te.Status)
	assert.Equal(t, "confirm", te.Op)
}

func TestConfirmRecordsExternalReference(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)

	txn := uuid.New()
	confirmed, err := f.svc.Confirm(ctx, tenant, res.ID, &txn)
	require.NoError(t, err)
	require.NotNil(t, confirmed.TransactionID)
	assert.Equal(t, txn, *confirmed.TransactionID)
}

func TestConfirmChargesProvider(t *testing.T) {
	txn := uuid.New()
	pay := &stubPayments{result: &payment.Result{Success: true, TransactionID: txn}}
	f := setup(t, pay, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)

	confirmed, err := f.svc.Confirm(ctx, tenant, res.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.TransactionID)
	assert.Equal(t, txn, *confirmed.TransactionID)
	assert.Equal(t, 1, pay.calls)
}

func TestConfirmPaymentDeclined(t *testing.T) {
	pay := &stubPayments{result: &payment.Result{Success: false, Message: "card expired"}}
	f := setup(t, pay, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, tenant, res.ID, nil)
	assert.ErrorIs(t, err, ErrPaymentDeclined)
	assert.Equal(t, 1, pay.calls, "decline must not be retried")

	row, err := f.repo.GetReservation(ctx, f.db, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, row.Status)

	evts := f.events(t, tenant, res.ID)
	require.Len(t, evts, 2)
	assert.Equal(t, model.EventPaymentFailed, evts[1].EventType)
}

func TestConfirmProviderUnreachableFailsCommand(t *testing.T) {
	pay := &stubPayments{err: payment.ErrUnavailable}
	f := setup(t, pay, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, tenant, res.ID, nil)
	assert.ErrorIs(t, err, payment.ErrUnavailable)

	// nothing beyond the creation event was recorded
	assert.Len(t, f.events(t, tenant, res.ID), 1)
	row, err := f.repo.GetReservation(ctx, f.db, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, row.Status)
}

func TestCancelFromBothActiveStates(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	pending, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)
	reason := "plans changed"
	row, err := f.svc.Cancel(ctx, tenant, pending.ID, &reason)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, row.Status)

	evts := f.events(t, tenant, pending.ID)
	require.Len(t, evts, 2)
	assert.Equal(t, "plans changed", evts[1].Payload[model.PayloadReason])

	confirmed, err := f.svc.Create(ctx, tenant, createInput("spot-2", start, 2))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, tenant, confirmed.ID, nil)
	require.NoError(t, err)
	row, err = f.svc.Cancel(ctx, tenant, confirmed.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, row.Status)

	// cancelling twice is refused
	_, err = f.svc.Cancel(ctx, tenant, confirmed.ID, nil)
	var te *TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestCompleteOnlyFromConfirmed(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, tenant, res.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te, "PENDING cannot complete")

	_, err = f.svc.Confirm(ctx, tenant, res.ID, nil)
	require.NoError(t, err)
	row, err := f.svc.Complete(ctx, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, row.Status)
}

func TestDeleteRulesAndRebuildResurrection(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, tenant, res.ID, nil)
	require.NoError(t, err)

	err = f.svc.Delete(ctx, tenant, res.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te, "CONFIRMED cannot be deleted")

	_, err = f.svc.Cancel(ctx, tenant, res.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, tenant, res.ID))

	_, err = f.repo.GetReservation(ctx, f.db, tenant, res.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Len(t, f.events(t, tenant, res.ID), 3, "events survive the delete")

	// replaying the log brings the row back in its final state
	n, err := f.svc.RebuildReadModel(ctx, &tenant)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	row, err := f.repo.GetReservation(ctx, f.db, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, row.Status)
}

func TestExpireDueSweep(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()
	past := time.Now().UTC().Add(-2 * time.Hour)

	stale1, err := f.svc.Create(ctx, tenantA, createInput("spot-1", past, 1))
	require.NoError(t, err)
	stale2, err := f.svc.Create(ctx, tenantB, createInput("spot-2", past, 1))
	require.NoError(t, err)
	kept, err := f.svc.Create(ctx, tenantA, createInput("spot-3", past, 1))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, tenantA, kept.ID, nil)
	require.NoError(t, err)
	future, err := f.svc.Create(ctx, tenantA, createInput("spot-4", time.Now().UTC().Add(time.Hour), 1))
	require.NoError(t, err)

	n, err := f.svc.ExpireDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both tenants' stale rows expire")

	for _, id := range []uuid.UUID{stale1.ID, stale2.ID} {
		tenant := tenantA
		if id == stale2.ID {
			tenant = tenantB
		}
		row, err := f.repo.GetReservation(ctx, f.db, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, row.Status)
	}
	row, err := f.repo.GetReservation(ctx, f.db, tenantA, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, row.Status)
	row, err = f.repo.GetReservation(ctx, f.db, tenantA, future.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, row.Status)

	n, err = f.svc.ExpireDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "sweep is idempotent")
}

func TestTenantIsolation(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenantA, createInput("spot-1", start, 2))
	require.NoError(t, err)

	_, err = f.svc.GetByID(ctx, tenantB, res.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = f.svc.Confirm(ctx, tenantB, res.ID, nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	list, err := f.svc.List(ctx, tenantB, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	evts, err := f.svc.AuditEvents(ctx, tenantB, res.ID)
	require.NoError(t, err)
	assert.Empty(t, evts)

	// the other tenant can book the same spot and window
	_, err = f.svc.Create(ctx, tenantB, createInput("spot-1", start, 2))
	assert.NoError(t, err)
}

func TestConcurrentConfirmSingleWinner(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Confirm(ctx, tenant, res.ID, nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			var te *TransitionError
			ok := errors.As(err, &te) || errors.Is(err, eventstore.ErrVersionConflict)
			assert.True(t, ok, "loser must fail cleanly, got %v", err)
		}
	}
	assert.Equal(t, 1, winners)

	evts := f.events(t, tenant, res.ID)
	require.Len(t, evts, 2, "exactly one confirmation recorded")
	for i, evt := range evts {
		assert.Equal(t, i+1, evt.Version, "versions stay contiguous")
	}
}

func TestGetByIDCacheFastPath(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	id := uuid.New()

	cached := model.Reservation{ID: id, TenantID: tenant, Status: model.StatusConfirmed}
	body, err := json.Marshal(&cached)
	require.NoError(t, err)
	f.redis.ExpectGet(fmt.Sprintf("reservation:%s:%s", tenant, id)).SetVal(string(body))

	got, err := f.svc.GetByID(ctx, tenant, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.NoError(t, f.redis.ExpectationsWereMet())
}

func TestCheckAvailability(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)

	free, ids, err := f.svc.CheckAvailability(ctx, tenant, "spot-1", start.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.False(t, free)
	assert.Contains(t, ids, res.ID)

	free, ids, err = f.svc.CheckAvailability(ctx, tenant, "spot-1", start.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.True(t, free)
	assert.Empty(t, ids)

	_, _, err = f.svc.CheckAvailability(ctx, tenant, "spot-1", start, 0)
	assert.Error(t, err)
}

func TestStatsAndAggregateState(t *testing.T) {
	f := setup(t, nil, nil)
	ctx := context.Background()
	tenant := uuid.New()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	a, err := f.svc.Create(ctx, tenant, createInput("spot-1", start, 2))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, tenant, createInput("spot-2", start, 2))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, tenant, a.ID, nil)
	require.NoError(t, err)

	stats, err := f.svc.GetStats(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalReservations)
	assert.Equal(t, int64(1), stats.ActiveReservations)
	assert.Equal(t, int64(1), stats.ByStatus[model.StatusPending])
	assert.Equal(t, int64(1), stats.ByStatus[model.StatusCancelled])
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.EventsByType[model.EventReservationCreated])

	state, version, err := f.svc.AggregateState(ctx, tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, model.StatusCancelled, state.Status)

	row, err := f.repo.GetReservation(ctx, f.db, tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, row.Status, state.Status, "fold agrees with the read model")
}
