package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parkora/reservation-service/internal/config"
	"github.com/parkora/reservation-service/internal/eventstore"
	"github.com/parkora/reservation-service/internal/logger"
	"github.com/parkora/reservation-service/internal/metrics"
	"github.com/parkora/reservation-service/internal/projection"
	"github.com/parkora/reservation-service/internal/repo"
	"github.com/parkora/reservation-service/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	outboxInterval = time.Second
	outboxBatch    = 100
	sweepInterval  = time.Minute
	sweepBatch     = 100
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	repository := repo.NewRepository(gdb, rdb, kw, log, cfg.Cache.TTL)
	store := eventstore.New(log)
	projector := projection.NewProjector(log)
	rebuilder := projection.NewRebuilder(store, projector, log)
	svc := service.NewReservationService(repository, store, projector, rebuilder, nil, nil, log)
	svc.SetRetry(cfg.Retry.MaxAttempts, cfg.Retry.InitialInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outboxTick := time.NewTicker(outboxInterval)
	defer outboxTick.Stop()
	sweepTick := time.NewTicker(sweepInterval)
	defer sweepTick.Stop()

	log.Info("reservation-poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info("reservation-poller stopping")
			return
		case <-outboxTick.C:
			drainOutbox(ctx, repository, log)
		case <-sweepTick.C:
			n, err := svc.ExpireDue(ctx, time.Now().UTC(), sweepBatch)
			if err != nil {
				log.Errorf("expiry sweep: %v", err)
			} else if n > 0 {
				log.Infof("expired %d reservations", n)
			}
		}
	}
}

func drainOutbox(ctx context.Context, repository *repo.Repository, log *zap.SugaredLogger) {
	msgs, err := repository.PollOutbox(ctx, outboxBatch)
	if err != nil {
		log.Errorf("poll outbox: %v", err)
		return
	}
	for _, msg := range msgs {
		if err := repository.PublishMessage(ctx, msg); err != nil {
			log.Errorf("publish id=%d: %v", msg.ID, err)
			continue
		}
		if err := repository.MarkOutboxProcessed(ctx, msg.ID); err != nil {
			log.Errorf("mark processed id=%d: %v", msg.ID, err)
			continue
		}
		metrics.OutboxPublished.Inc()
		log.Infof("event %s published", msg.EventID)
	}
}
