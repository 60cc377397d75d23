package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parkora/reservation-service/internal/clients/parking"
	"github.com/parkora/reservation-service/internal/clients/payment"
	"github.com/parkora/reservation-service/internal/config"
	"github.com/parkora/reservation-service/internal/eventstore"
	"github.com/parkora/reservation-service/internal/logger"
	"github.com/parkora/reservation-service/internal/model"
	"github.com/parkora/reservation-service/internal/projection"
	"github.com/parkora/reservation-service/internal/repo"
	"github.com/parkora/reservation-service/internal/service"
	httptransport "github.com/parkora/reservation-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Event{}, &model.Reservation{}, &model.OutboxMessage{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer; hash balancer keeps one aggregate on one partition
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}

	// 6. optional collaborators
	var pay service.PaymentProcessor
	if cfg.Payment.BaseURL != "" {
		pay = payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.APIKey, cfg.Payment.Timeout, log)
	}
	var spots service.SpotCatalog
	if cfg.Parking.BaseURL != "" && cfg.Parking.CheckSpot {
		spots = parking.NewClient(cfg.Parking.BaseURL, cfg.Parking.AuthToken, cfg.Parking.Timeout, log)
	}

	// 7. repo, event store, projection, service
	repository := repo.NewRepository(gdb, rdb, kw, log, cfg.Cache.TTL)
	store := eventstore.New(log)
	projector := projection.NewProjector(log)
	rebuilder := projection.NewRebuilder(store, projector, log)
	svc := service.NewReservationService(repository, store, projector, rebuilder, pay, spots, log)
	svc.SetRetry(cfg.Retry.MaxAttempts, cfg.Retry.InitialInterval)

	// 8. gin router
	router := httptransport.NewRouter(svc, gdb, cfg.RateLimit, log)

	// 9. serve until SIGINT/SIGTERM, then drain
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.Infof("reservation-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	if err := kw.Close(); err != nil {
		log.Errorf("close kafka writer: %v", err)
	}
	log.Info("reservation-server stopped")
}
