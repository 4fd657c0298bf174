package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallet-ledger/config"
	"wallet-ledger/internal/adapter/broker"
	pgStorage "wallet-ledger/internal/adapter/storage/postgres"
	redisStorage "wallet-ledger/internal/adapter/storage/redis"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/internal/service"
	"wallet-ledger/pkg/logger"

	"github.com/google/uuid"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().Msg("Starting Wallet Ledger Engine")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Fail fast on a broken key ring: the relay shares its deployment with
	// the engine, and a missing historical key means undecryptable rows.
	if _, err := service.NewKeyRing(cfg.Encryption.Keys, cfg.Encryption.ActiveKeyID); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption key ring")
	}

	outboxRepo := pgStorage.NewOutboxRepo(pool)

	// Initialize Kafka publisher
	writer := broker.NewKafkaWriter(cfg.Kafka, log)
	defer writer.Close()
	publisher := broker.NewKafkaPublisher(writer)

	// Start the outbox dispatcher
	instanceID := fmt.Sprintf("ledger-%s", uuid.NewString()[:8])
	dispatcher := service.NewOutboxDispatcher(outboxRepo, publisher, instanceID, cfg.Outbox, log)

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(dispatcherCtx)
		close(dispatcherDone)
	}()

	// Health endpoint
	healthCheckers := []ports.HealthChecker{
		pgStorage.NewHealthCheck(pool),
		redisStorage.NewHealthCheck(rdb),
	}
	srv := &http.Server{
		Addr:    ":8080",
		Handler: healthHandler(healthCheckers),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Health endpoint failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Health endpoint forced to shutdown")
	}

	stopDispatcher()
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		log.Error().Msg("Outbox dispatcher did not stop in time")
	}

	log.Info().Msg("Wallet Ledger Engine exited")
}

// healthHandler serves GET /healthz, reporting each dependency's status.
func healthHandler(checkers []ports.HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checkers))
		for _, c := range checkers {
			if err := c.Ping(ctx); err != nil {
				deps[c.Name()] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				deps[c.Name()] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(deps)
	})
	return mux
}
