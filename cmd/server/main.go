package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/bancosol/ledger-service/internal/config"
	"github.com/bancosol/ledger-service/internal/db"
	"github.com/bancosol/ledger-service/internal/domain"
	"github.com/bancosol/ledger-service/internal/events"
	"github.com/bancosol/ledger-service/internal/server"
)

func main() {
	// .env is optional; real deployments set environment variables directly.
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to create database pool", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("database connection pool initialized")

	accountStore := db.NewAccountStore(pool.Pool)
	auditLog := db.NewAuditLog(pool.Pool)
	txManager := db.NewTransactionManager(pool.Pool)

	// Notifications are best-effort: a broker outage must not keep the
	// ledger from serving requests, so a failed connect only logs.
	var publisher domain.EventPublisher
	rabbitPublisher, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKeyPrefix, logger)
	if err != nil {
		logger.Warn("RabbitMQ unavailable, notifications disabled", zap.Error(err))
	} else {
		publisher = rabbitPublisher
		defer rabbitPublisher.Close()
	}

	ledger := domain.NewLedgerService(accountStore, auditLog, txManager, publisher, logger)
	logger.Info("ledger service initialized")

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.New(ledger, []byte(cfg.JWTSecret), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("HTTP server stopped")
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
