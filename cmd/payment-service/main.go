package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/config"
	"github.com/Dan9191/wallet-ledger/internal/handler"
	"github.com/Dan9191/wallet-ledger/internal/integrations/userclient"
	"github.com/Dan9191/wallet-ledger/internal/middleware"
	"github.com/Dan9191/wallet-ledger/internal/repository"
	"github.com/Dan9191/wallet-ledger/internal/service"
	"github.com/Dan9191/wallet-ledger/internal/utils/email"
	"github.com/Dan9191/wallet-ledger/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig(config.PaymentService)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := sql.Open("postgres", cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}
	if err := repository.Migrate(ctx, db, repository.PaymentSchema, logger); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warnf("Redis unavailable, responses will not be cached: %v", err)
	}

	// Initialize layers
	records := repository.NewTransactionRepository(db)
	tasks := repository.NewReconciliationRepository(db)
	users := userclient.NewClient(cfg, logger)

	var alerts service.Alerter
	if cfg.AlertsEnabled() {
		alerts = email.NewSender(cfg, logger)
	} else {
		logger.Warn("SMTP_HOST or OPS_EMAIL not set, reconciliation alerts go to the log only")
	}

	svc := service.NewPaymentService(users, records, tasks, alerts, logger, service.Options{
		CompensationAttempts: cfg.CompensationAttempts,
		CompensationBackoff:  cfg.CompensationBackoff,
		RecordWriteAttempts:  cfg.RecordWriteAttempts,
	})
	h := handler.NewPaymentHandler(svc, logger)

	reconciler := service.NewReconciler(users, records, tasks, alerts, logger, cfg.CompensationBackoff)
	scheduler, err := worker.NewScheduler(ctx, cfg.ReconcileSchedule, reconciler, logger)
	if err != nil {
		logger.Fatalf("Failed to schedule reconciliation: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup router
	idempotency := middleware.Idempotency(
		middleware.NewRedisIdempotencyStore(rdb, config.PaymentService, cfg.IdempotencyTTL), logger)
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(config.PaymentService, logger))
	handler.RegisterCommon(r, config.PaymentService)
	h.Routes(r.PathPrefix("/api").Subrouter(), idempotency)

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: r,
		// A transfer makes up to four User service calls plus compensation.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 6*cfg.UserServiceTimeout + 10*time.Second,
	}
	go func() {
		logger.Infof("Starting %s on %s", config.PaymentService, addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}
