package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/audit"
	"github.com/sudo-init-do/dealhub/internal/config"
	"github.com/sudo-init-do/dealhub/internal/db"
	"github.com/sudo-init-do/dealhub/internal/escrow"
	"github.com/sudo-init-do/dealhub/internal/health"
	"github.com/sudo-init-do/dealhub/internal/jobs"
	"github.com/sudo-init-do/dealhub/internal/logger"
	"github.com/sudo-init-do/dealhub/internal/metrics"
	"github.com/sudo-init-do/dealhub/internal/settlement"
	"github.com/sudo-init-do/dealhub/internal/wallet"
)

// The worker runs auto-release through asynq and drains the settlement
// event outbox to RabbitMQ.
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logger.New(cfg.Env).With(zap.String("component", "worker"))
	defer log.Sync()

	// the memory rail lives in the API process
	if cfg.Settlement.Provider != "ledger" {
		log.Fatal("worker requires the ledger escrow provider", zap.String("provider", cfg.Settlement.Provider))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer pool.Close()

	store := db.NewStore(pool)
	breaker := escrow.NewBreaker(escrow.BreakerConfig{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		Timeout:             cfg.Breaker.Timeout,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
	})
	provider := escrow.NewGuarded(wallet.NewLedger(pool), cfg.Settlement.ProviderTimeout, breaker, log)
	engine := settlement.NewEngine(store, provider, log, settlement.WithClaimLease(cfg.Settlement.ClaimLease))

	// Outbox -> RabbitMQ
	publisher, err := audit.NewRabbitPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
	if err != nil {
		log.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer publisher.Close()
	dispatcher := audit.NewDispatcher(db.NewOutbox(pool), publisher, log).
		WithInterval(cfg.Outbox.PollInterval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxAttempts(cfg.Outbox.MaxAttempts)
	go dispatcher.Start(ctx)

	// Auto-release
	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	policy := settlement.AutoReleasePolicy{Threshold: cfg.Settlement.AutoReleaseAfter}
	mux := jobs.NewMux(
		jobs.NewScanner(store, policy, client, cfg.Settlement.ScanBatch, log).WithInspector(inspector),
		jobs.NewReleaser(engine, log),
	)
	server := jobs.NewServer(redisOpt, 0, log)
	if err := server.Start(mux); err != nil {
		log.Fatal("failed to start asynq server", zap.Error(err))
	}

	scheduler, err := jobs.NewScheduler(redisOpt, cfg.Settlement.ScanInterval, log)
	if err != nil {
		log.Fatal("failed to build scheduler", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	// /ready reports the broker too: a dropped connection is redialed on the
	// next publish, and until then the outbox backs off.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	health.Register(e,
		health.Check{Name: "db", Pinger: pool},
		health.Check{Name: "mq", Pinger: publisher},
	)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	go func() {
		if err := e.Start(":" + cfg.Server.WorkerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker http server error", zap.Error(err))
		}
	}()

	log.Info("worker running",
		zap.Duration("auto_release_after", cfg.Settlement.AutoReleaseAfter),
		zap.Duration("scan_interval", cfg.Settlement.ScanInterval),
		zap.String("exchange", cfg.MQ.Exchange),
		zap.String("http_port", cfg.Server.WorkerPort),
	)

	<-ctx.Done()
	log.Info("shutting down worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.Shutdown(shutdownCtx)
	scheduler.Shutdown()
	server.Shutdown()
}
