package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/admin"
	"github.com/sudo-init-do/dealhub/internal/config"
	"github.com/sudo-init-do/dealhub/internal/db"
	"github.com/sudo-init-do/dealhub/internal/escrow"
	"github.com/sudo-init-do/dealhub/internal/escrow/memrail"
	"github.com/sudo-init-do/dealhub/internal/health"
	"github.com/sudo-init-do/dealhub/internal/logger"
	"github.com/sudo-init-do/dealhub/internal/marketplace"
	"github.com/sudo-init-do/dealhub/internal/metrics"
	appmw "github.com/sudo-init-do/dealhub/internal/middleware"
	"github.com/sudo-init-do/dealhub/internal/settlement"
	"github.com/sudo-init-do/dealhub/internal/wallet"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logger.New(cfg.Env)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer pool.Close()

	ledger := wallet.NewLedger(pool)
	engine := settlement.NewEngine(db.NewStore(pool), newProvider(cfg, ledger, log), log,
		settlement.WithClaimLease(cfg.Settlement.ClaimLease),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	idem := appmw.Idempotency(appmw.NewRedisIdempotencyStore(rdb), cfg.Redis.IdempotencyTTL, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(appmw.Metrics())

	health.Register(e, health.Check{Name: "db", Pinger: pool})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	jwtMW := appmw.JWT([]byte(cfg.JWT.Secret))

	api := e.Group("")
	api.Use(jwtMW)

	adminGroup := e.Group("/admin")
	adminGroup.Use(jwtMW)
	adminGroup.Use(appmw.AdminGuard)

	marketplace.NewHandler(engine, log).Register(api, adminGroup, idem)
	admin.NewHandler(admin.NewReports(pool), log).Register(adminGroup)

	wallets := wallet.NewHandler(ledger)
	api.GET("/wallet/balance", wallets.Balance)
	api.GET("/wallet/transactions", wallets.Transactions)
	adminGroup.GET("/transactions", wallets.AdminTransactions)

	go func() {
		log.Info("API server listening", zap.String("port", cfg.Server.Port), zap.String("provider", cfg.Settlement.Provider))
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
}

// newProvider wraps the configured escrow rail in the timeout and circuit
// breaker every provider call goes through.
func newProvider(cfg *config.Config, ledger *wallet.Ledger, log *zap.Logger) settlement.EscrowProvider {
	var inner settlement.EscrowProvider = ledger
	if cfg.Settlement.Provider == "memory" {
		log.Warn("using in-memory escrow provider; balances are lost on restart")
		inner = memrail.New()
	}
	breaker := escrow.NewBreaker(escrow.BreakerConfig{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		Timeout:             cfg.Breaker.Timeout,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
	})
	return escrow.NewGuarded(inner, cfg.Settlement.ProviderTimeout, breaker, log)
}
