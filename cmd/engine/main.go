package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/broker"
	"github.com/nathanyu/crypto-exchange/internal/config"
	"github.com/nathanyu/crypto-exchange/internal/domain"
	"github.com/nathanyu/crypto-exchange/internal/engine"
	"github.com/nathanyu/crypto-exchange/internal/ledger"
	"github.com/nathanyu/crypto-exchange/internal/marketdata"
	"github.com/nathanyu/crypto-exchange/internal/middleware"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	rdb := broker.NewRedis(cfg.RedisAddr)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	publisher := marketdata.NewPublisher(rdb, logger, cfg.ChannelBufferSize)
	publisher.Start()

	led := ledger.New()
	seedDevFixtures(led)

	eng := engine.New(led, rdb, publisher, logger, cfg.ChannelBufferSize)
	if err := eng.CreateMarket(domain.Market{
		Name:       "SOL_USDC",
		BaseAsset:  "SOL",
		QuoteAsset: "USDC",
		Status:     domain.MarketStatusOngoing,
	}); err != nil {
		logger.Fatal("default market creation failed", zap.Error(err))
	}

	// Metrics endpoint.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
	go func() {
		logger.Info("metrics server listening", zap.String("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("engine started, consuming requests", zap.String("queue", broker.RequestQueue))
	for {
		env, err := rdb.DequeueRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("request dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		middleware.RequestsConsumed.Inc()
		eng.Process(env.ClientID, env.Message)
	}

	eng.Close()
	publisher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("engine stopped")
}

// seedDevFixtures provisions the demo users the local stack expects. Real
// deployments create users through the on-ramp flow instead.
func seedDevFixtures(led *ledger.Ledger) {
	for _, userID := range []string{"1", "2"} {
		led.CreateUser(userID)
		_ = led.Deposit(userID, "USDC", decimal.NewFromInt(10_000))
		_ = led.Deposit(userID, "SOL", decimal.NewFromInt(10))
	}
}
