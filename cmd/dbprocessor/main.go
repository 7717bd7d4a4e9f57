package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/broker"
	"github.com/nathanyu/crypto-exchange/internal/config"
	"github.com/nathanyu/crypto-exchange/internal/message"
	"github.com/nathanyu/crypto-exchange/internal/store"
)

// dequeueTimeout bounds each BRPOP so shutdown is observed promptly.
const dequeueTimeout = 2 * time.Second

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

	tradeStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres unreachable", zap.Error(err))
	}
	defer tradeStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("db processor started", zap.String("queue", broker.TradeQueue))
	for ctx.Err() == nil {
		record, err := rdb.DequeueTrade(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Error("trade dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if record.Type != message.TradeAdded {
			logger.Warn("unexpected record type", zap.String("type", record.Type))
			continue
		}

		data := record.Data
		if err := tradeStore.InsertTrade(ctx, data.Ticker, data.Time, data.Price, data.Quantity); err != nil {
			logger.Error("trade insert failed",
				zap.String("market", data.Ticker),
				zap.Error(err))
		}
	}

	logger.Info("db processor stopped")
}
