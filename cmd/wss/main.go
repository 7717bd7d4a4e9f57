package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/broker"
	"github.com/nathanyu/crypto-exchange/internal/config"
	"github.com/nathanyu/crypto-exchange/internal/relay"
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

	rel := relay.New(rdb, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go rel.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", rel)
	srv := &http.Server{Addr: ":" + cfg.WSSPort, Handler: mux}

	go func() {
		logger.Info("websocket relay listening", zap.String("port", cfg.WSSPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("websocket server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown error", zap.Error(err))
	}

	logger.Info("websocket relay stopped")
}
