package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/broker"
	"github.com/nathanyu/crypto-exchange/internal/config"
	"github.com/nathanyu/crypto-exchange/internal/gateway"
	"github.com/nathanyu/crypto-exchange/internal/middleware"
	"github.com/nathanyu/crypto-exchange/internal/store"
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

	tradeStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres unreachable", zap.Error(err))
	}
	defer tradeStore.Close()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.PrometheusMiddleware())

	h := gateway.NewHandler(rdb, tradeStore, cfg.ResponseTimeout, logger)
	h.RegisterRoutes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}

	go func() {
		logger.Info("metrics server listening", zap.String("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("api gateway listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("api gateway stopped")
}
