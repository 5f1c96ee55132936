/**
 * @description
 * This is the main entry point for the deposit-review-service. It loads the
 * configuration, builds the deposit-management client, event producer, rate
 * limiter, metrics and the review session registry, and serves the HTTP API
 * used by the admin console.
 *
 * @dependencies
 * - github.com/joho/godotenv: Local .env loading.
 * - github.com/redis/go-redis/v9: Transition rate limiting.
 * - github.com/prometheus/client_golang: /metrics endpoint.
 * - internal/api, internal/app, internal/config: Internal packages for the service.
 * - pkg/depositclient: Client for the deposit-management service.
 * - pkg/rabbitmq: Review event producer.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finforte/deposit-review-service/internal/api"
	"github.com/finforte/deposit-review-service/internal/app"
	"github.com/finforte/deposit-review-service/internal/config"
	"github.com/finforte/deposit-review-service/internal/logging"
	"github.com/finforte/deposit-review-service/internal/metrics"
	"github.com/finforte/deposit-review-service/pkg/depositclient"
	"github.com/finforte/deposit-review-service/pkg/rabbitmq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file found; using environment variables", "component", "bootstrap")
	}
	if cfg.DepositServiceURL == "" {
		logger.Error("deposit service url must be configured", "component", "bootstrap", "env", "DEPOSIT_SERVICE_URL")
		os.Exit(1)
	}
	if cfg.OperatorJWKSURL == "" {
		logger.Error("operator jwks url must be configured", "component", "bootstrap", "env", "OPERATOR_JWKS_URL")
		os.Exit(1)
	}
	logger.Info("starting deposit-review-service", "component", "bootstrap", "port", cfg.ServerPort)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reviewMetrics := metrics.New(registry)

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; review events disabled", "component", "bootstrap", "env", "RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "err", err)
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected", "component", "bootstrap", "exchange", cfg.EventsExchange)
	}

	depositClient := depositclient.NewClient(cfg.DepositServiceURL, cfg.DepositServiceAPIKey, cfg.DepositServiceTimeout())
	reviewService := app.NewService(depositClient, publisher, reviewMetrics, logger)
	reviewService.SetTransitionTimeout(cfg.DepositServiceTimeout())

	if redisClient := connectRedis(logger, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		reviewService.SetTransitionLimiter(
			app.NewRedisTransitionLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.TransitionRateLimitPerMinute),
		)
	}

	sweeper := app.NewSweeper(reviewService, logger, cfg.SessionSweepSchedule, cfg.SessionIdleTTL())
	if err := sweeper.Start(); err != nil {
		logger.Error("idle session sweeper failed to start", "component", "bootstrap", "err", err)
		os.Exit(1)
	}

	auth := api.NewOperatorAuth(cfg.OperatorJWKSURL, cfg.OperatorAudience, cfg.OperatorIssuer, logger)
	handlers := api.NewReviewHandlers(reviewService, logger)
	router := api.NewRouter(handlers, auth.Middleware, cfg.AllowedOrigins(), promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "component", "http", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "component", "http", "err", err)
	}
	<-sweeper.Stop().Done()
	if err := reviewService.Shutdown(ctx); err != nil {
		logger.Warn("review sessions did not drain", "component", "app", "err", err)
	}

	logger.Info("shutdown complete", "component", "http")
}

// connectRedis returns nil when Redis is not configured or unreachable; rate
// limiting is then disabled.
func connectRedis(logger *slog.Logger, redisURL string) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; transition rate limiting disabled", "component", "bootstrap", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; transition rate limiting disabled", "component", "bootstrap", "err", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; transition rate limiting disabled", "component", "bootstrap", "err", err)
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}
