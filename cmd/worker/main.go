package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/gallery-paywall/internal/config"
	"github.com/noah-isme/gallery-paywall/internal/obs"
	"github.com/noah-isme/gallery-paywall/internal/resilience"
	"github.com/noah-isme/gallery-paywall/internal/support"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	taskRedis, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for task queue")
	}

	webhookLogger := logger.With().Str("target", "support-webhook").Logger()
	worker := &support.ReconcileWorker{
		HTTP: &resilience.HTTPClient{
			Client: &http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
				Timeout:   cfg.OutboundTimeout,
			},
			Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor).WithTarget("support-webhook").WithLogger(webhookLogger),
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      float64(cfg.RetryJitterPercent) / 100,
			Timeout:     cfg.OutboundTimeout,
			Target:      "support-webhook",
			Logger:      &webhookLogger,
		},
		WebhookURL: cfg.SupportWebhookURL,
		Logger:     logger,
	}
	mux, err := worker.NewMux()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise reconcile worker")
	}

	srv := asynq.NewServer(taskRedis, asynq.Config{
		Concurrency: 5,
		Queues:      map[string]int{cfg.SupportQueue: 1},
	})

	logger.Info().Str("queue", cfg.SupportQueue).Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
	logger.Info().Msg("worker shutdown complete")
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
