package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/gallery-paywall/internal/auth"
	"github.com/noah-isme/gallery-paywall/internal/checkout"
	"github.com/noah-isme/gallery-paywall/internal/common"
	"github.com/noah-isme/gallery-paywall/internal/config"
	"github.com/noah-isme/gallery-paywall/internal/health"
	"github.com/noah-isme/gallery-paywall/internal/obs"
	"github.com/noah-isme/gallery-paywall/internal/paypal"
	"github.com/noah-isme/gallery-paywall/internal/ratelimit"
	"github.com/noah-isme/gallery-paywall/internal/resilience"
	"github.com/noah-isme/gallery-paywall/internal/security"
	"github.com/noah-isme/gallery-paywall/internal/support"
	"github.com/noah-isme/gallery-paywall/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "paywall")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "gallery-paywall-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	authService, err := auth.NewService(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authMiddleware := auth.Middleware{Service: authService}

	paypalTransport := outboundClient(cfg, logger, "paypal")
	galleryTransport := outboundClient(cfg, logger, "gallery-platform")

	paypalClient, err := paypal.NewClient(paypal.ClientConfig{
		BaseURL:      cfg.PayPalBaseURL,
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalClientSecret,
		HTTP:         paypalTransport,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise paypal client")
	}

	sdkLoader, err := paypal.NewSDKLoader(paypal.LoaderConfig{
		Runtime:      &paypal.ScriptRuntime{BaseURL: cfg.PayPalBaseURL, HTTP: paypalTransport},
		Config:       paypal.NewSDKConfig(cfg.PayPalClientID, cfg.PayPalCurrency, cfg.PayPalDisableFunding, cfg.PayPalDebug),
		PollInterval: cfg.SDKPollInterval,
		Timeout:      cfg.SDKLoadTimeout,
		Logger:       logger.With().Str("component", "sdk-loader").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise sdk loader")
	}

	verifyClient, err := verification.NewClient(cfg.GalleryAPIURL, galleryTransport)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise verification client")
	}
	verifier := verification.NewService(
		verifyClient,
		verification.NewCache(redisClient, cfg.VerifyCacheMaxTTL),
		logger.With().Str("component", "verification").Logger(),
	)

	taskRedis, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for task queue")
	}
	taskClient := asynq.NewClient(taskRedis)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()
	escalator := &support.Escalator{
		Tasks:  taskClient,
		Queue:  cfg.SupportQueue,
		Logger: logger.With().Str("component", "support").Logger(),
	}

	registry := checkout.NewRegistry(cfg.SessionIdleTTL, logger.With().Str("component", "registry").Logger())
	go registry.Sweep(ctx, time.Minute)

	checkoutHandler := &checkout.Handler{
		Registry: registry,
		Deps: checkout.Deps{
			Loader:   sdkLoader,
			Orders:   paypalClient,
			Verifier: verifier,
			Support:  escalator,
			Logger:   logger.With().Str("component", "checkout").Logger(),
		},
		Access:   verifier,
		Validate: validator.New(),
		Currency: cfg.PayPalCurrency,
	}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	checkoutLimiter, err := ratelimit.NewRedisLimiter(redisClient, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	rate := ratelimit.Handler{
		Limiter: checkoutLimiter,
		Config: ratelimit.Config{
			Key: func(r *http.Request) string {
				if buyer, ok := common.BuyerID(r.Context()); ok && buyer != "" {
					return "checkout:" + buyer
				}
				return "checkout:ip:" + common.ClientIP(r)
			},
			Window: cfg.CheckoutRateWindow,
			Max:    int(cfg.CheckoutRateMax),
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("rate limiter unavailable")
		},
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.BodyLimit{Max: 1 << 20}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	pprofEnabled := envBool("OBS_ENABLE_PPROF", false)
	if pprofEnabled {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{redis: redisClient},
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Group(func(g chi.Router) {
			g.Use(authMiddleware.RequireAuth)
			g.Use(rate.Middleware)
			g.With(idem.Middleware).Post("/checkout/sessions", checkoutHandler.CreateSession)
			g.Get("/checkout/sessions/{sessionId}", checkoutHandler.SessionStatus)
			g.Post("/checkout/sessions/{sessionId}/order", checkoutHandler.CreateOrder)
			g.With(idem.Middleware).Post("/checkout/sessions/{sessionId}/approve", checkoutHandler.Approve)
			g.Post("/checkout/sessions/{sessionId}/error", checkoutHandler.ReportError)
			g.Delete("/checkout/sessions/{sessionId}", checkoutHandler.CloseSession)
			g.Get("/galleries/{galleryId}/access", checkoutHandler.GalleryAccess)
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown http server")
		}
	}()

	health.SetReady(true)
	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server shutdown complete")
}

func outboundClient(cfg *config.Config, logger zerolog.Logger, target string) *resilience.HTTPClient {
	l := logger.With().Str("target", target).Logger()
	return &resilience.HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.OutboundTimeout,
		},
		Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor).WithTarget(target).WithLogger(l),
		BaseBackoff: cfg.RetryBase,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      float64(cfg.RetryJitterPercent) / 100,
		Timeout:     cfg.OutboundTimeout,
		Target:      target,
		Logger:      &l,
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	redis *redis.Client
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
