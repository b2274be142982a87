package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/ai"
	"github.com/lalithlochan/dripline/internal/api"
	"github.com/lalithlochan/dripline/internal/circuitbreaker"
	"github.com/lalithlochan/dripline/internal/config"
	"github.com/lalithlochan/dripline/internal/db"
	"github.com/lalithlochan/dripline/internal/dispatch"
	"github.com/lalithlochan/dripline/internal/drip"
	"github.com/lalithlochan/dripline/internal/events"
	"github.com/lalithlochan/dripline/internal/numbers"
	"github.com/lalithlochan/dripline/internal/observ"
	"github.com/lalithlochan/dripline/internal/quiet"
	"github.com/lalithlochan/dripline/internal/redis"
	"github.com/lalithlochan/dripline/internal/retry"
	"github.com/lalithlochan/dripline/internal/transport"
	"github.com/lalithlochan/dripline/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// stores are the persistence backends selected by STORE_DRIVER.
type stores struct {
	drip     drip.Store
	numbers  numbers.Store
	contacts webhook.ContactStore
	health   api.HealthCheck
	close    func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, zap.String("service", "dripline"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dripline gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("transport", cfg.Transport),
	)

	ctx := context.Background()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// Redis backs idempotency and every rate limit, so it is required in
	// all modes.
	redisClient, err := redis.New(ctx, cfg.Redis(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	idempotency := redis.NewIdempotencyStore(redisClient, cfg.DedupeTTL(), logger)
	bucket := redis.NewTokenBucket(redisClient, 0, logger)
	globalLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.GlobalRatePerMin,
		Window: time.Minute,
	})
	var apiLimiter api.Limiter
	if cfg.APIRateLimit > 0 {
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
	}

	quietHours, err := quiet.New(cfg.QuietHours())
	if err != nil {
		return fmt.Errorf("invalid quiet hours: %w", err)
	}
	retryPolicy := retry.New(cfg.Retry())

	queue := drip.NewQueue(st.drip, drip.Config{
		MaxRetries: retryPolicy.MaxRetries(),
		Quiet:      quietHours,
	}, logger)

	pool, err := numbers.NewPool(st.numbers, bucket, numbers.Config{
		RatePerMinute: cfg.RatePerNumberPerMin,
		Timezone:      cfg.QuietTZ,
	}, logger)
	if err != nil {
		return err
	}

	provider, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create %s transport: %w", cfg.Transport, err)
	}
	breaker := circuitbreaker.New(cfg.Breaker(), logger)
	protected := circuitbreaker.NewProtectedTransport(provider, breaker, logger)

	sink := newSinks(ctx, cfg, logger)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close outcome sinks", zap.Error(err))
		}
	}()

	loop := dispatch.New(dispatch.Deps{
		Queue:     queue,
		Pool:      pool,
		Transport: protected,
		Retry:     retryPolicy,
		Quiet:     quietHours,
		Limiter:   globalLimiter,
		Sink:      sink,
	}, cfg.Dispatch(), logger)

	var classifier webhook.Classifier = webhook.RuleClassifier{}
	if cfg.OpenAIAPIKey != "" {
		client, err := ai.NewClient(cfg.AI(), logger)
		if err != nil {
			return fmt.Errorf("failed to create ai client: %w", err)
		}
		classifier = ai.NewClassifier(client, logger)
		logger.Info("ai intent classification enabled", zap.String("model", cfg.OpenAIModel))
	}

	ingestor := webhook.NewIngestor(idempotency, queue, pool, st.contacts, classifier, logger)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Start(loopCtx)
	}()

	logger.Info("dispatch loop started",
		zap.Duration("interval", cfg.Dispatch().Interval),
		zap.Int("batch_size", cfg.DispatchBatchSize),
		zap.Int("concurrency", cfg.DispatchConcurrency),
	)

	checks := map[string]api.HealthCheck{"redis": redisClient.Ping}
	if st.health != nil {
		checks["postgres"] = st.health
	}

	handler := api.NewHandler(api.Deps{
		Queue:             queue,
		Numbers:           pool,
		Dispatcher:        loop,
		Ingestor:          ingestor,
		Idempotency:       idempotency,
		OptOuts:           st.contacts,
		DefaultDailyLimit: cfg.DailyLimit,
		Breakers:          []*circuitbreaker.CircuitBreaker{breaker},
		Checks:            checks,
	}, logger)

	router := api.NewRouter(handler, api.RouterConfig{
		WebhookToken:  cfg.WebhookToken,
		AdminToken:    cfg.CronToken,
		RequireTokens: cfg.IsProduction(),
		RateLimiter:   apiLimiter,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// In-flight sends finish and record their outcome before exit.
		loopCancel()
		select {
		case <-loopDone:
		case <-ctx.Done():
			logger.Warn("dispatch loop did not stop before shutdown deadline")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory stores, state is lost on restart")
		return &stores{
			drip:     drip.NewMemoryStore(),
			numbers:  numbers.NewMemoryStore(),
			contacts: webhook.NewMemoryContacts(),
			close:    func() {},
		}, nil
	}

	database, err := db.New(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	return &stores{
		drip:     db.NewDripRepository(database, logger),
		numbers:  db.NewNumberRepository(database, logger),
		contacts: db.NewContactRepository(database, logger),
		health:   database.Health,
		close:    database.Close,
	}, nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportTwilio:
		return transport.NewTwilioTransport(transport.TwilioConfig{
			AccountSID:        cfg.TwilioAccountSID,
			AuthToken:         cfg.TwilioAuthToken,
			StatusCallbackURL: cfg.StatusCallbackURL,
		}, logger)
	case config.TransportTextGrid:
		return transport.NewTextGridTransport(transport.TextGridConfig{
			AccountSID:        cfg.TextGridAccountSID,
			AuthToken:         cfg.TextGridAuthToken,
			BaseURL:           cfg.TextGridBaseURL,
			StatusCallbackURL: cfg.StatusCallbackURL,
			Timeout:           cfg.Dispatch().SendTimeout,
		}, logger)
	case config.TransportSNS:
		return transport.NewSNSTransport(ctx, transport.SNSConfig{Region: cfg.SNSRegion}, logger)
	case config.TransportLog:
		return transport.NewLogTransport(logger), nil
	default:
		return nil, errors.New("unknown transport")
	}
}

// newSinks always logs outcomes and adds every broker sink whose target is
// configured. A sink that cannot be created is skipped with a warning.
func newSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) *events.Multi {
	sinks := []events.Sink{events.NewLogSink(logger)}

	if cfg.OutcomeSNSTopicARN != "" {
		s, err := events.NewSNSSink(ctx, cfg.OutcomeSNSTopicARN, cfg.SNSRegion)
		if err != nil {
			logger.Warn("sns outcome sink unavailable", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.OutcomeSQSQueueURL != "" {
		s, err := events.NewSQSSink(ctx, cfg.OutcomeSQSQueueURL, cfg.SQSRegion)
		if err != nil {
			logger.Warn("sqs outcome sink unavailable", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.OutcomeAMQPURL != "" {
		s, err := events.NewAMQPSink(cfg.OutcomeAMQPURL, cfg.OutcomeAMQPExchange)
		if err != nil {
			logger.Warn("amqp outcome sink unavailable", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}

	logger.Info("outcome sinks configured", zap.Int("count", len(sinks)))
	return events.NewMulti(sinks...)
}
