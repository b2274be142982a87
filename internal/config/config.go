// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lalithlochan/dripline/internal/ai"
	"github.com/lalithlochan/dripline/internal/circuitbreaker"
	"github.com/lalithlochan/dripline/internal/db"
	"github.com/lalithlochan/dripline/internal/dispatch"
	"github.com/lalithlochan/dripline/internal/quiet"
	"github.com/lalithlochan/dripline/internal/redis"
	"github.com/lalithlochan/dripline/internal/retry"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	TransportLog      = "log"
	TransportTwilio   = "twilio"
	TransportTextGrid = "textgrid"
	TransportSNS      = "sns"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Quiet hours
	QuietEnforced  bool
	QuietStartHour int
	QuietEndHour   int
	QuietTZ        string

	// Number pool
	DailyLimit          int // default limit for numbers provisioned without one
	RatePerNumberPerMin int
	GlobalRatePerMin    int

	// Retry
	RetryBaseMinutes      int
	MaxRetries            int
	PermanentErrorSignals []string

	// Dispatch loop
	DispatchIntervalSeconds    int
	DispatchBatchSize          int
	DispatchConcurrency        int
	DispatchSendTimeoutSeconds int
	JitterSeconds              int
	NoNumberRequeueSeconds     int

	// Webhooks and admin API
	DedupeHours  int
	WebhookToken string
	CronToken    string
	APIRateLimit int // admin requests per minute per client, 0 disables

	// Transport
	Transport          string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TextGridAccountSID string
	TextGridAuthToken  string
	TextGridBaseURL    string
	StatusCallbackURL  string
	BreakerMaxFailures int
	BreakerRecoverySec int

	// Intent classification; rules only when OpenAIAPIKey is empty.
	OpenAIAPIKey         string
	OpenAIModel          string
	OpenAITimeoutSeconds int

	// AWS Services
	AWSRegion string
	SNSRegion string // AWS region for SNS (SMS and outcome topic)
	SQSRegion string

	// Dispatch-outcome sinks; each is enabled by setting its target.
	OutcomeSNSTopicARN  string
	OutcomeSQSQueueURL  string
	OutcomeAMQPURL      string
	OutcomeAMQPExchange string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: StorePostgres,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "dripline",
		DBName:    "dripline",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		QuietEnforced:  true,
		QuietStartHour: 21,
		QuietEndHour:   9,
		QuietTZ:        "America/Chicago",

		DailyLimit:          750,
		RatePerNumberPerMin: 20,
		GlobalRatePerMin:    5000,

		RetryBaseMinutes: 30,
		MaxRetries:       3,

		DispatchIntervalSeconds:    10,
		DispatchBatchSize:          50,
		DispatchConcurrency:        8,
		DispatchSendTimeoutSeconds: 15,
		JitterSeconds:              2,
		NoNumberRequeueSeconds:     300,

		DedupeHours:  72,
		APIRateLimit: 120,

		Transport:          TransportLog,
		TextGridBaseURL:    "https://api.textgrid.com",

		OpenAIModel:          "gpt-4o-mini",
		OpenAITimeoutSeconds: 12,

		AWSRegion:           "us-east-1",
		OutcomeAMQPExchange: "dripline.outcomes",
	}

	l := loader{}

	l.int("PORT", &cfg.Port)
	l.str("LOG_LEVEL", &cfg.LogLevel)
	l.str("ENV", &cfg.Env)
	l.str("STORE_DRIVER", &cfg.StoreDriver)

	// Database config
	l.str("DB_HOST", &cfg.DBHost)
	l.int("DB_PORT", &cfg.DBPort)
	l.str("DB_USER", &cfg.DBUser)
	l.str("DB_PASSWORD", &cfg.DBPassword)
	l.str("DB_NAME", &cfg.DBName)
	l.str("DB_SSLMODE", &cfg.DBSSLMode)
	l.int("DB_MAX_CONNS", &cfg.DBMaxConns)

	// Redis config
	l.str("REDIS_HOST", &cfg.RedisHost)
	l.int("REDIS_PORT", &cfg.RedisPort)
	l.str("REDIS_PASSWORD", &cfg.RedisPassword)
	l.int("REDIS_DB", &cfg.RedisDB)

	l.bool("QUIET_ENFORCED", &cfg.QuietEnforced)
	l.int("QUIET_START_HOUR", &cfg.QuietStartHour)
	l.int("QUIET_END_HOUR", &cfg.QuietEndHour)
	l.str("QUIET_TZ", &cfg.QuietTZ)

	l.int("DAILY_LIMIT", &cfg.DailyLimit)
	l.int("RATE_PER_NUMBER_PER_MIN", &cfg.RatePerNumberPerMin)
	l.int("GLOBAL_RATE_PER_MIN", &cfg.GlobalRatePerMin)

	l.int("RETRY_BASE_MINUTES", &cfg.RetryBaseMinutes)
	l.int("MAX_RETRIES", &cfg.MaxRetries)
	l.list("PERMANENT_ERROR_SIGNALS", &cfg.PermanentErrorSignals)

	l.int("DISPATCH_INTERVAL_SECONDS", &cfg.DispatchIntervalSeconds)
	l.int("DISPATCH_BATCH_SIZE", &cfg.DispatchBatchSize)
	l.int("DISPATCH_CONCURRENCY", &cfg.DispatchConcurrency)
	l.int("DISPATCH_SEND_TIMEOUT_SECONDS", &cfg.DispatchSendTimeoutSeconds)
	l.int("JITTER_SECONDS", &cfg.JitterSeconds)
	l.int("NO_NUMBER_REQUEUE_SECONDS", &cfg.NoNumberRequeueSeconds)

	l.int("DEDUPE_HOURS", &cfg.DedupeHours)
	l.str("WEBHOOK_TOKEN", &cfg.WebhookToken)
	l.str("CRON_TOKEN", &cfg.CronToken)
	l.int("API_RATE_LIMIT_PER_MIN", &cfg.APIRateLimit)

	l.str("TRANSPORT", &cfg.Transport)
	l.str("TWILIO_ACCOUNT_SID", &cfg.TwilioAccountSID)
	l.str("TWILIO_AUTH_TOKEN", &cfg.TwilioAuthToken)
	l.str("TEXTGRID_ACCOUNT_SID", &cfg.TextGridAccountSID)
	l.str("TEXTGRID_AUTH_TOKEN", &cfg.TextGridAuthToken)
	l.str("TEXTGRID_BASE_URL", &cfg.TextGridBaseURL)
	l.str("STATUS_CALLBACK_URL", &cfg.StatusCallbackURL)
	l.int("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	l.int("BREAKER_RECOVERY_SECONDS", &cfg.BreakerRecoverySec)

	l.str("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	l.str("OPENAI_MODEL", &cfg.OpenAIModel)
	l.int("OPENAI_TIMEOUT_SECONDS", &cfg.OpenAITimeoutSeconds)

	l.str("AWS_REGION", &cfg.AWSRegion)
	cfg.SNSRegion = cfg.AWSRegion
	cfg.SQSRegion = cfg.AWSRegion
	l.str("SNS_REGION", &cfg.SNSRegion)
	l.str("SQS_REGION", &cfg.SQSRegion)

	l.str("OUTCOME_SNS_TOPIC_ARN", &cfg.OutcomeSNSTopicARN)
	l.str("OUTCOME_SQS_QUEUE_URL", &cfg.OutcomeSQSQueueURL)
	l.str("OUTCOME_AMQP_URL", &cfg.OutcomeAMQPURL)
	l.str("OUTCOME_AMQP_EXCHANGE", &cfg.OutcomeAMQPExchange)

	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q", c.StoreDriver)
	}

	switch c.Transport {
	case TransportLog, TransportSNS:
	case TransportTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for the twilio transport")
		}
	case TransportTextGrid:
		if c.TextGridAccountSID == "" || c.TextGridAuthToken == "" {
			return fmt.Errorf("TEXTGRID_ACCOUNT_SID and TEXTGRID_AUTH_TOKEN are required for the textgrid transport")
		}
	default:
		return fmt.Errorf("invalid TRANSPORT: %q", c.Transport)
	}

	if c.IsProduction() && c.WebhookToken == "" {
		return fmt.Errorf("WEBHOOK_TOKEN is required in production")
	}
	if c.IsProduction() && c.CronToken == "" {
		return fmt.Errorf("CRON_TOKEN is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) Database() db.Config {
	return db.Config{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
		SSLMode:  c.DBSSLMode,
		MaxConns: int32(c.DBMaxConns),
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		PoolSize: c.DispatchConcurrency + 10,
	}
}

func (c *Config) QuietHours() quiet.Config {
	return quiet.Config{
		Enforced:  c.QuietEnforced,
		StartHour: c.QuietStartHour,
		EndHour:   c.QuietEndHour,
		Timezone:  c.QuietTZ,
	}
}

func (c *Config) Retry() retry.Config {
	return retry.Config{
		Base:             time.Duration(c.RetryBaseMinutes) * time.Minute,
		MaxRetries:       c.MaxRetries,
		PermanentSignals: c.PermanentErrorSignals,
	}
}

func (c *Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		Interval:        time.Duration(c.DispatchIntervalSeconds) * time.Second,
		BatchSize:       c.DispatchBatchSize,
		Concurrency:     c.DispatchConcurrency,
		SendTimeout:     time.Duration(c.DispatchSendTimeoutSeconds) * time.Second,
		Jitter:          time.Duration(c.JitterSeconds) * time.Second,
		NoNumberRequeue: time.Duration(c.NoNumberRequeueSeconds) * time.Second,
	}
}

func (c *Config) Breaker() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(c.Transport)
	if c.BreakerMaxFailures > 0 {
		cfg.Threshold = c.BreakerMaxFailures
	}
	if c.BreakerRecoverySec > 0 {
		cfg.Cooldown = time.Duration(c.BreakerRecoverySec) * time.Second
	}
	return cfg
}

func (c *Config) AI() ai.Config {
	return ai.Config{
		APIKey:  c.OpenAIAPIKey,
		Model:   c.OpenAIModel,
		Timeout: time.Duration(c.OpenAITimeoutSeconds) * time.Second,
	}
}

func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeHours) * time.Hour
}

// loader records the first parse error so Load can read every key in a
// straight line.
type loader struct {
	err error
}

func (l *loader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (l *loader) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" || l.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (l *loader) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" || l.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = b
}

func (l *loader) list(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
