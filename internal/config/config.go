package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Email providers
const (
	EmailProviderSMTP = "smtp"
	EmailProviderSES  = "ses"
	EmailProviderLog  = "log"
)

// Messenger providers
const (
	MessengerProviderTelegram = "telegram"
	MessengerProviderLog      = "log"
)

// Queue backends for deferred delivery jobs
const (
	QueuePostgres = "postgres"
	QueueRedis    = "redis"
	QueueSQS      = "sqs"
	QueueMemory   = "memory"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Delivery scheduling
	QueueBackend string
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	JobLease     time.Duration
	Delays       DelayTable

	// how often recipients whose jobs were never enqueued are rescheduled
	ReconcileInterval time.Duration

	// SQS config
	SQSRegion   string
	SQSQueueURL string

	// Email
	EmailProvider string
	EmailFrom     string // sender address for both SMTP and SES
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string

	// AWS Services
	AWSRegion   string
	SNSTopicARN string // optional, receives delivery outcome events
	SNSEndpoint string // optional endpoint override, e.g. LocalStack

	// Messenger (Telegram Bot API)
	MessengerProvider  string
	TelegramBotToken   string
	TelegramAPIURL     string
	TelegramRatePerSec int

	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		QueueBackend: QueuePostgres,
		Workers:      4,
		BatchSize:    20,
		PollInterval: time.Second,
		JobLease:     60 * time.Second,
		Delays:       DefaultDelays(),

		ReconcileInterval: 30 * time.Second,

		EmailProvider: EmailProviderSMTP,
		EmailFrom:     "noreply@courier.local",
		SMTPHost:      "localhost",
		SMTPPort:      587,

		AWSRegion: "us-east-1",

		MessengerProvider:  MessengerProviderTelegram,
		TelegramAPIURL:     "https://api.telegram.org",
		TelegramRatePerSec: 25,

		RateLimitPerMinute: 100,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Scheduling
	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		cfg.QueueBackend = backend
	}

	if cfg.Workers, err = intEnv("WORKERS", cfg.Workers); err != nil {
		return nil, err
	}

	if cfg.BatchSize, err = intEnv("BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}

	pollMS, err := intEnv("POLL_INTERVAL_MS", int(cfg.PollInterval/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.PollInterval = time.Duration(pollMS) * time.Millisecond

	leaseSec, err := intEnv("JOB_LEASE_SECONDS", int(cfg.JobLease/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.JobLease = time.Duration(leaseSec) * time.Second

	reconcileSec, err := intEnv("RECONCILE_INTERVAL_SECONDS", int(cfg.ReconcileInterval/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.ReconcileInterval = time.Duration(reconcileSec) * time.Second

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	if endpoint := os.Getenv("SNS_ENDPOINT"); endpoint != "" {
		cfg.SNSEndpoint = endpoint
	}

	// Email
	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		cfg.EmailProvider = provider
	}

	if from := os.Getenv("EMAIL_FROM"); from != "" {
		cfg.EmailFrom = from
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if cfg.SMTPPort, err = intEnv("SMTP_PORT", cfg.SMTPPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	// Messenger
	if provider := os.Getenv("MESSENGER_PROVIDER"); provider != "" {
		cfg.MessengerProvider = provider
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.TelegramBotToken = token
	}

	if url := os.Getenv("TELEGRAM_API_URL"); url != "" {
		cfg.TelegramAPIURL = url
	}

	if cfg.TelegramRatePerSec, err = intEnv("TELEGRAM_RATE_PER_SEC", cfg.TelegramRatePerSec); err != nil {
		return nil, err
	}

	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the selected providers have what they need.
// Log-only delivery has to be chosen explicitly through EMAIL_PROVIDER or
// MESSENGER_PROVIDER; a missing credential is never replaced by it.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueuePostgres, QueueRedis, QueueMemory:
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return &Error{Key: "SQS_QUEUE_URL", Reason: "required when QUEUE_BACKEND=sqs"}
		}
	default:
		return &Error{Key: "QUEUE_BACKEND", Reason: fmt.Sprintf("unknown backend %q", c.QueueBackend)}
	}

	switch c.EmailProvider {
	case EmailProviderSMTP:
		if c.SMTPHost == "" {
			return &Error{Key: "SMTP_HOST", Reason: "required when EMAIL_PROVIDER=smtp"}
		}
	case EmailProviderSES, EmailProviderLog:
	default:
		return &Error{Key: "EMAIL_PROVIDER", Reason: fmt.Sprintf("unknown provider %q", c.EmailProvider)}
	}

	if c.EmailFrom == "" {
		return &Error{Key: "EMAIL_FROM", Reason: "sender address is required"}
	}

	switch c.MessengerProvider {
	case MessengerProviderTelegram:
		if c.TelegramBotToken == "" {
			return &Error{Key: "TELEGRAM_BOT_TOKEN", Reason: "required when MESSENGER_PROVIDER=telegram"}
		}
	case MessengerProviderLog:
	default:
		return &Error{Key: "MESSENGER_PROVIDER", Reason: fmt.Sprintf("unknown provider %q", c.MessengerProvider)}
	}

	if c.Workers < 1 {
		return &Error{Key: "WORKERS", Reason: "must be at least 1"}
	}

	if c.BatchSize < 1 {
		return &Error{Key: "BATCH_SIZE", Reason: "must be at least 1"}
	}

	if c.PollInterval <= 0 {
		return &Error{Key: "POLL_INTERVAL_MS", Reason: "must be positive"}
	}

	if c.JobLease <= 0 {
		return &Error{Key: "JOB_LEASE_SECONDS", Reason: "must be positive"}
	}

	if c.ReconcileInterval <= 0 {
		return &Error{Key: "RECONCILE_INTERVAL_SECONDS", Reason: "must be positive"}
	}

	return nil
}

// RedisAddr returns host:port for the redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
