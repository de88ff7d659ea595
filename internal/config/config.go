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

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// StoreDriver is "postgres" or "memory".
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis is optional; without it rate-limit windows and request
	// deduplication are local to the process.
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// SQS job intake, enabled when a queue URL is set
	SQSRegion   string
	SQSQueueURL string

	// AWS Services. SNS carries SMS and, with a topic ARN, engine events.
	AWSRegion          string
	SNSRegion          string
	SNSSenderID        string
	SNSEndpoint        string
	SNSEventsTopicARN  string
	SNSRecipientEvents bool

	// Transport. TransportDriver serves channels registered without a
	// driver; WebhookTimeout is in seconds.
	TransportDriver   string
	WebhookGatewayURL string
	WebhookToken      string
	WebhookTimeout    int

	// Dispatch pacing
	RateGlobalPerMinute  int
	RateChannelPerMinute int
	APIRatePerMinute     int
	SendMaxAttempts      int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	DelayMinMS           int
	DelayMaxMS           int
	ChannelDailyLimit    int
	PartitionStrategy    string

	// Circuit breaker
	BreakerMaxFailures      int
	BreakerMaxRateLimitHits int
	BreakerCooldown         time.Duration
	PauseOnBreakerTrip      bool

	// Validator
	DefaultCountryCode string
	ReservedPrefix     string

	// Sequencing and scheduling
	SequenceCompletion string
	SequenceLookahead  int
	ScheduleCron       string
	ScheduleBucketCap  int
	ScheduleCompletion string
	ScheduleFirstMatch string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Port:        8080,
		LogLevel:    "info",
		Env:         "development",
		StoreDriver: "postgres",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",
		DBMaxConns: 20,

		// Redis defaults
		RedisHost:   "localhost",
		RedisPort:   6379,
		RedisDB:     0,
		RedisPrefix: "herald",

		AWSRegion: "us-east-1",

		TransportDriver: "log",
		WebhookTimeout:  30,

		RateGlobalPerMinute:  60,
		RateChannelPerMinute: 20,
		APIRatePerMinute:     600,
		SendMaxAttempts:      3,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		DelayMinMS:           3000,
		DelayMaxMS:           8000,
		PartitionStrategy:    "round_robin",

		BreakerMaxFailures:      5,
		BreakerMaxRateLimitHits: 3,
		BreakerCooldown:         20 * time.Minute,

		DefaultCountryCode: "91",
		ReservedPrefix:     "91",

		SequenceCompletion: "loop",
		SequenceLookahead:  50,
		ScheduleCron:       "0 9 * * *",
		ScheduleCompletion: "loop",
		ScheduleFirstMatch: "highest",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		if driver != "postgres" && driver != "memory" {
			return nil, fmt.Errorf("invalid STORE_DRIVER: %q", driver)
		}
		cfg.StoreDriver = driver
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
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
	if err := boolEnv("REDIS_ENABLED", &cfg.RedisEnabled); err != nil {
		return nil, err
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		cfg.RedisPrefix = prefix
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS config for SMS and events
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	cfg.SNSSenderID = os.Getenv("SNS_SENDER_ID")
	cfg.SNSEndpoint = os.Getenv("SNS_ENDPOINT")
	cfg.SNSEventsTopicARN = os.Getenv("SNS_EVENTS_TOPIC_ARN")
	if err := boolEnv("SNS_RECIPIENT_EVENTS", &cfg.SNSRecipientEvents); err != nil {
		return nil, err
	}

	// Transport config
	if driver := os.Getenv("TRANSPORT_DRIVER"); driver != "" {
		cfg.TransportDriver = driver
	}

	cfg.WebhookGatewayURL = os.Getenv("WEBHOOK_GATEWAY_URL")
	cfg.WebhookToken = os.Getenv("WEBHOOK_TOKEN")

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	if cfg.TransportDriver == "webhook" && cfg.WebhookGatewayURL == "" {
		return nil, fmt.Errorf("WEBHOOK_GATEWAY_URL is required for the webhook driver")
	}

	// Dispatch and breaker knobs
	ints := []struct {
		name string
		dst  *int
	}{
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"RATE_GLOBAL_PER_MINUTE", &cfg.RateGlobalPerMinute},
		{"RATE_CHANNEL_PER_MINUTE", &cfg.RateChannelPerMinute},
		{"API_RATE_PER_MINUTE", &cfg.APIRatePerMinute},
		{"SEND_MAX_ATTEMPTS", &cfg.SendMaxAttempts},
		{"DELAY_MIN", &cfg.DelayMinMS},
		{"DELAY_MAX", &cfg.DelayMaxMS},
		{"CHANNEL_DAILY_LIMIT", &cfg.ChannelDailyLimit},
		{"BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"BREAKER_MAX_RATE_LIMIT_HITS", &cfg.BreakerMaxRateLimitHits},
		{"SEQUENCE_LOOKAHEAD", &cfg.SequenceLookahead},
		{"SCHEDULE_BUCKET_CAP", &cfg.ScheduleBucketCap},
	}
	for _, v := range ints {
		if err := intEnv(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"BACKOFF_BASE", &cfg.BackoffBase},
		{"BACKOFF_MAX", &cfg.BackoffMax},
		{"BREAKER_COOLDOWN", &cfg.BreakerCooldown},
	}
	for _, v := range durations {
		if err := durationEnv(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	if err := boolEnv("PAUSE_ON_BREAKER_TRIP", &cfg.PauseOnBreakerTrip); err != nil {
		return nil, err
	}

	if cfg.DelayMaxMS < cfg.DelayMinMS {
		return nil, fmt.Errorf("invalid DELAY_MAX: %d is below DELAY_MIN %d", cfg.DelayMaxMS, cfg.DelayMinMS)
	}

	if strategy := os.Getenv("PARTITION_STRATEGY"); strategy != "" {
		if strategy != "round_robin" && strategy != "affinity" {
			return nil, fmt.Errorf("invalid PARTITION_STRATEGY: %q", strategy)
		}
		cfg.PartitionStrategy = strategy
	}

	// Validator
	if cc := os.Getenv("DEFAULT_COUNTRY_CODE"); cc != "" {
		cfg.DefaultCountryCode = cc
	}
	if prefix := os.Getenv("RESERVED_PREFIX"); prefix != "" {
		cfg.ReservedPrefix = prefix
	}

	// Sequencing and scheduling
	for _, v := range []struct {
		name string
		dst  *string
	}{
		{"SEQUENCE_COMPLETION", &cfg.SequenceCompletion},
		{"SCHEDULE_COMPLETION", &cfg.ScheduleCompletion},
	} {
		if val := os.Getenv(v.name); val != "" {
			if val != "loop" && val != "stop" {
				return nil, fmt.Errorf("invalid %s: %q", v.name, val)
			}
			*v.dst = val
		}
	}

	if match := os.Getenv("SCHEDULE_FIRST_MATCH"); match != "" {
		if match != "highest" && match != "first" {
			return nil, fmt.Errorf("invalid SCHEDULE_FIRST_MATCH: %q", match)
		}
		cfg.ScheduleFirstMatch = match
	}

	if expr, ok := os.LookupEnv("SCHEDULE_CRON"); ok {
		// An empty value disables the campaign runner.
		cfg.ScheduleCron = expr
	}

	return cfg, nil
}

func intEnv(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if n < 0 {
		return fmt.Errorf("invalid %s: must not be negative", name)
	}
	*dst = n
	return nil
}

func durationEnv(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func boolEnv(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}
