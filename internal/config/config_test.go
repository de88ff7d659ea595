package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.StoreDriver != "postgres" {
		t.Errorf("StoreDriver = %s, want postgres", cfg.StoreDriver)
	}
	if cfg.SendMaxAttempts != 3 || cfg.BackoffBase != time.Second || cfg.BackoffMax != 30*time.Second {
		t.Errorf("retry defaults = %d/%v/%v", cfg.SendMaxAttempts, cfg.BackoffBase, cfg.BackoffMax)
	}
	if cfg.DelayMinMS != 3000 || cfg.DelayMaxMS != 8000 {
		t.Errorf("delay defaults = %d..%d", cfg.DelayMinMS, cfg.DelayMaxMS)
	}
	if cfg.BreakerMaxFailures != 5 || cfg.BreakerCooldown != 20*time.Minute {
		t.Errorf("breaker defaults = %d/%v", cfg.BreakerMaxFailures, cfg.BreakerCooldown)
	}
	if cfg.ScheduleCron != "0 9 * * *" {
		t.Errorf("ScheduleCron = %q", cfg.ScheduleCron)
	}
	if cfg.SQSRegion != cfg.AWSRegion || cfg.SNSRegion != cfg.AWSRegion {
		t.Error("SQS and SNS regions should default to AWS_REGION")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.eu-west-1.amazonaws.com/1/jobs")
	t.Setenv("BACKOFF_MAX", "10s")
	t.Setenv("BREAKER_COOLDOWN", "2m")
	t.Setenv("PAUSE_ON_BREAKER_TRIP", "1")
	t.Setenv("CHANNEL_DAILY_LIMIT", "200")
	t.Setenv("SCHEDULE_FIRST_MATCH", "first")
	t.Setenv("SCHEDULE_CRON", "")
	t.Setenv("RESERVED_PREFIX", "44")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9090 || cfg.StoreDriver != "memory" || !cfg.RedisEnabled {
		t.Errorf("server/store overrides not applied: %+v", cfg)
	}
	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("SQSRegion = %s, want eu-west-1", cfg.SQSRegion)
	}
	if cfg.BackoffMax != 10*time.Second || cfg.BreakerCooldown != 2*time.Minute {
		t.Errorf("durations = %v/%v", cfg.BackoffMax, cfg.BreakerCooldown)
	}
	if !cfg.PauseOnBreakerTrip || cfg.ChannelDailyLimit != 200 {
		t.Errorf("pause=%v daily=%d", cfg.PauseOnBreakerTrip, cfg.ChannelDailyLimit)
	}
	if cfg.ScheduleFirstMatch != "first" {
		t.Errorf("ScheduleFirstMatch = %s", cfg.ScheduleFirstMatch)
	}
	if cfg.ScheduleCron != "" {
		t.Error("an explicitly empty SCHEDULE_CRON should disable the runner")
	}
	if cfg.ReservedPrefix != "44" {
		t.Errorf("ReservedPrefix = %q, want 44", cfg.ReservedPrefix)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port", "PORT", "eighty"},
		{"store driver", "STORE_DRIVER", "sqlite"},
		{"attempts", "SEND_MAX_ATTEMPTS", "x"},
		{"negative limit", "CHANNEL_DAILY_LIMIT", "-1"},
		{"duration", "BACKOFF_BASE", "5"},
		{"bool", "PAUSE_ON_BREAKER_TRIP", "maybe"},
		{"completion", "SEQUENCE_COMPLETION", "forever"},
		{"first match", "SCHEDULE_FIRST_MATCH", "lowest"},
		{"partition", "PARTITION_STRATEGY", "random"},
		{"delay range", "DELAY_MAX", "10"},
		{"webhook without url", "TRANSPORT_DRIVER", "webhook"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}
