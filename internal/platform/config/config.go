package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration. Empty infrastructure URLs
// select the in-memory implementations, which is the local-dev default.
type Server struct {
	Addr        string
	LogLevel    string
	DatabaseURL string
	Redis       RedisConfig
	Kafka       KafkaConfig
	Saga        SagaConfig
	Audit       AuditConfig
}

// RedisConfig configures the client behind the distributed saga lock.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the audit relay target.
type KafkaConfig struct {
	Brokers           []string
	AuditTopic        string
	Partitions        int32
	ReplicationFactor int16
}

// SagaConfig bounds saga lifetimes and the reaper that enforces them.
type SagaConfig struct {
	Timeout             time.Duration
	CompensationTimeout time.Duration
	LockTTL             time.Duration
	ReaperSchedule      string
	ReaperBatchSize     int
}

// AuditConfig sizes the async audit buffer and the outbox relay.
type AuditConfig struct {
	BufferSize        int
	RelayInterval     time.Duration
	RelayBatchSize    int
	FailureThreshold  int
	RecoveryThreshold int
	// StepSampleRate is the share of Saga.StepCompleted events persisted.
	StepSampleRate float64
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	p := parser{}
	cfg := Server{
		Addr:        p.str("IDVERIFY_ADDR", ":8080"),
		LogLevel:    p.str("LOG_LEVEL", "info"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     p.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:           splitList(os.Getenv("KAFKA_BROKERS")),
			AuditTopic:        p.str("AUDIT_TOPIC", "idverify.audit"),
			Partitions:        int32(p.integer("AUDIT_TOPIC_PARTITIONS", 3)),
			ReplicationFactor: int16(p.integer("AUDIT_TOPIC_REPLICATION", 1)),
		},
		Saga: SagaConfig{
			Timeout:             p.duration("SAGA_TIMEOUT", 15*time.Minute),
			CompensationTimeout: p.duration("SAGA_COMPENSATION_TIMEOUT", 30*time.Second),
			LockTTL:             p.duration("SAGA_LOCK_TTL", 45*time.Second),
			ReaperSchedule:      p.str("REAPER_SCHEDULE", "@every 1m"),
			ReaperBatchSize:     p.integer("REAPER_BATCH_SIZE", 100),
		},
		Audit: AuditConfig{
			BufferSize:        p.positive("AUDIT_BUFFER_SIZE", 1000),
			RelayInterval:     p.duration("AUDIT_RELAY_INTERVAL", time.Second),
			RelayBatchSize:    p.positive("AUDIT_RELAY_BATCH_SIZE", 100),
			FailureThreshold:  p.integer("AUDIT_BREAKER_FAILURES", 5),
			RecoveryThreshold: p.integer("AUDIT_BREAKER_RECOVERIES", 3),
			StepSampleRate:    p.float("AUDIT_STEP_SAMPLE_RATE", 1),
		},
	}
	if p.err != nil {
		return Server{}, p.err
	}
	if cfg.Saga.CompensationTimeout >= cfg.Saga.LockTTL {
		return Server{}, fmt.Errorf("SAGA_LOCK_TTL (%s) must exceed SAGA_COMPENSATION_TIMEOUT (%s)",
			cfg.Saga.LockTTL, cfg.Saga.CompensationTimeout)
	}
	return cfg, nil
}

// parser keeps the first malformed variable so FromEnv reports one error.
type parser struct {
	err error
}

func (p *parser) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		p.fail(key, raw, "a non-negative integer")
		return fallback
	}
	return v
}

// positive rejects zero for sizes where zero would silently change behavior.
func (p *parser) positive(key string, fallback int) int {
	v := p.integer(key, fallback)
	if v < 1 {
		p.fail(key, os.Getenv(key), "a positive integer")
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		p.fail(key, raw, "a positive duration")
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		p.fail(key, raw, "a rate between 0 and 1")
		return fallback
	}
	return v
}

func (p *parser) fail(key, raw, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("%s=%q: want %s", key, raw, want)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
