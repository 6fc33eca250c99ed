// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// State store
	StoreBackend        string // memory, postgres, redis, dynamodb
	DatabaseURL         string
	RedisAddrs          []string // one address for a single node, several for a cluster
	RedisPassword       string
	DynamoRegion        string
	DynamoEndpoint      string // DynamoDB Local or LocalStack; empty for AWS
	DynamoLookupTable   string
	DynamoLedgerTable   string
	StoreTimeout        time.Duration
	StoreMaxAttempts    int
	StoreRetryDelay     time.Duration
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Reference data
	GeoCSVPath string

	// Event stream (optional, HTTP-only when KafkaBrokers is empty)
	KafkaBrokers      string
	KafkaGroupID      string
	KafkaTopic        string
	KafkaResultsTopic string // empty logs verdicts instead of producing them

	// Scoring lanes
	WorkerLanes     int
	LaneQueueSize   int
	LaneMaxAttempts int // 0 retries a failing event until shutdown

	// Security
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultDynamoRegion        = "us-east-1"
	DefaultLookupTable         = "card_lookup"
	DefaultLedgerTable         = "card_transactions"
	DefaultStoreTimeout        = 2 * time.Second
	DefaultStoreMaxAttempts    = 3
	DefaultStoreRetryDelay     = 50 * time.Millisecond
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 10 * time.Second
	DefaultKafkaGroupID        = "cardguard"
	DefaultKafkaTopic          = "transactions-topic-verified"
	DefaultWorkerLanes         = 8
	DefaultLaneQueueSize       = 64
	DefaultRateLimit           = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	cfg := read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStore reads the same variables as Load but only validates the state
// store section. Offline tools that never score use it.
func LoadStore() (*Config, error) {
	cfg := read()
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read() *Config {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreBackend:        strings.ToLower(os.Getenv("STORE_BACKEND")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddrs:          getEnvList("REDIS_ADDRS"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		DynamoRegion:        getEnv("DYNAMODB_REGION", DefaultDynamoRegion),
		DynamoEndpoint:      os.Getenv("DYNAMODB_ENDPOINT"),
		DynamoLookupTable:   getEnv("DYNAMODB_LOOKUP_TABLE", DefaultLookupTable),
		DynamoLedgerTable:   getEnv("DYNAMODB_LEDGER_TABLE", DefaultLedgerTable),
		StoreTimeout:        getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		StoreMaxAttempts:    int(getEnvInt64("STORE_MAX_ATTEMPTS", DefaultStoreMaxAttempts)),
		StoreRetryDelay:     getEnvDuration("STORE_RETRY_DELAY", DefaultStoreRetryDelay),
		BreakerThreshold:    int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenDuration: getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration),
		GeoCSVPath:          os.Getenv("GEO_CSV_PATH"),
		KafkaBrokers:        os.Getenv("KAFKA_BROKERS"),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		KafkaResultsTopic:   os.Getenv("KAFKA_RESULTS_TOPIC"),
		WorkerLanes:         int(getEnvInt64("WORKER_LANES", DefaultWorkerLanes)),
		LaneQueueSize:       int(getEnvInt64("LANE_QUEUE_SIZE", DefaultLaneQueueSize)),
		LaneMaxAttempts:     int(getEnvInt64("LANE_MAX_ATTEMPTS", 0)),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// A database URL without an explicit backend selects Postgres, as before
	// the other backends existed.
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = BackendPostgres
		}
	}
	return cfg
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}

	if c.GeoCSVPath == "" {
		return fmt.Errorf("GEO_CSV_PATH is required")
	}
	if c.WorkerLanes < 1 {
		return fmt.Errorf("WORKER_LANES must be at least 1")
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

// ValidateStore checks the backend selection and its connection keys.
func (c *Config) ValidateStore() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendRedis:
		if len(c.RedisAddrs) == 0 {
			return fmt.Errorf("REDIS_ADDRS is required for the redis backend")
		}
	case BackendDynamoDB:
		if c.DynamoRegion == "" {
			return fmt.Errorf("DYNAMODB_REGION is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND %q is not one of memory, postgres, redis, dynamodb", c.StoreBackend)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StreamEnabled reports whether events are consumed from Kafka.
func (c *Config) StreamEnabled() bool {
	return c.KafkaBrokers != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
