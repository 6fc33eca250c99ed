package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

// clearStoreEnv makes each test independent of the developer's shell.
func clearStoreEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"STORE_BACKEND", "DATABASE_URL", "REDIS_ADDRS", "KAFKA_BROKERS", "WORKER_LANES", "STORE_TIMEOUT"} {
		setEnv(t, key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearStoreEnv(t)
	setEnv(t, "GEO_CSV_PATH", "/data/zipcodes.csv")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, DefaultStoreTimeout, cfg.StoreTimeout)
	assert.Equal(t, DefaultWorkerLanes, cfg.WorkerLanes)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Equal(t, DefaultLookupTable, cfg.DynamoLookupTable)
	assert.Zero(t, cfg.LaneMaxAttempts)
	assert.False(t, cfg.StreamEnabled())
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	clearStoreEnv(t)
	setEnv(t, "GEO_CSV_PATH", "/data/zipcodes.csv")
	setEnv(t, "DATABASE_URL", "postgres://localhost/cardguard")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
}

func TestLoad_RedisCluster(t *testing.T) {
	clearStoreEnv(t)
	setEnv(t, "GEO_CSV_PATH", "/data/zipcodes.csv")
	setEnv(t, "STORE_BACKEND", "Redis")
	setEnv(t, "REDIS_ADDRS", "redis-1:6379, redis-2:6379,,")
	setEnv(t, "STORE_TIMEOUT", "750ms")
	setEnv(t, "KAFKA_BROKERS", "kafka:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.RedisAddrs)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.True(t, cfg.StreamEnabled())
}

func TestLoad_MissingGeoPath(t *testing.T) {
	clearStoreEnv(t)
	setEnv(t, "GEO_CSV_PATH", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GEO_CSV_PATH is required")
}

func TestLoadStore_IgnoresScoringKeys(t *testing.T) {
	clearStoreEnv(t)
	setEnv(t, "GEO_CSV_PATH", "")
	setEnv(t, "DATABASE_URL", "postgres://localhost/cardguard")

	cfg, err := LoadStore()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)

	setEnv(t, "STORE_BACKEND", "cassandra")
	_, err = LoadStore()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			StoreBackend: BackendMemory,
			GeoCSVPath:   "/data/zipcodes.csv",
			WorkerLanes:  1,
			StoreTimeout: time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.StoreBackend = "hbase" },
			wantErr: "not one of",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.StoreBackend = BackendPostgres },
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "redis without addresses",
			mutate:  func(c *Config) { c.StoreBackend = BackendRedis },
			wantErr: "REDIS_ADDRS is required",
		},
		{
			name:    "dynamodb without region",
			mutate:  func(c *Config) { c.StoreBackend = BackendDynamoDB },
			wantErr: "DYNAMODB_REGION is required",
		},
		{
			name:    "no lanes",
			mutate:  func(c *Config) { c.WorkerLanes = 0 },
			wantErr: "WORKER_LANES",
		},
		{
			name:    "zero store timeout",
			mutate:  func(c *Config) { c.StoreTimeout = 0 },
			wantErr: "STORE_TIMEOUT",
		},
		{
			name:    "brokers without topic",
			mutate:  func(c *Config) { c.KafkaBrokers = "kafka:9092" },
			wantErr: "KAFKA_TOPIC is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "3s")
	setEnv(t, "TEST_INVALID", "3 parsecs")

	assert.Equal(t, 3*time.Second, getEnvDuration("TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))
}
