package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cardguard/internal/config"
	"github.com/mbd888/cardguard/internal/metrics"
)

// Open connects the backend selected by cfg.StoreBackend. The returned func
// releases its connections. Postgres tables come from the goose migrations
// (cmd/migrate); DynamoDB tables are created on demand.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		logger.Info("using postgres state store")
		return NewPostgresStore(db), func() { _ = db.Close() }, nil

	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.RedisAddrs,
			Password: cfg.RedisPassword,
		})
		logger.Info("using redis state store", "addrs", cfg.RedisAddrs)
		return NewRedisStore(client), func() { _ = client.Close() }, nil

	case config.BackendDynamoDB:
		client, err := NewDynamoClient(ctx, DynamoConfig{
			Region:      cfg.DynamoRegion,
			Endpoint:    cfg.DynamoEndpoint,
			LookupTable: cfg.DynamoLookupTable,
			LedgerTable: cfg.DynamoLedgerTable,
		})
		if err != nil {
			return nil, nil, err
		}
		store := NewDynamoStore(client, cfg.DynamoLookupTable, cfg.DynamoLedgerTable)
		if err := store.EnsureTables(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure dynamodb tables: %w", err)
		}
		logger.Info("using dynamodb state store",
			"lookup_table", cfg.DynamoLookupTable,
			"ledger_table", cfg.DynamoLedgerTable,
		)
		return store, func() {}, nil

	case config.BackendMemory:
		logger.Warn("using in-memory state store, data is lost on restart")
		return NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("statestore: unknown backend %q", cfg.StoreBackend)
	}
}

// GuardOptionsFrom maps the store tuning keys of cfg onto GuardOptions.
func GuardOptionsFrom(cfg *config.Config) GuardOptions {
	return GuardOptions{
		Timeout:             cfg.StoreTimeout,
		MaxAttempts:         cfg.StoreMaxAttempts,
		RetryDelay:          cfg.StoreRetryDelay,
		BreakerThreshold:    cfg.BreakerThreshold,
		BreakerOpenDuration: cfg.BreakerOpenDuration,
	}
}
