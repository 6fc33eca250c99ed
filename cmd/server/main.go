// Cardguard - streaming card-transaction fraud scorer
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/cardguard/internal/config"
	"github.com/mbd888/cardguard/internal/health"
	"github.com/mbd888/cardguard/internal/ingest"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/metrics"
	"github.com/mbd888/cardguard/internal/refdata"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/scoring"
	"github.com/mbd888/cardguard/internal/server"
	"github.com/mbd888/cardguard/internal/statestore"
	"github.com/mbd888/cardguard/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting cardguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"store", cfg.StoreBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTraces(shutdownCtx)
		}()
	}

	// Reference data is loaded once; the scorer refuses to start without it.
	geoIndex, stats, err := refdata.LoadGeoFile(cfg.GeoCSVPath)
	if err != nil {
		return fmt.Errorf("load postal code coordinates: %w", err)
	}
	metrics.GeoIndexSize.Set(float64(geoIndex.Len()))
	logger.Info("postal code coordinates loaded",
		"path", cfg.GeoCSVPath,
		"loaded", stats.Loaded,
		"skipped", stats.Skipped,
	)

	backend, closeBackend, err := statestore.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	store := statestore.NewGuarded(backend, statestore.GuardOptionsFrom(cfg))

	pipeline := scoring.New(store, geoIndex, scoring.WithLogger(logger))
	dispatcher := scoring.NewDispatcher(pipeline, scoring.DispatcherConfig{
		Lanes:     cfg.WorkerLanes,
		QueueSize: cfg.LaneQueueSize,
		Retry:     retry.Policy{MaxAttempts: cfg.LaneMaxAttempts},
	}, logger)

	registry := health.NewRegistry()
	registry.Register("store", health.PingChecker("store", store, 2*time.Second))
	registry.Register("store_circuits", health.BreakerChecker("store_circuits", store.Breaker(), statestore.Ops...))
	registry.Register("geo_index", health.SizeChecker("geo_index", geoIndex.Len, 1))

	srv := server.New(cfg, pipeline, store,
		server.WithLogger(logger),
		server.WithTransactions(store),
		server.WithHealth(registry),
	)

	var source *ingest.KafkaSource
	if cfg.StreamEnabled() {
		var sink ingest.Sink
		source, sink, err = openStream(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := source.Close(); err != nil {
				logger.Warn("close consumer", "error", err)
			}
			if ks, ok := sink.(*ingest.KafkaSink); ok {
				ks.Close(5000)
			}
		}()
	} else {
		logger.Info("KAFKA_BROKERS not set, serving HTTP scoring only")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if source != nil {
		g.Go(func() error {
			err := source.Run(gctx, dispatcher)
			if errors.Is(err, scoring.ErrDispatcherStopped) {
				// The lane error is reported by the dispatcher goroutine.
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("cardguard stopped")
	return nil
}

// openStream builds the Kafka source and the verdict sink. Verdicts go to the
// results topic when one is configured and to the log otherwise.
func openStream(cfg *config.Config, logger *slog.Logger) (*ingest.KafkaSource, ingest.Sink, error) {
	consumer, err := ingest.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID)
	if err != nil {
		return nil, nil, err
	}

	var sink ingest.Sink = ingest.NewLogSink(logger)
	if cfg.KafkaResultsTopic != "" {
		producer, err := ingest.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			_ = consumer.Close()
			return nil, nil, err
		}
		sink = ingest.NewKafkaSink(producer, cfg.KafkaResultsTopic)
	}

	source := ingest.NewKafkaSource(consumer, sink, ingest.KafkaSourceConfig{
		Topic: cfg.KafkaTopic,
	}, logger)
	logger.Info("consuming transactions",
		"brokers", cfg.KafkaBrokers,
		"topic", cfg.KafkaTopic,
		"group", cfg.KafkaGroupID,
		"results_topic", cfg.KafkaResultsTopic,
	)
	return source, sink, nil
}
