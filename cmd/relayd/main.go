package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/couchbase/gocb/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"relay/internal/couchbase"
	"relay/internal/generator"
	"relay/internal/ingest"
	"relay/internal/relay"
	"relay/internal/relay/archive"
	"relay/internal/relay/hub"
	"relay/internal/relay/metrics"
	"relay/internal/relay/tracing"
	"relay/internal/transport/httpapi"
)

// Set with -ldflags at build time.
var (
	version   = "dev"
	buildTime = ""
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ArchiveEnabled  bool          `env:"ARCHIVE_ENABLED" envDefault:"false"`
	ArchiveEventTTL time.Duration `env:"ARCHIVE_EVENT_TTL" envDefault:"168h"`

	Hub       hub.Config `envPrefix:"RELAY_"`
	HTTP      httpapi.Config
	NATS      ingest.Config
	Generator generator.Config
	Metrics   metrics.ServerConfig
	Tracing   tracing.Config
	Couchbase couchbase.Config `envPrefix:"COUCHBASE_"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("failed to load .env: %v", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relayd failed", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo(version, buildTime)
	metricsServer := metrics.NewServer(cfg.Metrics, metricsRegistry, logger)

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	logger.Info("tracing initialized",
		zap.Bool("enabled", cfg.Tracing.Enabled),
		zap.String("service", cfg.Tracing.ServiceName),
		zap.String("otlp_endpoint", cfg.Tracing.Endpoint),
		zap.Float64("sample_rate", cfg.Tracing.SampleRate),
	)

	opts := []hub.Option{hub.WithObserver(metricsRegistry)}
	if cfg.ArchiveEnabled {
		store, cluster, err := newArchive(cfg, metricsRegistry, tracer)
		if err != nil {
			return err
		}
		defer func() {
			if err := cluster.Close(nil); err != nil {
				logger.Error("failed to close couchbase cluster", zap.Error(err))
			}
		}()
		opts = append(opts, hub.WithArchive(store))

		logger.Info("couchbase archive enabled",
			zap.String("bucket", cfg.Couchbase.Bucket),
			zap.String("scope", cfg.Couchbase.Scope),
		)
	}

	core, err := hub.New(cfg.Hub, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	if err := core.Restore(ctx); err != nil {
		return err
	}

	var api relay.Hub = core
	api = hub.NewMetricsHub(api, metricsRegistry)
	api = hub.NewTracedHub(api, tracer)

	gen, err := generator.New(cfg.Generator, api, logger)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	httpServer, err := httpapi.NewServer(cfg.HTTP, api, logger, httpapi.WithGenerator(gen))
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metricsServer.Start(gctx)
	})
	g.Go(func() error {
		return core.Run(gctx)
	})
	g.Go(func() error {
		return httpServer.Start(gctx)
	})
	g.Go(func() error {
		return gen.Run(gctx)
	})
	// Closing the hub ends open streams, which lets the http server shut down.
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return core.Close(closeCtx)
	})

	if cfg.NATS.URL != "" {
		bridge, err := ingest.New(cfg.NATS, api, logger, ingest.WithObserver(metricsRegistry))
		if err != nil {
			return fmt.Errorf("failed to create nats bridge: %w", err)
		}
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}

	metricsServer.SetReady(true)
	logger.Info("relayd started",
		zap.String("version", version),
		zap.String("http", httpServer.Addr()),
		zap.String("metrics", metricsServer.Addr()),
		zap.Uint64("tail", core.Stats().Tail),
		zap.Bool("generator", gen.Running()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("relayd stopped")
	return nil
}

func newArchive(cfg Config, registry *metrics.Registry, tracer *tracing.Tracer) (relay.Archive, *gocb.Cluster, error) {
	cluster, bucket, err := couchbase.Connect(cfg.Couchbase)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to couchbase: %w", err)
	}

	fail := func(msg string, err error) (relay.Archive, *gocb.Cluster, error) {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("%s: %w", msg, err)
	}

	stores, err := archive.NewStores(cluster, bucket, cfg.Couchbase.Scope)
	if err != nil {
		return fail("failed to create archive stores", err)
	}

	transactions, err := couchbase.NewTransactions(cluster, cfg.Couchbase.TxTimeout)
	if err != nil {
		return fail("failed to create transactions", err)
	}

	store, err := archive.NewCouchbase(stores, transactions, cfg.ArchiveEventTTL)
	if err != nil {
		return fail("failed to create archive", err)
	}

	var a relay.Archive = store
	a = archive.NewMetricsArchive(a, registry)
	a = archive.NewTracedArchive(a, tracer, "couchbase")

	return a, cluster, nil
}
