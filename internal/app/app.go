// Package app wires the index services together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	httpapi "github.com/arkilian/dicomindex/internal/api/http"
	"github.com/arkilian/dicomindex/internal/blob"
	"github.com/arkilian/dicomindex/internal/changefeed"
	"github.com/arkilian/dicomindex/internal/cleanup"
	"github.com/arkilian/dicomindex/internal/config"
	"github.com/arkilian/dicomindex/internal/dicomjson"
	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/ingest"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/notify"
	"github.com/arkilian/dicomindex/internal/observability"
	"github.com/arkilian/dicomindex/internal/query/parser"
	"github.com/arkilian/dicomindex/internal/querytag"
	"github.com/arkilian/dicomindex/internal/reindex"
	"github.com/arkilian/dicomindex/internal/server"
	"github.com/arkilian/dicomindex/pkg/types"
)

// PublisherDialer opens the broker connection of the change feed relay.
type PublisherDialer func(cfg config.ChangeFeedConfig) (changefeed.Publisher, error)

// App owns the index store and every service built on it.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	dialPublisher PublisherDialer

	store    *indexstore.Store
	blobs    blob.Store
	registry *prometheus.Registry
	shutdown *server.ShutdownManager
	events   *notify.Notifier

	orch       *reindex.Orchestrator
	cache      *querytag.Cache
	stats      *observability.QueryTagStats
	parser     *parser.Parser
	ingest     *ingest.Service
	tags       *querytag.Service
	changeFeed *changefeed.Reader
	health     *cleanup.HealthChecker

	httpListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New validates cfg and prepares its directories. Nothing is opened until Start.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{
		cfg: cfg,
		log: logging.Component("app"),
		dialPublisher: func(c config.ChangeFeedConfig) (changefeed.Publisher, error) {
			return changefeed.DialAMQP(c.AMQPURL, c.Exchange, c.Shards)
		},
	}, nil
}

// WithPublisherDialer replaces the AMQP dialer of the change feed relay.
func (a *App) WithPublisherDialer(dial PublisherDialer) *App {
	a.dialPublisher = dial
	return a
}

// Start opens shared resources, builds the services and starts the
// background workers and the operational HTTP endpoint the mode calls for.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())

	if err := a.initSharedResources(ctx); err != nil {
		cancel()
		a.shutdown.Shutdown(context.Background(), "startup failed")
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	a.initServices(ctx)

	if a.cfg.ShouldRunWorkers() {
		if err := a.startWorkers(ctx); err != nil {
			cancel()
			a.shutdown.Shutdown(context.Background(), "startup failed")
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}
	if a.cfg.HTTP.Addr != "" {
		if err := a.startHTTP(); err != nil {
			cancel()
			a.shutdown.Shutdown(context.Background(), "startup failed")
			return fmt.Errorf("failed to start http endpoint: %w", err)
		}
	}

	a.cancel = cancel
	a.running = true
	a.log.Info().Str("mode", string(a.cfg.Mode)).Str("store", a.cfg.Store.Path).Str("blob", a.cfg.Blob.Type).Msg("dicomindex started")
	return nil
}

func (a *App) initSharedResources(ctx context.Context) error {
	store, err := indexstore.Open(a.cfg.Store.Path, indexstore.Options{
		BusyTimeout: a.cfg.Store.BusyTimeout,
		ReadConns:   a.cfg.Store.ReadConns,
	})
	if err != nil {
		return err
	}
	a.store = store
	a.shutdown.RegisterCloser("index store", store)

	switch a.cfg.Blob.Type {
	case "local":
		a.blobs, err = blob.NewLocalStore(a.cfg.Blob.Path)
	case "s3":
		s3Cfg := blob.DefaultS3Config()
		if a.cfg.Blob.S3.Region != "" {
			s3Cfg.Region = a.cfg.Blob.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Blob.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Blob.S3.UsePathStyle
		a.blobs, err = blob.NewS3Store(ctx, a.cfg.Blob.S3.Bucket, s3Cfg)
	default:
		err = fmt.Errorf("unsupported blob type: %s", a.cfg.Blob.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := observability.Register(a.registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	return nil
}

func (a *App) initServices(ctx context.Context) {
	codec := dicomjson.Codec{}

	a.orch = reindex.NewOrchestrator(reindex.Config{
		BatchSize:          a.cfg.Reindex.BatchSize,
		MaxParallelBatches: a.cfg.Reindex.MaxParallelBatches,
		ThreadsPerBatch:    a.cfg.Reindex.ThreadsPerBatch,
		MaxRetries:         a.cfg.Reindex.MaxRetries,
		RetryBaseDelay:     a.cfg.Reindex.RetryBaseDelay,
		ResumeInterval:     a.cfg.Reindex.ResumeInterval,
	}, a.store, a.blobs, codec)
	a.shutdown.RegisterCloser("reindex runners", server.CloserFunc(func() error {
		a.orch.Shutdown()
		return nil
	}))

	a.cache = querytag.NewCache(a.store, a.cfg.ExtendedTags.SnapshotTTL)
	a.orch.OnComplete(a.cache.Invalidate)
	a.stats = observability.NewQueryTagStats(24 * time.Hour)
	a.parser = parser.NewParser(a.cfg.Query.DefaultLimit, a.cfg.Query.MaxLimit).WithStats(a.stats)
	a.changeFeed = changefeed.NewReader(a.store)
	a.events = notify.NewNotifier(64)

	a.ingest = ingest.NewService(ingest.Config{
		MaxRetriesWhenTagVersionMismatch: a.cfg.Store.MaxRetriesWhenTagVersionMismatch,
		DeleteDelay:                      a.cfg.Cleanup.DeleteDelay,
	}, a.store, a.blobs, codec).WithSnapshots(a.cache).WithNotifier(a.events)

	// Without local workers, new operations are left Running for the
	// resume daemon of a worker process.
	var reindexer querytag.Reindexer = a.orch
	if !a.cfg.ShouldRunWorkers() {
		reindexer = startOnly{a.orch}
	}
	a.tags = querytag.NewService(ctx, a.store, reindexer, a.cache, a.cfg.ExtendedTags.MaxAllowedCount)

	var healthCache cleanup.HealthCache
	if a.cfg.Health.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Health.RedisAddr,
			Password: a.cfg.Health.RedisPassword,
			DB:       a.cfg.Health.RedisDB,
		})
		a.shutdown.RegisterCloser("redis", client)
		healthCache = cleanup.NewRedisHealthCache(client, "", a.cfg.Health.CacheTTL)
	} else {
		healthCache = cleanup.NewMemoryHealthCache(a.cfg.Health.CacheTTL)
	}
	a.health = cleanup.NewHealthChecker(a.store, healthCache, a.cfg.Cleanup.MaxRetries)
}

type startOnly struct {
	*reindex.Orchestrator
}

func (startOnly) Go(context.Context, string) {}

func (a *App) startWorkers(ctx context.Context) error {
	daemon := reindex.NewDaemon(a.orch)
	if err := daemon.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("reindex daemon", server.CloserFunc(daemon.Stop))

	sweeper := cleanup.NewSweeper(cleanup.Config{
		Interval:     a.cfg.Cleanup.Interval,
		BatchSize:    a.cfg.Cleanup.BatchSize,
		MaxRetries:   a.cfg.Cleanup.MaxRetries,
		RetryBackoff: a.cfg.Cleanup.RetryBackoff,
	}, a.store, a.blobs)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("cleanup sweeper", server.CloserFunc(sweeper.Stop))

	if a.cfg.ChangeFeed.AMQPURL == "" {
		a.log.Info().Msg("change feed relay disabled")
		return nil
	}
	pub, err := a.dialPublisher(a.cfg.ChangeFeed)
	if err != nil {
		return err
	}
	sub := a.events.Subscribe()
	a.shutdown.RegisterCloser("change feed wakeups", server.CloserFunc(func() error {
		a.events.Unsubscribe(sub.ID)
		return nil
	}))
	relay := changefeed.NewRelay(changefeed.RelayConfig{
		Shards:       a.cfg.ChangeFeed.Shards,
		PollInterval: a.cfg.ChangeFeed.PollInterval,
		PageSize:     a.cfg.ChangeFeed.PageSize,
	}, a.store, pub).WithWake(sub.C)
	if err := relay.Start(ctx); err != nil {
		pub.Close()
		return err
	}
	a.shutdown.RegisterCloser("change feed relay", server.CloserFunc(relay.Stop))
	return nil
}

func (a *App) startHTTP() error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	a.httpListener = ln

	srv := &http.Server{
		Handler:      a.shutdown.Middleware(a.Handler()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("http endpoint failed")
		}
	}()
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser(srv, 10*time.Second))
	a.log.Info().Str("addr", ln.Addr().String()).Msg("serving /health and /metrics")
	return nil
}

// Handler returns the operational HTTP handler.
func (a *App) Handler() http.Handler {
	var running httpapi.OperationLister
	if a.cfg.ShouldRunWorkers() {
		running = a.orch
	}
	return httpapi.NewOpsHandler(httpapi.OpsConfig{
		Mode:     string(a.cfg.Mode),
		Health:   a.health,
		Reindex:  running,
		Stats:    a.stats,
		Gatherer: a.registry,
		Draining: a.shutdown.IsShuttingDown,
		Log:      logging.Component("http"),
	})
}

// Addr returns the address of the operational HTTP endpoint, or "" when it
// is disabled.
func (a *App) Addr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// Stop stops the workers, drains the HTTP endpoint and closes the store.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.cancel()
	a.running = false
	return a.shutdown.Shutdown(ctx, "stop requested")
}

// Ingest returns the instance write service.
func (a *App) Ingest() *ingest.Service { return a.ingest }

// QueryTags returns the extended query tag service.
func (a *App) QueryTags() *querytag.Service { return a.tags }

// ChangeFeed returns the change feed reader.
func (a *App) ChangeFeed() *changefeed.Reader { return a.changeFeed }

// Search parses params against the queryable extended tags and runs the query.
func (a *App) Search(ctx context.Context, params parser.Parameters) ([]types.VersionedInstanceIdentifier, error) {
	queryable, err := a.cache.GetQueryable(ctx)
	if err != nil {
		return nil, err
	}
	expr, err := a.parser.Parse(params, queryable)
	if err != nil {
		return nil, err
	}
	return a.store.Query(ctx, expr)
}
