// Package app wires the Pulse components together and manages their lifecycle.
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpcapi "github.com/pulseboard/pulse/internal/api/grpc"
	httpapi "github.com/pulseboard/pulse/internal/api/http"
	"github.com/pulseboard/pulse/internal/aggregate"
	"github.com/pulseboard/pulse/internal/archive"
	"github.com/pulseboard/pulse/internal/cache"
	"github.com/pulseboard/pulse/internal/config"
	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/internal/ingest"
	"github.com/pulseboard/pulse/internal/metrics"
	"github.com/pulseboard/pulse/internal/server"
	"github.com/pulseboard/pulse/internal/storage"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/internal/telemetry"
)

// App owns the shared resources and servers of one Pulse process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	telemetry    *telemetry.Telemetry
	store        store.EventStore
	cacheBackend cache.Backend
	objects      storage.ObjectStorage
	codec        *cursor.Codec
	health       *metrics.Registry
	shutdown     *server.ShutdownManager

	ingestor *ingest.Ingestor
	engine   *aggregate.Engine

	// Servers
	httpServer   *server.GracefulHTTPServer
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu          sync.Mutex
	initialized bool
	running     bool
	wg          sync.WaitGroup
}

// New validates cfg and prepares its directories. Nothing is opened until
// Init or Start.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		health: &metrics.Registry{},
		shutdown: server.NewShutdownManager(server.ShutdownConfig{
			ShutdownTimeout: cfg.Shutdown.Timeout,
			DrainTimeout:    cfg.Shutdown.DrainTimeout,
			Logger:          logger,
		}),
	}, nil
}

// Init opens the store, cache backend, archive storage and tracing. Resources
// are registered with the shutdown manager and released by Stop.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	var err error
	if a.telemetry, err = telemetry.Setup(ctx, a.cfg.Telemetry); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if a.telemetry != nil {
		a.shutdown.RegisterCloser(server.CloserFunc(func() error {
			return a.telemetry.Shutdown(context.Background())
		}))
		a.logger.Info("trace export enabled", zap.String("endpoint", a.cfg.Telemetry.Endpoint))
	}

	if err := a.initStore(ctx); err != nil {
		return err
	}
	if err := a.initCache(ctx); err != nil {
		return err
	}
	if err := a.initObjectStorage(ctx); err != nil {
		return err
	}
	if err := a.initCursor(); err != nil {
		return err
	}

	a.ingestor = ingest.New(a.store, ingest.Config{
		Workers:        a.cfg.Ingest.Workers,
		MaxRetries:     a.cfg.Ingest.MaxRetries,
		RetryBaseDelay: a.cfg.Ingest.RetryBaseDelay,
	}, ingest.WithLogger(a.logger.Named("ingest")))
	a.engine = aggregate.NewEngine(a.store, aggregate.Config{
		QueryTimeout: a.cfg.Aggregate.QueryTimeout,
	}, aggregate.WithLogger(a.logger.Named("aggregate")))

	a.initialized = true
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	var err error
	switch a.cfg.Store.Type {
	case config.StoreMemory:
		a.store = store.NewMemoryStore()
	case config.StoreSQLite:
		a.store, err = store.NewSQLiteStore(a.cfg.Store.SQLitePath, a.cfg.Store.SQLiteReadConns, a.logger.Named("store"))
	case config.StorePostgres:
		a.store, err = store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:      a.cfg.Store.PostgresDSN,
			MaxConns: a.cfg.Store.PostgresMaxConns,
		}, a.logger.Named("store"))
	default:
		return fmt.Errorf("unsupported store type: %s", a.cfg.Store.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	a.shutdown.RegisterCloser(a.store)
	a.health.Register("store", a.store.Ping)
	a.logger.Info("event store initialized", zap.String("type", a.cfg.Store.Type))
	return nil
}

func (a *App) initCache(ctx context.Context) error {
	switch a.cfg.Cache.Backend {
	case config.CacheMemory:
		a.cacheBackend = cache.NewMemoryBackend(
			cache.WithShards(a.cfg.Cache.Shards),
			cache.WithMaxShardEntries(a.cfg.Cache.MaxShardEntries),
		)
	case config.CacheRedis:
		rb, err := cache.NewRedisBackend(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to initialize redis cache: %w", err)
		}
		a.health.Register("cache", rb.Ping)
		a.cacheBackend = rb
	default:
		return fmt.Errorf("unsupported cache backend: %s", a.cfg.Cache.Backend)
	}
	a.shutdown.RegisterCloser(a.cacheBackend)
	a.logger.Info("aggregation cache initialized",
		zap.String("backend", a.cacheBackend.Name()),
		zap.Duration("ttl", a.cfg.Cache.TTL))
	return nil
}

func (a *App) initObjectStorage(ctx context.Context) error {
	sc := a.cfg.Archive.Storage
	var err error
	switch sc.Type {
	case config.StorageLocal:
		a.objects, err = storage.NewLocalStorage(sc.Path)
	case config.StorageS3:
		s3Cfg := storage.DefaultS3Config()
		if sc.S3.Region != "" {
			s3Cfg.Region = sc.S3.Region
		}
		s3Cfg.Endpoint = sc.S3.Endpoint
		s3Cfg.UsePathStyle = sc.S3.UsePathStyle
		a.objects, err = storage.NewS3Storage(ctx, sc.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", sc.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	fields := []zap.Field{zap.String("type", sc.Type)}
	if sc.Type == config.StorageS3 {
		fields = append(fields, zap.String("bucket", sc.S3.Bucket), zap.String("endpoint", sc.S3.Endpoint))
	} else {
		fields = append(fields, zap.String("path", sc.Path))
	}
	a.logger.Info("archive storage initialized", fields...)
	return nil
}

func (a *App) initCursor() error {
	secret := []byte(a.cfg.Cursor.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate cursor secret: %w", err)
		}
		a.logger.Warn("no cursor secret configured; pagination cursors will not survive a restart")
	}
	codec, err := cursor.NewCodec(secret)
	if err != nil {
		return fmt.Errorf("failed to initialize cursor codec: %w", err)
	}
	a.codec = codec
	return nil
}

// Handler returns the HTTP API. Init must have been called.
func (a *App) Handler() http.Handler {
	return httpapi.NewRouter(httpapi.RouterConfig{
		Ingestor:     a.ingestor,
		Engine:       a.engine,
		Store:        a.store,
		Cursor:       a.codec,
		CacheBackend: a.cacheBackend,
		Cache: cache.Config{
			TTL:            a.cfg.Cache.TTL,
			ComputeTimeout: a.cfg.Cache.ComputeTimeout,
		},
		Health:       a.health,
		Logger:       a.logger.Named("http"),
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		Outer:        []func(http.Handler) http.Handler{server.ShutdownMiddleware(a.shutdown)},
	})
}

// Exporter returns an archive exporter over the configured store and storage.
func (a *App) Exporter() *archive.Exporter {
	return archive.NewExporter(a.store, a.objects, a.cfg.Archive.StagingDir, a.logger.Named("archive"))
}

// ArchiveReader returns a reader over the configured archive storage.
func (a *App) ArchiveReader() *archive.Reader {
	return archive.NewReader(a.objects, a.cfg.Archive.StagingDir, a.cfg.Archive.Concurrency, a.logger.Named("archive"))
}

// Start initializes shared resources and starts the HTTP and, if enabled,
// gRPC servers.
func (a *App) Start(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		a.cleanup(ctx)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	var err error
	if a.httpListener, err = net.Listen("tcp", a.cfg.HTTP.Addr); err != nil {
		a.cleanup(ctx)
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpServer = server.NewGracefulHTTPServer(&http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}, a.shutdown)

	if a.cfg.GRPC.Enabled {
		if a.grpcListener, err = net.Listen("tcp", a.cfg.GRPC.Addr); err != nil {
			a.httpListener.Close()
			a.cleanup(ctx)
			return fmt.Errorf("failed to listen on gRPC address: %w", err)
		}
		a.grpcServer = grpc.NewServer()
		grpcapi.RegisterIngestServiceServer(a.grpcServer, grpcapi.NewIngestServer(a.ingestor, a.logger.Named("grpc")))
		a.shutdown.RegisterCloser(server.GRPCCloser(a.grpcServer, a.cfg.Shutdown.DrainTimeout))

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.Info("gRPC server listening", zap.String("addr", a.grpcListener.Addr().String()))
			if err := a.grpcServer.Serve(a.grpcListener); err != nil {
				a.logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("HTTP server listening", zap.String("addr", a.httpListener.Addr().String()))
		if err := a.httpServer.Serve(a.httpListener); err != nil {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.running = true
	a.logger.Info("pulse started",
		zap.String("store", a.cfg.Store.Type),
		zap.String("cache", a.cfg.Cache.Backend),
		zap.Bool("grpc", a.cfg.GRPC.Enabled))
	return nil
}

// HTTPAddr returns the bound HTTP address once started.
func (a *App) HTTPAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address once started with gRPC enabled.
func (a *App) GRPCAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Stop drains in-flight requests, stops the servers and releases resources.
func (a *App) Stop(ctx context.Context) error {
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wait(ctx)

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return err
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends,
// then performs the same shutdown as Stop.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.wait(context.Background())
	return err
}

func (a *App) wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timeout, some servers may not have finished")
	}
}

// cleanup releases whatever Init managed to open.
func (a *App) cleanup(ctx context.Context) {
	if err := a.shutdown.Shutdown(ctx, "startup failed"); err != nil {
		a.logger.Warn("cleanup after failed start", zap.Error(err))
	}
}
