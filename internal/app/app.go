// Package app wires the configured store, cache, lock and queue into the
// descriptor registry, the maintenance daemon and the admin servers.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/indexkeeper/internal/api/grpc"
	httpapi "github.com/arkilian/indexkeeper/internal/api/http"
	"github.com/arkilian/indexkeeper/internal/cache"
	"github.com/arkilian/indexkeeper/internal/config"
	"github.com/arkilian/indexkeeper/internal/descriptor"
	"github.com/arkilian/indexkeeper/internal/lock"
	"github.com/arkilian/indexkeeper/internal/maintenance"
	"github.com/arkilian/indexkeeper/internal/queue"
	"github.com/arkilian/indexkeeper/internal/reindex"
	"github.com/arkilian/indexkeeper/internal/server"
	"github.com/arkilian/indexkeeper/internal/state"
	"github.com/arkilian/indexkeeper/internal/storage"
	"github.com/arkilian/indexkeeper/internal/store"
	"github.com/arkilian/indexkeeper/internal/store/elastic"
	"github.com/arkilian/indexkeeper/internal/store/sqlite"
)

// healthInterval is how often the gRPC health status is refreshed.
const healthInterval = 30 * time.Second

// App manages the indexkeeper service lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	store    store.Store
	cache    cache.Cache
	redis    redis.UniversalClient
	stateDB  *sql.DB
	locker   lock.Locker
	queue    queue.Queue
	registry *descriptor.Registry
	daemon   *maintenance.Daemon
	shutdown *server.ShutdownManager

	httpServer *http.Server
	httpAddr   net.Addr
	grpcServer *grpc.Server
	health     *grpcapi.Health

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg, shutdown: server.NewShutdownManager(server.DefaultShutdownConfig())}, nil
}

// Registry returns the descriptor registry. It is nil before Start.
func (a *App) Registry() *descriptor.Registry { return a.registry }

// Open initializes the shared resources without starting servers or the
// daemon. Close releases them.
func (a *App) Open(ctx context.Context) error {
	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return err
	}
	return nil
}

// Close releases resources acquired by Open.
func (a *App) Close() {
	a.cleanup()
}

// HTTPAddr returns the bound admin address. It is nil before Start.
func (a *App) HTTPAddr() net.Addr { return a.httpAddr }

// Start initializes shared resources, configures every declared index and
// starts the servers and, when enabled, the maintenance daemon.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	for _, ix := range a.registry.All() {
		if err := ix.Configure(ctx); err != nil {
			// Maintenance retries on the next pass.
			log.Printf("app: failed to configure %s: %v", ix.Name(), err)
		}
	}

	if err := a.startHTTP(); err != nil {
		a.cleanup()
		return err
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(ctx); err != nil {
			a.cleanup()
			return err
		}
	}
	if a.cfg.Maintenance.Enabled {
		if err := a.daemon.Start(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start maintenance daemon: %w", err)
		}
	}

	log.Printf("indexkeeper started: %d indices, store=%s, cache=%s, queue=%s, maintenance=%t",
		len(a.registry.All()), a.cfg.Store.Type, a.cfg.Cache.Type, a.cfg.Queue.Type, a.cfg.Maintenance.Enabled)
	return nil
}

func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	if a.cfg.Cache.Type == "redis" || a.cfg.Lock.Type == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Cache.Redis.Addr,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", a.cfg.Cache.Redis.Addr, err)
		}
		log.Printf("Redis connected: %s", a.cfg.Cache.Redis.Addr)
	}

	if a.store, err = a.openStore(); err != nil {
		return err
	}
	if a.cache, err = a.openCache(ctx); err != nil {
		return err
	}

	if a.stateDB, err = state.Open(a.cfg.StatePath()); err != nil {
		return err
	}
	log.Printf("State database opened: %s", a.cfg.StatePath())
	if a.locker, err = a.openLocker(); err != nil {
		return err
	}
	if a.queue, err = a.openQueue(); err != nil {
		return err
	}

	reindexer := reindex.New(a.store, a.cache, reindex.Options{
		BatchSize:      a.cfg.Reindex.BatchSize,
		SecondPassSkew: a.cfg.Reindex.SecondPassSkew,
	})
	a.registry, err = descriptor.BuildRegistry(a.cfg.Indices, descriptor.Deps{
		Store:     a.store,
		Cache:     a.cache,
		Reindexer: reindexer,
	})
	if err != nil {
		return fmt.Errorf("failed to build index registry: %w", err)
	}
	if err := a.recordDefinitions(ctx); err != nil {
		return err
	}

	a.daemon = maintenance.NewDaemon(maintenance.Config{
		CheckInterval:      a.cfg.Maintenance.CheckInterval,
		ExpirationInterval: a.cfg.Maintenance.ExpirationInterval,
		Workers:            a.cfg.Maintenance.Workers,
		LockTTL:            a.cfg.Maintenance.LockTTL,
		LeaseRenewInterval: a.cfg.Queue.Lease / 3,
	}, a.registry, a.queue, a.locker)
	return nil
}

// recordDefinitions stores each declared descriptor version and warns when a
// version's definition changed without a version bump; existing indices of
// that version keep the old mappings until the next reindex.
func (a *App) recordDefinitions(ctx context.Context) error {
	history, err := state.NewHistory(a.stateDB)
	if err != nil {
		return err
	}
	for _, ix := range a.registry.All() {
		cfg := ix.Config()
		changed, err := history.Record(ctx, cfg.Name, cfg.Version, cfg)
		if err != nil {
			return err
		}
		if changed {
			log.Printf("app: WARNING %s v%d definition changed since it was first deployed; bump the version to reindex", cfg.Name, cfg.Version)
		}
	}
	return nil
}

func (a *App) openStore() (store.Store, error) {
	switch a.cfg.Store.Type {
	case "sqlite":
		st, err := sqlite.Open(a.cfg.Store.Path, sqlite.Options{ScrollKeepAlive: a.cfg.Store.ScrollKeepAlive})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Printf("Store initialized: sqlite %s", a.cfg.Store.Path)
		return st, nil
	case "elasticsearch":
		es := a.cfg.Store.Elasticsearch
		st, err := elastic.Dial(es.Addresses, es.Username, es.Password, elastic.Options{
			KeepAlive: a.cfg.Store.ScrollKeepAlive,
			Refresh:   es.Refresh,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
		}
		log.Printf("Store initialized: elasticsearch %v", es.Addresses)
		return st, nil
	}
	return nil, fmt.Errorf("unsupported store type: %s", a.cfg.Store.Type)
}

func (a *App) openCache(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.Cache.Type {
	case "memory":
		return cache.NewMemory(), nil
	case "redis":
		return cache.NewRedis(a.redis, a.cfg.Cache.Prefix), nil
	case "object":
		objects, err := a.openStorage(ctx)
		if err != nil {
			return nil, err
		}
		return cache.NewObject(objects, a.cfg.Cache.Prefix), nil
	}
	return nil, fmt.Errorf("unsupported cache type: %s", a.cfg.Cache.Type)
}

func (a *App) openStorage(ctx context.Context) (storage.ObjectStorage, error) {
	var (
		objects storage.ObjectStorage
		err     error
	)
	switch a.cfg.Storage.Type {
	case "local":
		objects, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.Prefix = a.cfg.Storage.S3.Prefix
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		objects, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Storage initialized: type=%s", a.cfg.Storage.Type)
	return objects, nil
}

func (a *App) openLocker() (lock.Locker, error) {
	switch a.cfg.Lock.Type {
	case "memory":
		return lock.NewMemory(), nil
	case "sqlite":
		return lock.NewSQLite(a.stateDB)
	case "redis":
		return lock.NewRedis(a.redis, a.cfg.Cache.Prefix+"lock:"), nil
	}
	return nil, fmt.Errorf("unsupported lock type: %s", a.cfg.Lock.Type)
}

func (a *App) openQueue() (queue.Queue, error) {
	opts := queue.Options{Lease: a.cfg.Queue.Lease, MaxAttempts: a.cfg.Queue.MaxAttempts}
	switch a.cfg.Queue.Type {
	case "memory":
		return queue.NewMemory(opts), nil
	case "sqlite":
		return queue.NewSQLite(a.stateDB, opts)
	}
	return nil, fmt.Errorf("unsupported queue type: %s", a.cfg.Queue.Type)
}

func (a *App) startHTTP() error {
	handler := httpapi.NewHandler(a.registry, a.daemon)
	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler.Router(a.shutdown.Middleware),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpAddr = lis.Addr()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Admin HTTP server listening on %s", lis.Addr())
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("Admin HTTP server error: %v", err)
		}
	}()
	return nil
}

func (a *App) startGRPC(ctx context.Context) error {
	a.health = grpcapi.NewHealth(a.registry)
	a.grpcServer = a.health.NewServer()

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC health server listening on %s", a.cfg.GRPC.Addr)
		if err := a.grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.health.Run(ctx, healthInterval)
	}()
	return nil
}

// ListenForSignals blocks until a termination signal or ctx ends, then
// stops the app.
func (a *App) ListenForSignals(ctx context.Context) error {
	a.shutdown.RegisterCloser("app", server.CloserFunc(func() error {
		return a.Stop(context.Background())
	}))
	return a.shutdown.ListenForSignals(ctx)
}

// Stop gracefully stops all services and releases resources. Running
// reindex tasks are interrupted and resume from their checkpoint later.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	if a.health != nil {
		a.health.Shutdown()
	}
	if a.daemon != nil {
		if err := a.daemon.Stop(); err != nil {
			log.Printf("Maintenance daemon stop error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin HTTP server shutdown error: %v", err)
		}
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()
	log.Printf("indexkeeper stopped")
	return nil
}

type closer interface{ Close() error }

func (a *App) cleanup() {
	if c, ok := a.store.(closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("Store close error: %v", err)
		}
	}
	if a.stateDB != nil {
		a.stateDB.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
