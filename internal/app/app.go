// Package app provides the application lifecycle of the devicestore daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/arkilian/devicestore/internal/buffer"
	"github.com/arkilian/devicestore/internal/cache"
	"github.com/arkilian/devicestore/internal/codec"
	"github.com/arkilian/devicestore/internal/config"
	"github.com/arkilian/devicestore/internal/delivery"
	"github.com/arkilian/devicestore/internal/identity"
	"github.com/arkilian/devicestore/internal/logging"
	"github.com/arkilian/devicestore/internal/server"
	"github.com/arkilian/devicestore/internal/snapshot"
	"github.com/arkilian/devicestore/internal/storage"
	"github.com/arkilian/devicestore/internal/store"
	"github.com/arkilian/devicestore/internal/wide"
)

// HealthService is the name the daemon reports health under.
const HealthService = "devicestore"

// App wires the store and its supporting services.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db        wide.Store
	ids       *identity.Manager
	cache     cache.Cache
	buffer    *buffer.Buffer
	deliverer *delivery.Service
	store     *store.Store
	snapshots *snapshot.Manager
	shutdown  *server.ShutdownManager

	grpcServer *server.GracefulGRPCServer
	grpcAddr   string
	health     *health.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logger = logging.OrNop(logger)
	return &App{
		cfg:    cfg,
		logger: logger,
		shutdown: server.NewShutdownManager(server.ShutdownConfig{
			Logger: logger,
		}),
	}, nil
}

// Start opens the store and starts every configured service. On error
// whatever was already opened is closed again.
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

	if err := a.initStore(ctx); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := a.initSnapshots(ctx); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("failed to initialize snapshot storage: %w", err)
	}

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			_ = a.Stop(context.Background())
			return fmt.Errorf("failed to start grpc server: %w", err)
		}
	}

	a.logger.Info("devicestore started",
		zap.String("store", a.cfg.Store.Type),
		zap.String("cache", a.cfg.Cache.Type),
		zap.Bool("delivery", a.cfg.Delivery.Enabled),
		zap.Bool("grpc", a.cfg.GRPC.Enabled))
	return nil
}

// initStore opens the wide-column store, the identifier registry and the
// optional cache, buffer and delivery services, then builds the Store.
// Each resource is registered for shutdown as soon as it is open.
func (a *App) initStore(ctx context.Context) error {
	db, err := OpenWideStore(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	a.shutdown.RegisterCloser("wide", db)

	a.ids = identity.NewManager(db, a.logger)
	if err := a.ids.Open(ctx); err != nil {
		return fmt.Errorf("open identifier registry: %w", err)
	}
	a.shutdown.RegisterCloser("identity", a.ids)

	enc, err := codec.ParseEncoding(a.cfg.Codec.WriteEncoding)
	if err != nil {
		return err
	}
	reg, err := codec.NewRegistry(enc)
	if err != nil {
		return err
	}

	a.cache, err = openCache(ctx, a.cfg.Cache)
	if err != nil {
		return fmt.Errorf("open %s cache: %w", a.cfg.Cache.Type, err)
	}
	a.shutdown.RegisterCloser("cache", a.cache)

	if a.cfg.Delivery.Enabled {
		mc := a.cfg.Delivery.MQTT
		clientID := mc.ClientID
		if clientID == "" {
			clientID = "devicestore-" + uuid.NewString()
		}
		pub, err := delivery.NewMQTTPublisher(delivery.MQTTOptions{
			Broker:   mc.Broker,
			ClientID: clientID,
			Username: mc.Username,
			Password: mc.Password,
			QoS:      mc.QoS,
		})
		if err != nil {
			return err
		}
		a.deliverer = delivery.NewService(nil, pub, mc.TopicPrefix, a.logger.Named("delivery"))
		a.shutdown.RegisterCloser("delivery", a.deliverer)
		a.logger.Info("command delivery enabled", zap.String("broker", mc.Broker))
	}

	bc := a.cfg.Buffer
	a.buffer = buffer.New(db, buffer.Options{
		Workers:        bc.Workers,
		QueueSize:      bc.QueueSize,
		BatchSize:      bc.BatchSize,
		FlushInterval:  bc.FlushInterval,
		Durable:        bc.Durable,
		WALDir:         bc.WALDir,
		MaxSegmentSize: bc.MaxSegmentSize,
	}, a.logger)
	if err := a.buffer.Start(ctx); err != nil {
		return fmt.Errorf("start write buffer: %w", err)
	}
	a.shutdown.RegisterCloser("buffer", server.CloserFunc(a.buffer.Stop))

	opts := store.Options{
		Codec:                 reg,
		Buffer:                a.buffer,
		Cache:                 a.cache,
		UpdateAssignmentState: a.cfg.Events.UpdateAssignmentState,
		Logger:                a.logger.Named("store"),
	}
	if a.deliverer != nil {
		opts.Deliverer = a.deliverer
	}
	a.store, err = store.New(db, a.ids, opts)
	return err
}

func (a *App) initSnapshots(ctx context.Context) error {
	objects, err := OpenObjectStorage(ctx, a.cfg.Snapshot.Storage)
	if err != nil {
		return err
	}
	a.snapshots = snapshot.NewManager(a.db, objects, snapshot.Options{
		Logger: a.logger,
	})
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.GRPC.Addr, err)
	}

	gs := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryInterceptor(a.shutdown)))
	a.health = health.NewServer()
	healthpb.RegisterHealthServer(gs, a.health)
	a.grpcServer = server.NewGracefulGRPCServer(gs, a.shutdown)
	a.grpcAddr = lis.Addr().String()

	a.shutdown.OnShutdownStart(func() {
		a.health.Shutdown()
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error("grpc server failed", zap.Error(err))
		}
	}()

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	a.logger.Info("grpc server listening", zap.String("addr", a.grpcAddr))
	return nil
}

// Store returns the device management store. It is nil before Start.
func (a *App) Store() *store.Store { return a.store }

// GRPCAddr returns the address the gRPC server listens on, or "" when it
// is disabled.
func (a *App) GRPCAddr() string { return a.grpcAddr }

// Snapshots returns the snapshot manager. It is nil before Start.
func (a *App) Snapshots() *snapshot.Manager { return a.snapshots }

// Stop shuts the app down, closing resources in reverse order of opening.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return err
}

// WaitForShutdown blocks until a shutdown signal is received and the app
// has shut down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return err
}

// OpenWideStore opens the wide-column backend named by cfg.Store.
func OpenWideStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (wide.Store, error) {
	switch cfg.Store.Type {
	case "memory":
		return wide.NewMemoryStore(), nil
	case "sqlite":
		db, err := wide.OpenSQLite(ctx, cfg.Store.Path, wide.SQLiteOptions{
			ReadPoolSize: cfg.Store.ReadPoolSize,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.Store.Path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

// OpenObjectStorage opens the object storage holding snapshots.
func OpenObjectStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Options{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Type {
	case "", "none":
		return cache.Nop{}, nil
	case "memory":
		return cache.NewMemory(cfg.MaxEntries)
	case "redis":
		return cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
	default:
		return nil, errors.New("unsupported cache type: " + cfg.Type)
	}
}
