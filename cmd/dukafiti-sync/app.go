package main

import (
	"context"
	"fmt"

	"dukafiti/offline/internal/cache"
	"dukafiti/offline/internal/config"
	"dukafiti/offline/internal/connectivity"
	"dukafiti/offline/internal/events"
	"dukafiti/offline/internal/executor"
	"dukafiti/offline/internal/kv"
	"dukafiti/offline/internal/lock"
	"dukafiti/offline/internal/queue"
	"dukafiti/offline/internal/reconcile"
	"dukafiti/offline/internal/service"
	"dukafiti/offline/internal/store"
	"dukafiti/offline/internal/store/memory"
	pgstore "dukafiti/offline/internal/store/postgres"
	"dukafiti/offline/internal/syncer"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const lockKey = "dukafiti:sync:lock"

// app is the assembled agent. Commands that only inspect the queue use
// openLocal instead and never touch the remote.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	bus     *events.Bus
	queue   *queue.Store
	monitor *connectivity.Monitor
	orch    *syncer.Orchestrator
	service *service.Service
	closers []func() error
}

type local struct {
	storage kv.Storage
	redis   *redis.Client
	queue   *queue.Store
}

func openLocal(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*local, error) {
	l := &local{}
	switch cfg.Storage {
	case config.StorageSQLite:
		db, err := kv.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		l.storage = db
		logger.Info().Str("path", cfg.SQLitePath).Msg("storage: sqlite")
	case config.StorageRedis:
		r := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("redis storage unavailable: %w", err)
		}
		l.storage = r
		l.redis = r.Client()
		logger.Info().Str("addr", cfg.RedisAddr).Msg("storage: redis")
	default:
		l.storage = kv.NewMemory()
		logger.Warn().Msg("storage: in-memory, queued work is lost on exit")
	}
	l.queue = queue.Open(ctx, l.storage, logger, queue.WithMaxAttempts(cfg.Sync.MaxAttempts))
	return l, nil
}

func (l *local) Close() error {
	return l.storage.Close()
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, bus: events.NewBus(logger)}

	l, err := openLocal(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, l.Close)
	a.queue = l.queue

	remote, err := openRemote(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closer, ok := remote.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	client := l.redis
	if cfg.Lock == config.LockRedis && client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
	}
	locker, err := openLocker(cfg, client, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	c := cache.New(l.storage, logger,
		cache.WithTTL(cfg.Cache.UserTTL.Std(), cfg.Cache.PublicTTL.Std()),
		cache.WithVersion(cfg.Cache.Version),
	)
	set := executor.New(remote, logger)
	a.orch = syncer.New(a.queue, set, a.bus, logger, syncer.Config{
		UserID:    cfg.UserID,
		Throttle:  cfg.Sync.Throttle.Std(),
		OpTimeout: cfg.Sync.OpTimeout.Std(),
	}, syncer.WithLocker(locker))
	a.monitor = connectivity.New(set, a.bus, logger, connectivity.Config{
		Interval: cfg.Sync.ProbeInterval.Std(),
		Timeout:  cfg.Sync.ProbeTimeout.Std(),
		Debounce: cfg.Sync.Debounce.Std(),
	})
	refresher := reconcile.NewRefresher(c, a.bus, logger, service.RefreshBindings(set)...)
	a.service = service.New(service.Deps{
		Queue:        a.queue,
		Cache:        c,
		Remote:       set,
		Refresher:    refresher,
		Orchestrator: a.orch,
		Connectivity: a.monitor,
		Events:       a.bus,
	}, cfg.UserID, logger)
	return a, nil
}

func openRemote(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Repository, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("remote: in-memory demo store")
		return memory.NewSeeded(), nil
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		// The agent still works offline, but a wrong URL would silently queue
		// forever, so refuse to start.
		return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, err
	}
	logger.Info().Msg("remote: postgres")
	return pg, nil
}

func openLocker(cfg config.Config, client *redis.Client, logger zerolog.Logger) (lock.Locker, error) {
	switch cfg.Lock {
	case config.LockFile:
		return lock.NewFile(cfg.LockPath)
	case config.LockRedis:
		return lock.NewRedis(client, lockKey+":"+cfg.UserID, 0, logger), nil
	default:
		return lock.Noop{}, nil
	}
}

func (a *app) Close() {
	if a.service != nil {
		a.service.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close error")
		}
	}
}
