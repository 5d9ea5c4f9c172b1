package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"retailsync/internal/cache"
	"retailsync/internal/config"
	"retailsync/internal/connectivity"
	"retailsync/internal/docstore"
	"retailsync/internal/docstore/memory"
	pgstore "retailsync/internal/docstore/postgres"
	"retailsync/internal/docstore/sqlite"
	"retailsync/internal/domain"
	"retailsync/internal/httpapi"
	"retailsync/internal/logger"
	"retailsync/internal/notifier"
	"retailsync/internal/remote"
	"retailsync/internal/replica"
	"retailsync/internal/replication"
	"retailsync/internal/service"
	"retailsync/internal/store"
)

var errSyncNotConfigured = errors.New("REMOTE_URL is not set, replication is disabled")

func runServe(ctx context.Context, cfg config.Config) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	log := logger.WithComponent("server")

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLogged(log, "repository", repo.Close)

	monitor := connectivity.New(false)
	manager, prober, err := newReplication(cfg, repo, monitor)
	if err != nil {
		return err
	}
	defer manager.Close()

	status := notifier.New(monitor.IsOnline(), domain.AllStores)
	detach := status.Attach(monitor, manager)
	defer detach()
	hub := notifier.NewHub(status, originChecker(cfg.AllowedOrigin))

	views, closeViews := openViewCache(ctx, cfg, log)
	defer closeViews()

	var syncer service.Syncer
	if cfg.SyncEnabled() {
		syncer = manager
	}
	svc := service.New(repo, views, syncer)
	if cfg.AdminPassword != "" {
		if err := svc.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	offEvents := manager.Subscribe(svc.HandleReplicationEvent)
	defer offEvents()

	if prober != nil {
		if err := manager.StartAll(); err != nil {
			return err
		}
		log.Info().Str("remote", cfg.RemoteURL).Int("stores", len(manager.Stores())).Msg("replication: continuous")
	} else {
		log.Warn().Msg("replication: disabled, REMOTE_URL is not set")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), svc)
	api := httpapi.New(svc, auth, status, hub, cfg.AllowedOrigin)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if prober != nil {
		g.Go(func() error {
			monitor.Run(gctx, prober, cfg.ProbeInterval)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("retailsync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server)
	})

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

// runSync performs one push-then-pull cycle for every store, prints the
// per-store results and exits.
func runSync(ctx context.Context, cfg config.Config, out io.Writer) error {
	if !cfg.SyncEnabled() {
		return errSyncNotConfigured
	}
	log := logger.WithComponent("sync")

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLogged(log, "repository", repo.Close)

	monitor := connectivity.New(false)
	manager, prober, err := newReplication(cfg, repo, monitor)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := prober.Probe(ctx); err != nil {
		return fmt.Errorf("%w: %v", replication.ErrOffline, err)
	}
	monitor.SetOnline(true)

	svc := service.New(repo, nil, manager)
	offEvents := manager.Subscribe(svc.HandleReplicationEvent)
	defer offEvents()

	results, syncErr := manager.SyncAll(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		res := results[name]
		fmt.Fprintf(out, "%-14s pushed=%d pulled=%d conflicts=%d failed=%d\n", name, res.Pushed, res.Pulled, res.Conflicts, res.Failed)
	}
	return syncErr
}

// runReplica serves the replication protocol for every remote database the
// configuration names, persisted in postgres when REPLICA_DATABASE_URL is set.
func runReplica(ctx context.Context, cfg config.Config) error {
	if err := validateReplicaConfig(cfg); err != nil {
		return fmt.Errorf("invalid replica configuration: %w", err)
	}
	log := logger.WithComponent("replica")

	engines := make(map[string]*docstore.Engine)
	if cfg.ReplicaDatabaseURL != "" {
		pg, err := pgstore.Open(ctx, cfg.ReplicaDatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable (%v) and REPLICA_DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		defer closeLogged(log, "postgres", pg.Close)
		for _, db := range cfg.RemoteDatabases() {
			engines[db] = docstore.New(db, pg.Backend(db))
		}
		log.Info().Msg("replica storage: postgres")
	} else {
		for _, db := range cfg.RemoteDatabases() {
			engines[db] = memory.NewEngine(db)
		}
		log.Warn().Msg("replica storage: in-memory, data is lost on exit")
	}

	server := &http.Server{
		Addr:              cfg.ReplicaAddress(),
		Handler:           replica.New(engines, cfg.ReplicaUsername, cfg.ReplicaPassword).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Int("databases", len(engines)).Msg("replica listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("replica server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server)
	})
	return g.Wait()
}

func openRepository(ctx context.Context, cfg config.Config) (*store.Repository, error) {
	log := logger.WithComponent("server")
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn().Msg("repository: in-memory")
		return store.NewMemory(), nil
	}
	repo, err := store.Open(ctx, func(ctx context.Context, name string) (docstore.Backend, error) {
		return sqlite.OpenDir(ctx, cfg.DataDir, name)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("dir", cfg.DataDir).Msg("repository: sqlite")
	return repo, nil
}

// newReplication registers every local store with its remote database. The
// returned prober is nil when no remote is configured.
func newReplication(cfg config.Config, repo *store.Repository, monitor *connectivity.Monitor) (*replication.Manager, connectivity.Prober, error) {
	manager := replication.NewManager(monitor, replication.Options{
		BatchSize:    cfg.SyncBatchSize,
		PollInterval: cfg.SyncPollInterval,
		BackoffMin:   cfg.SyncBackoffMin,
		BackoffMax:   cfg.SyncBackoffMax,
	})
	if !cfg.SyncEnabled() {
		return manager, nil, nil
	}

	var prober connectivity.Prober
	for _, name := range domain.AllStores {
		client, err := remote.New(remote.Config{
			BaseURL:  cfg.RemoteURL,
			Database: cfg.RemoteDatabase(name),
			Username: cfg.RemoteUsername,
			Password: cfg.RemotePassword,
			Timeout:  cfg.RemoteTimeout,
		})
		if err != nil {
			manager.Close()
			return nil, nil, fmt.Errorf("remote for %s: %w", name, err)
		}
		engine, err := repo.Store(name)
		if err != nil {
			manager.Close()
			return nil, nil, err
		}
		if err := manager.Register(name, engine, client, client.Database()); err != nil {
			manager.Close()
			return nil, nil, err
		}
		if prober == nil {
			prober = client
		}
	}
	return manager, prober, nil
}

func openViewCache(ctx context.Context, cfg config.Config, log zerolog.Logger) (cache.ViewCache, func()) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("cache: memory")
		return cache.NewMemoryViewCache(), func() {}
	}
	redisCache := cache.NewRedisViewCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ViewCacheNamespace)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := redisCache.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, using memory cache")
		_ = redisCache.Close()
		return cache.NewMemoryViewCache(), func() {}
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
	return redisCache, func() { closeLogged(log, "redis", redisCache.Close) }
}

// originChecker accepts websocket upgrades from the configured UI origin and
// from clients that send no Origin header.
func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func closeLogged(log zerolog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Error().Err(err).Str("resource", what).Msg("close error")
	}
}
