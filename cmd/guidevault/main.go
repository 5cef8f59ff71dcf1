package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/guidevault/internal/cache"
	"github.com/voyagen/guidevault/internal/config"
	"github.com/voyagen/guidevault/internal/envvars"
	"github.com/voyagen/guidevault/internal/fetcher"
	"github.com/voyagen/guidevault/internal/metrics"
	"github.com/voyagen/guidevault/internal/scheduler"
	"github.com/voyagen/guidevault/internal/server"
	"github.com/voyagen/guidevault/internal/service"
	"github.com/voyagen/guidevault/internal/snapshot"
	"github.com/voyagen/guidevault/internal/store"
)

const usage = `usage: guidevault [-config file.yaml] [command]

commands:
  serve     run the refresh scheduler and HTTP server (default)
  refresh   ask a running server to refresh now (needs REDIS_URL)
`

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use environment")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := flag.Arg(0)
	switch cmd {
	case "", "serve":
		err = serve(ctx, cfg, log)
	case "refresh":
		err = requestRefresh(ctx, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("exit", "cmd", cmd, "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	appStore, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Connect to Redis if REDIS_URL is configured.
	var rds *cache.Redis
	var locker scheduler.Locker
	if cfg.RedisURL != "" {
		rds, err = cache.New(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		appStore = store.NewCachedStore(appStore, rds, log)
		locker = cache.NewLocker(rds, cache.RefreshLockKey, cfg.RefreshTimeout+time.Minute)
		log.Info("redis connected (caching, refresh lock and trigger queue enabled)")
	} else {
		log.Info("redis disabled (REDIS_URL not set)")
	}

	entries, err := config.LoadProviders(cfg.IPTVConfigDir)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	if _, err := service.ImportProviders(ctx, appStore, entries, log); err != nil {
		return fmt.Errorf("import providers: %w", err)
	}

	env, err := envvars.Load(cfg.IPTVConfigDir)
	if err != nil {
		return fmt.Errorf("env vars: %w", err)
	}
	log.Debug("url variables loaded", "count", env.Len(), "names", env.Names())
	f := fetcher.New(env, cfg.UserAgent, nil, log.With("component", "fetcher"))
	builder := snapshot.New(appStore, f, snapshot.Options{
		Dir:       cfg.SnapshotDir,
		Retention: cfg.SnapshotRetention,
		Logger:    log.With("component", "snapshot"),
		Metrics:   m,
	})
	sched := scheduler.New(builder, scheduler.Options{
		StartupDelay: cfg.RefreshStartupDelay,
		Interval:     cfg.RefreshInterval,
		Timeout:      cfg.RefreshTimeout,
		Locker:       locker,
		Logger:       log,
		Metrics:      m,
	})
	srv := server.New(appStore, sched, server.Options{
		Port:          cfg.ServerPort,
		PublicBaseURL: cfg.PublicBaseURL,
		UserAgent:     cfg.UserAgent,
		Gatherer:      reg,
		Metrics:       m,
		Logger:        log.With("component", "http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if rds != nil {
		g.Go(func() error { return runTriggerWorker(gctx, rds, sched, log) })
	}
	return g.Wait()
}

// openStore returns Postgres (after migrations) when DATABASE_URL is set and
// an in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; using in-memory store, state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := store.WaitForDatabase(waitCtx, cfg.DatabaseURL, 2*time.Second); err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	if err := store.RunMigrations(cfg.DatabaseURL, "file://"+migrationsDir()); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	return pg, pg.Close, nil
}

// migrationsDir prefers ./migrations, then migrations next to the executable.
func migrationsDir() string {
	abs, err := filepath.Abs("migrations")
	if err != nil {
		abs = "migrations"
	}
	if _, err := os.Stat(abs); err != nil {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), "migrations")
		}
	}
	return abs
}

// runTriggerWorker turns queued refresh requests into scheduler triggers.
// It stops when ctx is cancelled.
func runTriggerWorker(ctx context.Context, rds *cache.Redis, sched *scheduler.Scheduler, log *slog.Logger) error {
	log = log.With("component", "trigger-worker")
	log.Info("trigger worker started")
	for ctx.Err() == nil {
		req, err := cache.Dequeue(ctx, rds, cache.RefreshQueue, 5*time.Second)
		if err != nil {
			log.Warn("dequeue", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if req == nil {
			continue // timeout, loop back to check ctx
		}
		accepted := sched.TriggerRefresh()
		log.Info("refresh requested", "by", req.RequestedBy, "at", req.RequestedAt, "accepted", accepted)
	}
	log.Info("trigger worker stopping")
	return nil
}

// requestRefresh enqueues a refresh request for a running server.
func requestRefresh(ctx context.Context, cfg *config.Config) error {
	if cfg.RedisURL == "" {
		return errors.New("refresh needs REDIS_URL; alternatively POST /api/refresh")
	}
	rds, err := cache.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rds.Close()

	if cache.IsLocked(ctx, rds, cache.RefreshLockKey) {
		fmt.Fprintln(os.Stderr, "a refresh is already running")
		return nil
	}
	host, _ := os.Hostname()
	req := cache.RefreshRequest{RequestedBy: "cli@" + host, RequestedAt: time.Now().UTC()}
	if err := cache.Enqueue(ctx, rds, cache.RefreshQueue, req); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "refresh requested")
	return nil
}
