package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/quiche/internal/config"
	"github.com/michaelbrown/quiche/internal/deps"
	"github.com/michaelbrown/quiche/internal/logger"
	"github.com/michaelbrown/quiche/internal/metrics"
	"github.com/michaelbrown/quiche/internal/profile"
	"github.com/michaelbrown/quiche/internal/ratelimit"
	"github.com/michaelbrown/quiche/internal/relay"
	"github.com/michaelbrown/quiche/internal/sandbox"
	"github.com/michaelbrown/quiche/internal/scheduler"
	"github.com/michaelbrown/quiche/internal/server"
	"github.com/michaelbrown/quiche/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Quiche scheduler and API server",
	Long: `Start the scheduler with its HTTP API and channel websockets.

Runs are executed in Docker containers built from sandbox.image. The API is
under /api and Prometheus metrics are served at /metrics.

Examples:
  quiche serve
  quiche serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	p := profile.Default()
	if cfg.Profile.Path != "" {
		if p, err = profile.Load(cfg.Profile.Path); err != nil {
			return err
		}
	}

	backend, err := sandbox.NewDockerBackend(sandbox.Policy{
		Image:     cfg.Sandbox.Image,
		Memory:    cfg.Sandbox.Memory,
		CPUs:      cfg.Sandbox.CPUs,
		PidsLimit: cfg.Sandbox.PidsLimit,
		Network:   cfg.Sandbox.Network,
		Workdir:   cfg.Sandbox.Workdir,
	}, cfg.Sandbox.DockerHost, log.Named("sandbox"))
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter, sweep, err := newLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	manifests := deps.NewStore(cfg.Deps.Dir, p.ManifestName)

	sched := scheduler.New(scheduler.Config{
		RunTimeout:  cfg.Scheduler.RunTimeout,
		Grace:       cfg.Scheduler.Grace,
		MaxSessions: cfg.Scheduler.MaxSessions,
		WorkRoot:    cfg.Scheduler.WorkRoot,
		Workdir:     cfg.Sandbox.Workdir,
		Cooldown:    cfg.Scheduler.Cooldown,
		Relay: relay.Options{
			MaxMessages:    cfg.Relay.MaxMessages,
			MaxMessageSize: cfg.Relay.MaxMessageSize,
			ChunkSize:      cfg.Relay.ChunkSize,
			ExitCommand:    cfg.Relay.ExitCommand,
		},
	}, backend, limiter, log.Named("scheduler"))
	sched.SetProfile(p)
	sched.SetManifests(manifests)
	sched.SetRunStore(store)
	sched.SetMetrics(m)

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}
	srv := server.New(sched, store, manifests, m, log.Named("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(port); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	if sweep != nil {
		g.Go(func() error {
			sweep(gctx)
			return nil
		})
	}

	log.Info("quiche started",
		zap.String("profile", p.Name),
		zap.String("image", cfg.Sandbox.Image),
		zap.Int("max_sessions", cfg.Scheduler.MaxSessions))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newLimiter builds the configured rate limiter. The in-memory limiter comes
// with a sweep loop that drops expired windows.
func newLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger) (ratelimit.Limiter, func(context.Context), error) {
	if cfg.RateLimit.Backend == "redis" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			// The limiter fails open, so an unreachable redis is not fatal.
			log.Warn("redis unreachable", zap.String("addr", cfg.RateLimit.Redis.Addr), zap.Error(err))
		}
		return ratelimit.NewRedis(rc, cfg.RateLimit.Redis.KeyPrefix, cfg.Scheduler.MaxRequests, cfg.Scheduler.Cooldown), nil, nil
	}

	mem := ratelimit.NewMemory(cfg.Scheduler.MaxRequests, cfg.Scheduler.Cooldown)
	sweep := func(ctx context.Context) {
		ticker := time.NewTicker(cfg.Scheduler.Cooldown)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := mem.Sweep(now); n > 0 {
					log.Debug("rate limit windows expired", zap.Int("count", n))
				}
			}
		}
	}
	return mem, sweep, nil
}
