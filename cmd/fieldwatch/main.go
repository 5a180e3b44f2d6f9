package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/agriscience/fieldwatch/internal/api"
	"github.com/agriscience/fieldwatch/internal/cache"
	"github.com/agriscience/fieldwatch/internal/channel"
	"github.com/agriscience/fieldwatch/internal/config"
	"github.com/agriscience/fieldwatch/internal/database"
	"github.com/agriscience/fieldwatch/internal/monitor"
	"github.com/agriscience/fieldwatch/internal/poller"
	"github.com/agriscience/fieldwatch/internal/session"
	"github.com/agriscience/fieldwatch/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/fieldwatch.local.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	logger = logger.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting fieldwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"origin", cfg.Server.Origin,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fieldwatch failed", "error", err)
		os.Exit(1)
	}

	logger.Info("fieldwatch stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Token store and REST client
	var store session.TokenStore = session.NewMemoryStore("")
	if cfg.Session.TokenFile != "" {
		store = session.NewFileStore(cfg.Session.TokenFile)
	}

	apiClient := api.NewClient(
		cfg.Server.APIBase,
		store,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Server.Timeout),
		api.WithRetries(cfg.Server.MaxRetries, time.Second),
	)

	sess := session.New(apiClient, store, logger)

	// Optional journal
	var (
		pool    *pgxpool.Pool
		journal *database.Journal
	)
	if cfg.Journal.Enabled {
		db := cfg.Journal.Postgres
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		p, err := database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer p.Close()
		pool = p

		journal = database.NewJournal(database.DefaultJournalConfig(), pool, logger)
		if err := journal.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("create journal schema: %w", err)
		}
		journal.Start(ctx)
		defer stopWithTimeout(journal.Stop, 10*time.Second)
	}

	// Realtime channel
	mgr, err := channel.NewManager(channelConfig(cfg), sess, channel.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	mgr.Start(ctx)
	defer stopWithTimeout(mgr.Stop, 10*time.Second)

	queries := cache.New(cfg.Refresh.Interval, logger)

	revalidate := func() {
		rctx, rcancel := context.WithTimeout(ctx, cfg.Server.Timeout)
		defer rcancel()
		if _, err := sess.Restore(rctx); err != nil && !api.IsUnauthorized(err) {
			logger.Warn("session check failed", "error", err)
		}
	}

	monitorOpts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.OnAuthRejected(func(reason string) { go revalidate() }),
	}
	if journal != nil {
		monitorOpts = append(monitorOpts, monitor.WithJournal(journal))
	}
	mon := monitor.New(mgr, queries, apiClient, monitorOpts...)
	mon.Start(ctx)
	defer stopWithTimeout(mon.Stop, 5*time.Second)

	refresher := poller.New(
		poller.Config{
			Interval:    cfg.Refresh.Interval,
			Concurrency: cfg.Refresh.Concurrency,
			Timeout:     cfg.Refresh.Timeout,
		},
		apiClient,
		queries,
		logger,
		poller.WithGate(sess.Present),
		poller.WithUnauthorizedHook(revalidate),
	)
	refresher.Start(ctx)
	defer stopWithTimeout(refresher.Stop, 10*time.Second)

	// Health server
	sources := healthSources{
		Channel: mgr,
		Present: sess.Present,
		Monitor: mon,
		Poller:  refresher,
		Cache:   queries,
	}
	if journal != nil {
		sources.Journal = journal
		sources.DB = pool
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(sources, logger),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		session.Follow(gctx, sess, &presence{channel: mgr, queries: queries})
		return nil
	})

	g.Go(func() error {
		signIn(gctx, cfg.Session, sess, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	logger.Info("fieldwatch running",
		"endpoint", mgr.URL(),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	return g.Wait()
}

// signIn restores the stored session, falling back to configured credentials.
func signIn(ctx context.Context, cfg config.SessionConfig, sess *session.Session, logger *slog.Logger) {
	user, err := sess.Restore(ctx)
	if err == nil {
		logger.Info("session restored", "user_id", user.ID)
		return
	}
	if !errors.Is(err, session.ErrNoToken) && !api.IsUnauthorized(err) {
		logger.Warn("could not restore session", "error", err)
		return
	}
	if cfg.Email == "" {
		logger.Info("no session, waiting for a token", "error", err)
		return
	}

	if _, err := sess.Login(ctx, cfg.Email, cfg.Password); err != nil {
		logger.Error("login failed", "email", cfg.Email, "error", err)
	}
}

// presence drives the channel from session presence and drops cached
// queries when the user goes away.
type presence struct {
	channel *channel.Manager
	queries *cache.Cache
}

func (p *presence) Connect() {
	p.channel.Connect()
}

func (p *presence) Disconnect() {
	p.channel.Disconnect()
	p.queries.Clear()
}

func channelConfig(cfg *config.Config) channel.Config {
	c := channel.DefaultConfig()
	c.Origin = cfg.Server.Origin
	c.Path = cfg.Server.WSPath
	c.MaxAttempts = cfg.Channel.MaxAttempts
	c.BaseDelay = cfg.Channel.ReconnectBaseDelay
	c.MaxDelay = cfg.Channel.ReconnectMaxDelay
	c.DialTimeout = cfg.Channel.DialTimeout
	c.PingInterval = cfg.Channel.PingInterval
	c.PingTimeout = cfg.Channel.PingTimeout
	c.WriteTimeout = cfg.Channel.WriteTimeout
	c.BufferSize = cfg.Channel.BufferSize
	return c
}

func stopWithTimeout(stop func(context.Context) error, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	stop(ctx)
}
