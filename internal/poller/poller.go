package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agriscience/fieldwatch/internal/api"
	"github.com/agriscience/fieldwatch/internal/cache"
	"github.com/agriscience/fieldwatch/internal/model"
)

// Fetcher loads monitoring resources from the backend.
type Fetcher interface {
	GetFields(ctx context.Context) ([]model.CropField, error)
	GetAlerts(ctx context.Context) ([]model.Alert, error)
	GetReadings(ctx context.Context, fieldID string) ([]model.Reading, error)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Refresh interval (default: 5m)
	Concurrency int           // Max concurrent field requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Summary describes the last completed cycle.
type Summary struct {
	Fields   int
	Alerts   int
	Unread   int
	Critical int
	Readings int
	Errors   int64
	At       time.Time
}

// Poller periodically refreshes the monitoring queries.
type Poller struct {
	cfg    Config
	api    Fetcher
	cache  *cache.Cache
	logger *slog.Logger

	// active gates a cycle; nil means always.
	active func() bool
	// onUnauthorized runs once per cycle that saw a 401.
	onUnauthorized func()

	cycles  atomic.Int64
	mu      sync.RWMutex
	summary Summary

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithGate skips cycles while active returns false.
func WithGate(active func() bool) Option {
	return func(p *Poller) {
		p.active = active
	}
}

// WithUnauthorizedHook runs fn after a cycle that got a 401.
func WithUnauthorizedHook(fn func()) Option {
	return func(p *Poller) {
		p.onUnauthorized = fn
	}
}

// New creates a new Poller.
func New(cfg Config, fetcher Fetcher, c *cache.Cache, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	p := &Poller{
		cfg:    cfg,
		api:    fetcher,
		cache:  c,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("query refresher started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("query refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cycles returns how many refresh cycles have run.
func (p *Poller) Cycles() int64 {
	return p.cycles.Load()
}

// LastSummary returns the result of the last completed cycle.
func (p *Poller) LastSummary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.summary
}

// Fields returns the cached field list, fetching it if needed.
func (p *Poller) Fields(ctx context.Context) ([]model.CropField, error) {
	return cache.Typed(ctx, p.cache, cache.Key{api.PathFields}, p.api.GetFields)
}

// Alerts returns the cached alert list, fetching it if needed.
func (p *Poller) Alerts(ctx context.Context) ([]model.Alert, error) {
	return cache.Typed(ctx, p.cache, cache.Key{api.PathAlerts}, p.api.GetAlerts)
}

// Readings returns the cached readings for a field, fetching them if needed.
func (p *Poller) Readings(ctx context.Context, fieldID string) ([]model.Reading, error) {
	return cache.Typed(ctx, p.cache, cache.Key{api.PathData, fieldID}, func(ctx context.Context) ([]model.Reading, error) {
		return p.api.GetReadings(ctx, fieldID)
	})
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll marks every monitoring query stale and reloads it.
func (p *Poller) pollAll() {
	if p.active != nil && !p.active() {
		p.logger.Debug("no session, skipping refresh")
		return
	}

	start := time.Now()
	p.cycles.Add(1)

	p.cache.Invalidate(cache.Key{api.PathFields})
	p.cache.Invalidate(cache.Key{api.PathAlerts})
	p.cache.Invalidate(cache.Key{api.PathData})

	var errCount atomic.Int64
	var unauthorized atomic.Bool
	record := func(what string, err error) {
		errCount.Add(1)
		if api.IsUnauthorized(err) {
			unauthorized.Store(true)
		}
		p.logger.Warn("refresh failed", "query", what, "err", err)
	}

	summary := Summary{}

	if alerts, err := withTimeout(p, p.Alerts); err != nil {
		record("alerts", err)
	} else {
		summary.Alerts = len(alerts)
		summary.Unread = len(model.UnreadAlerts(alerts))
		summary.Critical = len(model.CriticalAlerts(alerts))
	}

	fields, err := withTimeout(p, p.Fields)
	if err != nil {
		record("fields", err)
	}
	summary.Fields = len(fields)

	var readings atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, field := range fields {
		if p.ctx.Err() != nil {
			break
		}
		fieldID := field.ID
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
			defer cancel()

			rs, err := p.Readings(ctx, fieldID)
			if err != nil {
				record("data:"+fieldID, err)
				return nil
			}
			readings.Add(int64(len(rs)))
			return nil
		})
	}
	g.Wait()

	summary.Readings = int(readings.Load())
	summary.Errors = errCount.Load()
	summary.At = time.Now()

	p.mu.Lock()
	p.summary = summary
	p.mu.Unlock()

	p.logger.Info("refresh cycle complete",
		"fields", summary.Fields,
		"alerts", summary.Alerts,
		"unread", summary.Unread,
		"critical", summary.Critical,
		"errors", summary.Errors,
		"duration", time.Since(start),
	)

	if unauthorized.Load() && p.onUnauthorized != nil {
		p.onUnauthorized()
	}
}

// withTimeout runs fn under the per-request timeout.
func withTimeout[T any](p *Poller, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}
