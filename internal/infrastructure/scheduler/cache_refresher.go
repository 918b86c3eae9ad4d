package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refresher re-computes cached analytics; it returns the number of entries refreshed
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// CacheRefresherConfig holds configuration for the periodic cache refresh
type CacheRefresherConfig struct {
	// Interval between forced refreshes, at least one second
	Interval time.Duration
	// Timeout bounds a single refresh run
	Timeout time.Duration
}

// RefresherStats reports refresh runs
type RefresherStats struct {
	Runs        int64     `json:"runs"`
	Failures    int64     `json:"failures"`
	LastRunAt   time.Time `json:"last_run_at,omitzero"`
	LastRefresh int       `json:"last_refreshed"`
	LastError   string    `json:"last_error,omitempty"`
}

// CacheRefresher forces a cache refresh on a fixed interval. A run that is
// still in progress when the next one is due causes that one to be skipped.
type CacheRefresher struct {
	cfg    CacheRefresherConfig
	target Refresher
	logger *zap.Logger
	cron   *cron.Cron

	baseCtx context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	mu    sync.Mutex
	stats RefresherStats
}

// CacheRefresherOption configures a CacheRefresher
type CacheRefresherOption func(*CacheRefresher)

// WithRefresherLogger sets the logger
func WithRefresherLogger(logger *zap.Logger) CacheRefresherOption {
	return func(r *CacheRefresher) {
		r.logger = logger
	}
}

// NewCacheRefresher schedules target.Refresh every cfg.Interval
func NewCacheRefresher(target Refresher, cfg CacheRefresherConfig, opts ...CacheRefresherOption) (*CacheRefresher, error) {
	if cfg.Interval < time.Second {
		return nil, fmt.Errorf("%w: refresh interval must be at least 1s, got %s", ErrInvalidConfig, cfg.Interval)
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Interval {
		cfg.Timeout = cfg.Interval
	}

	r := &CacheRefresher{
		cfg:     cfg,
		target:  target,
		logger:  zap.NewNop(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}

	cl := cronLogger{logger: r.logger.Sugar()}
	r.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := r.cron.AddFunc("@every "+cfg.Interval.String(), func() {
		_, _ = r.RunNow(r.baseCtx)
	}); err != nil {
		return nil, fmt.Errorf("schedule cache refresh: %w", err)
	}
	return r, nil
}

// Start begins the periodic refresh; runs stop when ctx is done
func (r *CacheRefresher) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	r.cron.Start()
	r.logger.Info("Cache refresher started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop halts scheduling and waits for a running refresh to finish
func (r *CacheRefresher) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	r.cancel()
	done := r.cron.Stop()

	select {
	case <-done.Done():
		r.logger.Info("Cache refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs one refresh synchronously
func (r *CacheRefresher) RunNow(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	n, err := r.target.Refresh(ctx)

	r.mu.Lock()
	r.stats.Runs++
	r.stats.LastRunAt = start
	r.stats.LastRefresh = n
	r.stats.LastError = ""
	if err != nil {
		r.stats.Failures++
		r.stats.LastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("Cache refresh failed",
			zap.Int("refreshed", n),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return n, err
	}
	r.logger.Debug("Cache refreshed",
		zap.Int("refreshed", n),
		zap.Duration("duration", time.Since(start)))
	return n, nil
}

// Stats returns refresh counters
func (r *CacheRefresher) Stats() RefresherStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
