// Package ratelimit bounds request rate per identity and category with
// fixed-window counters in the shared store. Two nested windows (minute and
// day) enforce tiered limits. When the shared store is unreachable the
// limiter degrades to a local, process-scoped token bucket: enforcement
// weakens to per-instance and short-window-only, but the service still
// limits. The ledger's consistency is never involved here.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mintworks-ai/creditgate/internal/app/metrics"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
	"github.com/mintworks-ai/creditgate/internal/app/system"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// Tier holds the two window limits for one request category.
type Tier struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// Config maps categories to tiers. Unknown categories use Default.
type Config struct {
	Tiers   map[string]Tier `yaml:"tiers"`
	Default Tier            `yaml:"default"`
}

// Result is the limiter's structured verdict.
type Result struct {
	Allowed           bool
	RetryAfterSeconds int
}

// Limiter enforces tiered fixed-window limits.
type Limiter struct {
	shared storage.SharedStore
	cfg    Config
	log    *logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New constructs a limiter over the shared counter store.
func New(shared storage.SharedStore, cfg Config, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	if cfg.Default.PerMinute <= 0 {
		cfg.Default = Tier{PerMinute: 60, PerDay: 2000}
	}
	return &Limiter{
		shared: shared,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		local:  make(map[string]*rate.Limiter),
	}
}

// WithClock overrides the time source for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) tierFor(category string) Tier {
	if tier, ok := l.cfg.Tiers[category]; ok {
		return tier
	}
	return l.cfg.Default
}

// Allow admits or rejects one request for (category, identity). The minute
// window is checked first; a request that passes it still counts against and
// is checked against the day window.
func (l *Limiter) Allow(ctx context.Context, category, identity string) Result {
	tier := l.tierFor(category)
	now := l.now().UTC()

	if res, ok := l.allowShared(ctx, category, identity, tier, now); ok {
		return res
	}

	metrics.LimiterFallback()
	return l.allowLocal(category, identity, tier)
}

func (l *Limiter) allowShared(ctx context.Context, category, identity string, tier Tier, now time.Time) (Result, bool) {
	if l.shared == nil {
		return Result{}, false
	}

	// Keys are quantized to the window start, so the counter key itself
	// names the window and retry-after falls out of the boundary.
	minuteStart := now.Truncate(time.Minute)
	minuteKey := fmt.Sprintf("rl:%s:%s:m:%d", category, identity, minuteStart.Unix())
	count, err := l.shared.IncrementWithExpiry(ctx, minuteKey, 2*time.Minute)
	if err != nil {
		l.log.WithError(err).Debug("shared counter unavailable")
		return Result{}, false
	}
	if tier.PerMinute > 0 && count > int64(tier.PerMinute) {
		metrics.Throttled(category, "minute")
		return Result{RetryAfterSeconds: retryAfter(now, minuteStart.Add(time.Minute))}, true
	}

	if tier.PerDay > 0 {
		dayStart := now.Truncate(24 * time.Hour)
		dayKey := fmt.Sprintf("rl:%s:%s:d:%s", category, identity, dayStart.Format("2006-01-02"))
		count, err := l.shared.IncrementWithExpiry(ctx, dayKey, 25*time.Hour)
		if err != nil {
			l.log.WithError(err).Debug("shared counter unavailable")
			return Result{}, false
		}
		if count > int64(tier.PerDay) {
			metrics.Throttled(category, "day")
			return Result{RetryAfterSeconds: retryAfter(now, dayStart.Add(24*time.Hour))}, true
		}
	}

	return Result{Allowed: true}, true
}

// allowLocal is the degraded path: a per-instance token bucket sized to the
// minute tier. The day window is not enforced here, and neither is a tier
// without a minute limit.
func (l *Limiter) allowLocal(category, identity string, tier Tier) Result {
	if tier.PerMinute <= 0 {
		return Result{Allowed: true}
	}

	key := category + ":" + identity

	l.mu.Lock()
	limiter, ok := l.local[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(tier.PerMinute)/60.0), tier.PerMinute)
		l.local[key] = limiter
	}
	l.mu.Unlock()

	if limiter.Allow() {
		return Result{Allowed: true}
	}
	metrics.Throttled(category, "minute")
	retry := 60 / tier.PerMinute
	if retry < 1 {
		retry = 1
	}
	return Result{RetryAfterSeconds: retry}
}

func retryAfter(now, windowEnd time.Time) int {
	secs := int(windowEnd.Sub(now).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Cleanup drops the local limiter map when it grows past bound. Fallback
// state is approximate anyway; a reset only briefly loosens per-instance
// limiting.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) > 10_000 {
		l.local = make(map[string]*rate.Limiter)
	}
}

// Janitor periodically runs Cleanup as a lifecycle service.
type Janitor struct {
	limiter  *Limiter
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ system.Service = (*Janitor)(nil)

// NewJanitor constructs a janitor with the given sweep interval.
func NewJanitor(limiter *Limiter, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{limiter: limiter, interval: interval}
}

func (j *Janitor) Name() string { return "ratelimit-janitor" }

func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				j.limiter.Cleanup()
			}
		}
	}()
	return nil
}

func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		j.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
