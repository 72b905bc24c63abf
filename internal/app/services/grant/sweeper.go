package grant

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
	"github.com/mintworks-ai/creditgate/internal/app/system"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// Sweeper re-runs the grant check shortly after the UTC day rolls over, so
// holder accounts that stop sending requests still receive the day's grant.
// It shares the engine's idempotent path, so overlap with request-time
// checks is harmless.
type Sweeper struct {
	engine *Engine
	store  storage.LedgerStore
	log    *logger.Logger

	// spec is the cron schedule, daily at 00:05 UTC by default.
	spec string
	// activeWindow bounds how far back an account's last activity may lie.
	activeWindow time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper constructs a sweeper over the given engine.
func NewSweeper(engine *Engine, store storage.LedgerStore, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("grant-sweeper")
	}
	return &Sweeper{
		engine:       engine,
		store:        store,
		log:          log,
		spec:         "5 0 * * *",
		activeWindow: 48 * time.Hour,
	}
}

func (s *Sweeper) Name() string { return "grant-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.spec, func() { s.sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.Infof("grant sweeper scheduled (%s UTC)", s.spec)
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	accounts, err := s.store.ListHolderAccounts(ctx, time.Now().Add(-s.activeWindow))
	if err != nil {
		s.log.WithError(err).Warn("list holder accounts failed")
		return
	}

	granted := 0
	for _, acct := range accounts {
		// Only wallet-keyed accounts carry an address the resolver can
		// check; other identities are granted on their next request.
		if acct.IdentityKind != credit.IdentityWallet {
			continue
		}
		ok, _, err := s.engine.CheckAndGrant(ctx, acct.ID, acct.ID)
		if err != nil {
			s.log.WithError(err).WithField("account_id", acct.ID).Warn("sweep grant failed")
			continue
		}
		if ok {
			granted++
		}
	}
	s.log.WithFields(map[string]interface{}{
		"checked": len(accounts),
		"granted": granted,
	}).Info("daily grant sweep complete")
}
