// Package runtime wires the application together: stores, core services,
// background workers and the ops HTTP server.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/mintworks-ai/creditgate/internal/app/domain/payment"
	"github.com/mintworks-ai/creditgate/internal/app/metrics"
	"github.com/mintworks-ai/creditgate/internal/app/services/billing"
	"github.com/mintworks-ai/creditgate/internal/app/services/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/services/grant"
	"github.com/mintworks-ai/creditgate/internal/app/services/ledger"
	"github.com/mintworks-ai/creditgate/internal/app/services/paygate"
	"github.com/mintworks-ai/creditgate/internal/app/services/pricing"
	"github.com/mintworks-ai/creditgate/internal/app/services/ratelimit"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
	"github.com/mintworks-ai/creditgate/internal/app/storage/memory"
	"github.com/mintworks-ai/creditgate/internal/app/storage/postgres"
	redisstore "github.com/mintworks-ai/creditgate/internal/app/storage/redis"
	"github.com/mintworks-ai/creditgate/internal/app/system"
	"github.com/mintworks-ai/creditgate/internal/chain"
	"github.com/mintworks-ai/creditgate/internal/config"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// Application holds the wired components and manages their lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	billingSvc *billing.Service
	httpServer *http.Server
	workers    []system.Service
	db         *sql.DB
	redis      *redisstore.Store
}

// NewApplication constructs an application from configuration.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	app := &Application{cfg: cfg, log: log}

	ledgerStore, err := app.buildLedgerStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure ledger store: %w", err)
	}

	var shared storage.SharedStore
	if cfg.Redis.Addr != "" {
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			// Components carry local fallbacks; a cold redis only weakens
			// cross-instance sharing.
			log.WithError(err).Warn("redis unavailable, running with local state only")
		} else {
			app.redis = store
			shared = store
		}
	}

	var source chain.BalanceSource
	if cfg.Chain.RPCURL != "" {
		client, err := chain.NewClient(chain.Config{
			RPCURL:  cfg.Chain.RPCURL,
			Timeout: time.Duration(cfg.Chain.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("configure chain client: %w", err)
		}
		source = client
	} else {
		log.Warn("no chain RPC configured; entitlement checks fail closed")
		source = unavailableSource{}
	}

	ledgerSvc := ledger.New(ledgerStore, log.WithField("component", "ledger"))

	resolver := entitlement.New(source, shared, entitlement.Config{
		GateContract:   cfg.Entitlement.GateContract,
		GateMinBalance: cfg.Entitlement.GateMinBalance,
		Collections:    cfg.Entitlement.Collections,
		CaseSensitive:  cfg.Entitlement.CaseSensitive,
		CacheTTL:       time.Duration(cfg.Entitlement.CacheTTLSeconds) * time.Second,
	}, log.WithField("component", "entitlement"))

	calc := pricing.New(pricing.Config{
		Rates:        cfg.Pricing.Rates,
		BatchPremium: cfg.Pricing.BatchPremium,
		AgentMarkup:  cfg.Pricing.AgentMarkup,
	})

	grants := grant.New(ledgerSvc, ledgerStore, resolver, grant.Config{
		FungibleAmount:    cfg.Grants.FungibleAmount,
		CollectibleAmount: cfg.Grants.CollectibleAmount,
	}, log.WithField("component", "grant"))

	var facilitator paygate.Facilitator
	if cfg.Facilitator.BaseURL != "" {
		facilitator, err = paygate.NewHTTPFacilitator(paygate.FacilitatorConfig{
			BaseURL:  cfg.Facilitator.BaseURL,
			Secret:   cfg.Facilitator.Secret,
			Issuer:   cfg.Facilitator.Issuer,
			TokenTTL: time.Duration(cfg.Facilitator.TokenTTLSeconds) * time.Second,
			Timeout:  time.Duration(cfg.Facilitator.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("configure facilitator: %w", err)
		}
	} else {
		log.Warn("no facilitator configured; pay-per-call proofs are rejected")
		facilitator = unavailableFacilitator{}
	}

	gate := paygate.New(facilitator, calc, ledgerSvc, paygate.Config{
		Scheme:         cfg.PayPerCall.Scheme,
		Network:        cfg.PayPerCall.Network,
		Asset:          cfg.PayPerCall.Asset,
		PayTo:          cfg.PayPerCall.PayTo,
		Markup:         cfg.PayPerCall.Markup,
		UnitsPerCredit: cfg.PayPerCall.UnitsPerCredit,
	}, log.WithField("component", "paygate"))

	tiers := make(map[string]ratelimit.Tier, len(cfg.RateLimit.Tiers))
	for category, tier := range cfg.RateLimit.Tiers {
		tiers[category] = ratelimit.Tier{PerMinute: tier.PerMinute, PerDay: tier.PerDay}
	}
	limiter := ratelimit.New(shared, ratelimit.Config{
		Tiers:   tiers,
		Default: ratelimit.Tier{PerMinute: cfg.RateLimit.Default.PerMinute, PerDay: cfg.RateLimit.Default.PerDay},
	}, log.WithField("component", "ratelimit"))

	app.billingSvc = billing.New(ledgerStore, shared, ledgerSvc, resolver, grants, gate, calc, limiter, log.WithField("component", "billing"))

	app.workers = []system.Service{
		grant.NewSweeper(grants, ledgerStore, log.WithField("component", "grant-sweeper")),
		ratelimit.NewJanitor(limiter, 10*time.Minute),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return app, nil
}

func (a *Application) buildLedgerStore(ctx context.Context) (storage.LedgerStore, error) {
	if a.cfg.Database.Driver == "memory" {
		a.log.Warn("using in-memory ledger store; data does not survive restarts")
		return memory.New(), nil
	}

	db, err := sql.Open("postgres", a.cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := postgres.New(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	a.db = db
	return store, nil
}

// Billing exposes the facade to embedding callers (route handlers).
func (a *Application) Billing() *billing.Service {
	return a.billingSvc
}

// Run starts the workers and the ops HTTP server, blocking until the context
// is cancelled.
func (a *Application) Run(ctx context.Context) error {
	for _, worker := range a.workers {
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", worker.Name(), err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("ops server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops workers and the HTTP server gracefully.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, worker := range a.workers {
		if err := worker.Stop(shutdownCtx); err != nil {
			a.log.WithError(err).Warnf("stop %s failed", worker.Name())
		}
	}

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return nil
}

// unavailableSource fails every balance query so entitlement decisions fail
// closed when no chain endpoint is configured.
type unavailableSource struct{}

func (unavailableSource) FungibleBalance(context.Context, string, string) (int64, error) {
	return 0, fmt.Errorf("chain source not configured")
}

func (unavailableSource) CollectibleCount(context.Context, string, string) (int64, error) {
	return 0, fmt.Errorf("chain source not configured")
}

// unavailableFacilitator rejects every proof when no facilitator is
// configured.
type unavailableFacilitator struct{}

func (unavailableFacilitator) Verify(context.Context, payment.Proof, payment.Requirements) (payment.VerifyResult, error) {
	return payment.VerifyResult{}, fmt.Errorf("payment facilitator not configured")
}

func (unavailableFacilitator) Settle(context.Context, payment.Proof, payment.Requirements) (payment.SettleResult, error) {
	return payment.SettleResult{}, fmt.Errorf("payment facilitator not configured")
}
