package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-entitlements/internal/access"
	"github.com/rcourtman/pulse-entitlements/internal/api"
	"github.com/rcourtman/pulse-entitlements/internal/circuit"
	"github.com/rcourtman/pulse-entitlements/internal/config"
	"github.com/rcourtman/pulse-entitlements/internal/docstore"
	mongostore "github.com/rcourtman/pulse-entitlements/internal/docstore/mongo"
	"github.com/rcourtman/pulse-entitlements/internal/ledger"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/reconciler"
	"github.com/rcourtman/pulse-entitlements/internal/snapshot"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/internal/syncer"
	"github.com/rcourtman/pulse-entitlements/internal/telemetry"
	"github.com/rcourtman/pulse-entitlements/internal/usage"
	"github.com/rcourtman/pulse-entitlements/internal/validator"
	"github.com/rcourtman/pulse-entitlements/internal/webhook"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const (
	shutdownTimeout     = 30 * time.Second
	maintenanceInterval = time.Hour
	webhookRetention    = 30 * 24 * time.Hour
	usageRetention      = 7 * 24 * time.Hour
	dnsRefreshInterval  = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the entitlement daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Baseline logger for configuration errors.
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "entitlementd"})

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireAccount(); err != nil {
			return err
		}
		logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "entitlementd"})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, clockwork.NewRealClock())
	},
}

// daemon holds the wired components of a running service.
type daemon struct {
	cfg       *config.Config
	clock     clockwork.Clock
	deviceID  string
	store     *store.Store
	ledger    *ledger.FileLedger
	watcher   *ledger.Watcher
	dialer    *validator.CachingDialer
	rec       *reconciler.Reconciler
	usage     *usage.Tracker
	access    *access.Service
	docs      docstore.Store
	sync      *syncer.Syncer
	processor *webhook.Processor
	router    *api.Router
}

func runServe(ctx context.Context, cfg *config.Config, clock clockwork.Clock) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "entitlementd", Version)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	d, err := newDaemon(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer d.close()

	log.Info().
		Str("account", cfg.AccountID).
		Str("device", d.deviceID).
		Str("version", Version).
		Bool("validator", cfg.ValidationURL != "").
		Bool("mongo", cfg.MongoURI != "").
		Msg("Starting entitlement daemon")

	return d.run(ctx)
}

func newDaemon(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (*daemon, error) {
	d := &daemon{cfg: cfg, clock: clock}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	d.store = st

	if cfg.DeviceID != "" {
		if err := st.SetDeviceID(ctx, cfg.DeviceID); err != nil {
			d.close()
			return nil, err
		}
	}
	if d.deviceID, err = st.DeviceID(ctx); err != nil {
		d.close()
		return nil, err
	}

	d.usage = usage.NewTracker(st, clock)
	d.ledger = ledger.NewFileLedger(cfg.ResolvedLedgerPath())

	opts := []reconciler.Option{
		reconciler.WithClock(clock),
		reconciler.WithUsageResetter(d.usage),
		reconciler.WithConfig(reconciler.Config{
			StaleAfter:      cfg.StaleAfter,
			RefreshInterval: cfg.RefreshInterval,
		}),
	}
	if cfg.ValidationURL != "" {
		v, err := d.newValidator()
		if err != nil {
			d.close()
			return nil, err
		}
		opts = append(opts, reconciler.WithValidator(v))
	}

	builder := snapshot.NewBuilder(entitlement.NewProductCatalog(cfg.PremiumProducts))
	d.rec = reconciler.New(d.ledger, builder, st, opts...)
	if _, err := d.rec.Load(ctx); err != nil {
		d.close()
		return nil, fmt.Errorf("load entitlement state: %w", err)
	}
	d.watcher = ledger.NewWatcher(d.ledger.Path(), clock, d.rec.LedgerChanged)

	d.access, err = access.NewService(d.rec, d.usage,
		access.WithClock(clock),
		access.WithCacheTTL(cfg.AccessCacheTTL),
		access.WithRefresher(d.rec, cfg.StaleAfter),
	)
	if err != nil {
		d.close()
		return nil, err
	}

	if cfg.MongoURI != "" {
		docs, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			d.close()
			return nil, err
		}
		d.docs = docs
	} else {
		log.Info().Msg("No shared document store configured; cross-device sync is local only")
		d.docs = docstore.NewMemory()
	}

	d.processor = webhook.NewProcessor(cfg.AccountID, st, d.rec, d.docs, clock)
	d.sync = syncer.New(cfg.AccountID, d.deviceID, d.docs, d.rec, d.processor, clock)

	d.router = api.NewRouter(api.Config{
		Owner:    d.rec,
		Access:   d.access,
		Webhooks: webhook.NewHandler(d.processor, cfg.WebhookSecret, cfg.StripeWebhookSecret),
		Ping:     d.ping,
	})
	return d, nil
}

func (d *daemon) newValidator() (*validator.Validator, error) {
	key, err := d.cfg.PublicKey()
	if err != nil {
		return nil, err
	}

	d.dialer = validator.NewCachingDialer()
	transport := validator.NewHTTPTransport(d.cfg.ValidationURL, d.cfg.ValidationToken, d.dialer.HTTPClient(d.cfg.ValidationTimeout))

	breaker := circuit.NewBreaker("validator", circuit.DefaultConfig(), d.clock)
	breaker.SetOnStateChange(func(from, to circuit.State) {
		metrics.BreakerState.Set(float64(to))
		log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Validation circuit breaker changed state")
	})

	opts := []validator.Option{
		validator.WithClock(d.clock),
		validator.WithAttemptTimeout(d.cfg.ValidationTimeout),
	}
	if key != nil {
		opts = append(opts, validator.WithTokenVerifier(validator.NewTokenVerifier(key)))
	}
	return validator.New(transport, breaker, opts...), nil
}

func (d *daemon) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.HTTPAddr,
		Handler:           d.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.rec.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return d.watcher.Run(ctx)
	})
	g.Go(func() error {
		// Gating keeps working from local state when sync is unavailable.
		if err := d.sync.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Cross-device sync stopped")
		}
		return nil
	})
	g.Go(func() error {
		d.invalidateOnChange(ctx)
		return nil
	})
	g.Go(func() error {
		d.foregroundOnHangup(ctx)
		return nil
	})
	g.Go(func() error {
		d.maintain(ctx)
		return nil
	})
	if d.dialer != nil {
		g.Go(func() error {
			d.dialer.RunRefresh(ctx, dnsRefreshInterval)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

// invalidateOnChange drops cached access decisions on every canonical commit.
func (d *daemon) invalidateOnChange(ctx context.Context) {
	updates, unsubscribe := d.rec.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			d.access.Invalidate()
			log.Debug().Uint64("version", snap.Version).Str("status", string(snap.State.Status)).Msg("Access cache invalidated")
		}
	}
}

// foregroundOnHangup treats SIGHUP as an app-foreground transition.
func (d *daemon) foregroundOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info().Msg("Received SIGHUP, reconciling")
			if _, err := d.rec.Foreground(ctx); err != nil {
				log.Warn().Err(err).Msg("Foreground reconciliation failed")
			}
		}
	}
}

// maintain prunes processed webhook ids and stale daily counters.
func (d *daemon) maintain(ctx context.Context) {
	ticker := d.clock.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.prune(ctx)
		}
	}
}

func (d *daemon) prune(ctx context.Context) {
	logger := logging.Component("maintenance")
	n, err := d.store.PruneWebhooks(ctx, d.clock.Now().Add(-webhookRetention))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune processed webhooks")
	} else if n > 0 {
		logger.Debug().Int64("removed", n).Msg("Pruned processed webhooks")
	}
	if err := d.usage.Prune(ctx, usageRetention); err != nil {
		logger.Warn().Err(err).Msg("Failed to prune usage counters")
	}
}

func (d *daemon) ping(ctx context.Context) error {
	if err := d.store.Ping(ctx); err != nil {
		return err
	}
	if p, ok := d.docs.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (d *daemon) close() {
	if d.docs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.docs.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close document store")
		}
		cancel()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}
