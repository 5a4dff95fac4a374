// Command oms-dispatcher is the OMS process entrypoint: it loads
// configuration, opens the store, builds the exchange adapter, starts the
// dispatcher TCP server, one queue worker for the configured worker pool,
// the reconciliation scheduler and the event-ring trim ticker, then blocks
// until SIGINT/SIGTERM.
// Grounded on original_source/apps/api/run_stack.py's process supervision
// (spawn everything, terminate together on signal) and dispatcher_server.py's
// run_dispatcher/Dispatcher.start, translated from a multi-process
// supervisor into goroutines under one context.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rspadim/oms-position/internal/auth"
	"github.com/rspadim/oms-position/internal/config"
	"github.com/rspadim/oms-position/internal/credentials"
	"github.com/rspadim/oms-position/internal/exchange"
	"github.com/rspadim/oms-position/internal/exchange/restengine"
	"github.com/rspadim/oms-position/internal/exchange/streamengine"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/oms/common"
	"github.com/rspadim/oms-position/internal/oms/dispatcher"
	"github.com/rspadim/oms-position/internal/oms/events"
	"github.com/rspadim/oms-position/internal/oms/executor"
	"github.com/rspadim/oms-position/internal/oms/intake"
	"github.com/rspadim/oms-position/internal/oms/queue"
	"github.com/rspadim/oms-position/internal/oms/reconciler"
	"github.com/rspadim/oms-position/internal/store"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("oms-dispatcher exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := newLogger(cfg)
	log.WithFields(logrus.Fields{"app_env": cfg.AppEnv, "dispatcher_listen_addr": cfg.DispatcherListenAddr}).Info("starting oms-dispatcher")

	db, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s := store.NewGormStore(db)

	codec, err := credentials.NewCodec(cfg.EncryptionMasterKey, cfg.RequireEncryptedCredentials)
	if err != nil {
		return fmt.Errorf("failed to build credentials codec: %w", err)
	}
	resolver := common.NewExchangeResolver(s, codec)

	restBuilder := restengine.Builder(nil)
	streamBuilder := streamengine.Builder(nil)
	adapter := exchange.NewAdapter(restBuilder, streamBuilder, cfg.SessionTTLSeconds)
	defer adapter.Shutdown()

	bus := events.NewBus(s, cfg.WSEventBufferLimit)
	authn := auth.NewAuthenticator(s)

	pool := dispatcher.NewPool(s, log.WithField("component", "pool"), []string{"ccxt", "ccxtpro"}, cfg.DispatcherPoolSize)

	in := intake.New(s, pool, time.Duration(cfg.CloseLockTTLSeconds)*time.Second)
	exec := executor.New(s, adapter, resolver, bus)
	recon := reconciler.New(s, adapter, resolver, bus, log.WithField("component", "reconciler"),
		time.Duration(cfg.ReconcileLookbackSeconds)*time.Second, reconciler.DefaultFetchLimit)

	srv := dispatcher.NewServer(s, pool, in, adapter, resolver, authn, bus, recon, log.WithField("component", "dispatcher_server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.DispatcherListenAddr); err != nil {
			log.WithError(err).Error("dispatcher server stopped")
		}
	}()

	worker := queue.New(s, exec, log.WithField("component", "queue_worker"), cfg.WorkerPoolID, cfg.WorkerID).
		WithPollInterval(time.Duration(cfg.WorkerPollIntervalMs) * time.Millisecond).
		WithMaxAttempts(cfg.WorkerMaxAttempts)
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReconciliationScheduler(ctx, s, recon, log.WithField("component", "reconciler_scheduler"),
			time.Duration(cfg.WorkerReconciliationIntervalSeconds)*time.Second)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.Trim()
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, waiting for components to stop")
	wg.Wait()
	return nil
}

func newLogger(cfg *config.Settings) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if cfg.AppEnv == "dev" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l).WithField("app", cfg.AppName)
}

// runReconciliationScheduler sweeps every active account on a fixed interval and
// runs one reconciliation pass each, mirroring the worker_reconciliation_interval_seconds
// config knob. Per-account failures are logged, not fatal, so one broken
// account's credentials never stall the sweep.
func runReconciliationScheduler(ctx context.Context, s store.Store, recon *reconciler.Reconciler, log *logrus.Entry, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, s, recon, log)
		}
	}
}

func sweepOnce(ctx context.Context, s store.Store, recon *reconciler.Reconciler, log *logrus.Entry) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to begin transaction to list accounts")
		return
	}
	accounts, err := s.ListAccounts(ctx, tx)
	tx.Rollback()
	if err != nil {
		log.WithError(err).Warn("failed to list accounts for reconciliation sweep")
		return
	}
	for _, acc := range accounts {
		if acc.Status != model.AccountStatusActive {
			continue
		}
		if _, err := recon.ReconcileAccount(ctx, acc.ID); err != nil {
			log.WithError(err).WithField("account_id", acc.ID).Warn("reconciliation pass failed")
		}
	}
}
