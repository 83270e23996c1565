package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	redisadapter "github.com/robertarktes/court-slot-reservations/internal/adapters/redis"
	"github.com/robertarktes/court-slot-reservations/internal/config"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/platform"
	"github.com/robertarktes/court-slot-reservations/internal/scheduler"
)

// The worker sweeps shared state, so it needs the Redis lock table and the
// CockroachDB store. Several workers may run; the Redis lease lets one sweep at a time.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if !cfg.Shared() || cfg.StoreBackend != config.BackendCRDB {
		log.Fatalf("expiry worker needs LOCK_BACKEND=redis and STORE_BACKEND=crdb")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "court-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel).WithField("instance", cfg.InstanceID)

	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open backends: %v", err)
	}
	defer p.Close()

	sweeper, err := scheduler.New(p.Engine, redisadapter.NewLease(p.Redis, "expiry-sweep"), nil, logger, scheduler.Config{
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
		LeaseTTL: cfg.SweepLeaseTTL,
	})
	if err != nil {
		log.Fatalf("failed to create sweeper: %v", err)
	}

	metrics := &http.Server{Addr: cfg.HTTPAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	if err := p.Go(gctx, g); err != nil {
		log.Fatalf("failed to start event relay: %v", err)
	}
	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		logger.Info("Shutdown expiry worker")
		return sweeper.Stop()
	})
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), platform.ShutdownTimeout)
		defer cancel()
		return metrics.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("expiry worker stopped with error")
	}
}
