package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	redisadapter "github.com/robertarktes/court-slot-reservations/internal/adapters/redis"
	"github.com/robertarktes/court-slot-reservations/internal/config"
	httphandler "github.com/robertarktes/court-slot-reservations/internal/http"
	"github.com/robertarktes/court-slot-reservations/internal/idempotency"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/platform"
	"github.com/robertarktes/court-slot-reservations/internal/rateLimit"
	"github.com/robertarktes/court-slot-reservations/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg, "court-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger(cfg.LogLevel).WithField("instance", cfg.InstanceID)

	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open backends: %v", err)
	}
	defer p.Close()

	var (
		rl    *rateLimit.RateLimiter
		idemp *idempotency.Idempotency
	)
	if p.Redis != nil {
		rl = rateLimit.NewRateLimiter(redisadapter.NewCache(p.Redis), logger)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(p.Redis), cfg.IdempotencyTTL)
	}

	checks := make(map[string]httphandler.ReadyCheck, len(p.Checks))
	for name, check := range p.Checks {
		checks[name] = check
	}
	handlers := httphandler.NewHandlers(p.Engine, p.Hub, logger, checks)
	r := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := p.Go(gctx, g); err != nil {
		log.Fatalf("failed to start event relay: %v", err)
	}

	if cfg.SweepInProcess {
		var lease scheduler.Lease
		if cfg.Shared() {
			lease = redisadapter.NewLease(p.Redis, "expiry-sweep")
		}
		sweeper, err := scheduler.New(p.Engine, lease, nil, logger, scheduler.Config{
			Interval: cfg.SweepInterval,
			Batch:    cfg.SweepBatch,
			LeaseTTL: cfg.SweepLeaseTTL,
		})
		if err != nil {
			log.Fatalf("failed to create sweeper: %v", err)
		}
		g.Go(func() error {
			if err := sweeper.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return sweeper.Stop()
		})
	}

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		sctx, cancel := context.WithTimeout(context.Background(), platform.ShutdownTimeout)
		defer cancel()
		// Open SSE streams end when the hub closes.
		p.Hub.Close()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
	}
	logger.Info("Server exiting")
}
