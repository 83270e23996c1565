// Package scheduler runs the periodic expiry sweep that frees lapsed holds,
// expires unpaid bookings and completes bookings whose slots have ended.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

var ErrAlreadyStarted = errors.New("scheduler already started")

// Target is the state machine side of a sweep.
type Target interface {
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error)
	ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error)
	CompleteFinished(ctx context.Context, now time.Time, limit int) (int, error)
}

// Lease elects one sweeper among several instances. Acquire reports
// whether this instance holds the lease for the next ttl.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	Interval time.Duration
	Batch    int
	LeaseTTL time.Duration
}

type Report struct {
	Skipped       bool
	ReleasedHolds int
	Expired       int
	Completed     int
}

type Scheduler struct {
	sched  gocron.Scheduler
	target Target
	lease  Lease
	clock  clockwork.Clock
	logger observability.Logger
	cfg    Config

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New registers the sweep job. lease may be nil when only one instance sweeps.
func New(target Target, lease Lease, clock clockwork.Clock, logger observability.Logger, cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{target: target, lease: lease, clock: clock, logger: logger, cfg: cfg}

	sched, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithGlobalJobOptions(
			gocron.WithEventListeners(
				gocron.AfterJobRunsWithPanic(func(jobID uuid.UUID, jobName string, recoverData any) {
					logger.WithFields(map[string]interface{}{
						"job_id":   jobID.String(),
						"job_name": jobName,
						"panic":    recoverData,
					}).Error("scheduler job panicked")
				}),
			),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}

	_, err = sched.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(s.tick),
		gocron.WithName("expiry-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Wrap(err, "register sweep job")
	}
	s.sched = sched
	return s, nil
}

// Start runs the sweep every interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.logger.WithField("interval", s.cfg.Interval.String()).Info("expiry sweep starting")
	s.sched.Start()
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := s.sched.Shutdown()
	if s.lease != nil {
		if lerr := s.lease.Release(context.Background()); lerr != nil {
			err = errors.CombineErrors(err, lerr)
		}
	}
	s.logger.Info("expiry sweep stopped")
	return err
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.WithError(err).Error("expiry sweep failed")
		return
	}
	if report.ReleasedHolds+report.Expired+report.Completed > 0 {
		s.logger.WithFields(map[string]interface{}{
			"released_holds": report.ReleasedHolds,
			"expired":        report.Expired,
			"completed":      report.Completed,
		}).Info("expiry sweep")
	}
}

// Sweep runs one pass. Each phase runs even if an earlier one failed; the
// errors are combined.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, s.cfg.LeaseTTL)
		if err != nil {
			return Report{}, errors.Wrap(err, "acquire sweep lease")
		}
		if !ok {
			return Report{Skipped: true}, nil
		}
	}

	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	var (
		report Report
		errs   error
		err    error
	)
	if report.ReleasedHolds, err = s.target.ReleaseExpiredHolds(ctx, now); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "release expired holds"))
	}
	if report.Expired, err = s.target.ExpireOverdue(ctx, now, s.cfg.Batch); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "expire overdue bookings"))
	}
	if report.Completed, err = s.target.CompleteFinished(ctx, now, s.cfg.Batch); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "complete finished bookings"))
	}
	return report, errs
}
