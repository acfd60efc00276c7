// Package scheduler drives the periodic maintenance jobs: the grant
// expiry sweep, drift reconciliation, and the stale payment sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/tripbazaar/tokenledger/internal/observe"
	"go.uber.org/zap"
)

const (
	jobExpiry       = "expiry_sweep"
	jobDrift        = "drift_reconcile"
	jobPaymentSweep = "payment_sweep"

	defaultExpiryInterval       = 24 * time.Hour
	defaultDriftInterval        = 24 * time.Hour
	defaultPaymentSweepInterval = 15 * time.Minute

	jobRunTimeout = 5 * time.Minute
	startupDelay  = 10 * time.Second
)

// Job is one runnable maintenance task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config overrides the job intervals. Zero values keep the defaults.
type Config struct {
	ExpiryInterval       time.Duration
	DriftInterval        time.Duration
	PaymentSweepInterval time.Duration
}

// Scheduler runs the maintenance jobs on their tickers.
type Scheduler struct {
	logger  *zap.Logger
	metrics *observe.Metrics
	jobs    []Job
}

// New wires a Scheduler over explicit job closures. metrics may be nil.
func New(logger *zap.Logger, metrics *observe.Metrics, cfg Config, expiry func(ctx context.Context) error, drift func(ctx context.Context) error, paymentSweep func(ctx context.Context) error) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := &Scheduler{logger: logger, metrics: metrics}
	if expiry != nil {
		scheduler.jobs = append(scheduler.jobs, Job{
			Name:     jobExpiry,
			Interval: intervalOrDefault(cfg.ExpiryInterval, defaultExpiryInterval),
			Run:      expiry,
		})
	}
	if drift != nil {
		scheduler.jobs = append(scheduler.jobs, Job{
			Name:     jobDrift,
			Interval: intervalOrDefault(cfg.DriftInterval, defaultDriftInterval),
			Run:      drift,
		})
	}
	if paymentSweep != nil {
		scheduler.jobs = append(scheduler.jobs, Job{
			Name:     jobPaymentSweep,
			Interval: intervalOrDefault(cfg.PaymentSweepInterval, defaultPaymentSweepInterval),
			Run:      paymentSweep,
		})
	}
	return scheduler
}

// Run starts one loop per job and blocks until ctx is cancelled. Each job
// also runs once shortly after startup so a restart cannot push
// maintenance out by a full interval.
func (scheduler *Scheduler) Run(ctx context.Context) {
	for _, job := range scheduler.jobs {
		go scheduler.runLoop(ctx, job)
	}
	<-ctx.Done()
	scheduler.logger.Info("scheduler stopping")
}

func (scheduler *Scheduler) runLoop(ctx context.Context, job Job) {
	scheduler.logger.Info("job scheduled",
		zap.String("job", job.Name),
		zap.Duration("interval", job.Interval))

	select {
	case <-time.After(startupDelay):
		scheduler.runOnce(ctx, job)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			scheduler.runOnce(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (scheduler *Scheduler) runOnce(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, jobRunTimeout)
	defer cancel()
	started := time.Now()
	err := job.Run(runCtx)
	duration := time.Since(started)
	status := "ok"
	if err != nil {
		status = "error"
		scheduler.logger.Error("job run failed",
			zap.String("job", job.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		scheduler.logger.Info("job run finished",
			zap.String("job", job.Name),
			zap.Duration("duration", duration))
	}
	if scheduler.metrics != nil {
		scheduler.metrics.RecordJobRun(job.Name, status, duration)
	}
}

func intervalOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
