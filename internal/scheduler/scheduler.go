// Package scheduler drives the recurring batch work: expiration sweeps,
// expiry warnings and overdue invoice flips.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	billingdomain "github.com/sunpool/sunpool/internal/billing/domain"
	"github.com/sunpool/sunpool/internal/clock"
	expirationdomain "github.com/sunpool/sunpool/internal/expiration/domain"
	"github.com/sunpool/sunpool/internal/locks"
	obsmetrics "github.com/sunpool/sunpool/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

const guardTTL = 10 * time.Minute

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	ExpirationSvc expirationdomain.Service
	BillingSvc    billingdomain.Service
	Locker        *locks.Locker `optional:"true"`
	Config        Config        `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	expirationSvc expirationdomain.Service
	billingSvc    billingdomain.Service
	locker        *locks.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.ExpirationSvc == nil || p.BillingSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		clock:         p.Clock,
		expirationSvc: p.ExpirationSvc,
		billingSvc:    p.BillingSvc,
		locker:        p.Locker,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	// Cross-instance guard; a held lock means another instance owns this job.
	guardKey := "sunpool:scheduler:" + name
	token, acquired, err := s.locker.TryLock(ctx, guardKey, guardTTL)
	if err != nil {
		s.log.Warn("job guard unavailable, running unguarded", zap.String("job", name), zap.Error(err))
	} else if !acquired {
		s.log.Debug("job held elsewhere, skipping", zap.String("job", name))
		return nil
	} else {
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), guardKey, token); err != nil {
				s.log.Warn("failed to release job guard", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// Deadline and cancellation are soft: the next tick picks the work up.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		schedMetrics.IncJobError(name, err)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"sweep_expirations", s.isJobEnabled("sweep_expirations"), func(ctx context.Context) error {
			return s.runJob(ctx, "sweep_expirations", s.cfg.JobTimeout, s.SweepExpirationsJob)
		}},
		{"expiry_warnings", s.isJobEnabled("expiry_warnings"), func(ctx context.Context) error {
			return s.runJob(ctx, "expiry_warnings", s.cfg.JobTimeout, s.ExpiryWarningsJob)
		}},
		{"invoice_overdue", s.isJobEnabled("invoice_overdue"), func(ctx context.Context) error {
			return s.runJob(ctx, "invoice_overdue", s.cfg.JobTimeout, s.InvoiceOverdueJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) SweepExpirationsJob(ctx context.Context) error {
	summary, err := s.expirationSvc.SweepExpirations(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("sweep_expirations", obsmetrics.LockResourceBalancesForSweep, summary.SweptCount)
	if len(summary.Failures) > 0 {
		s.log.Warn("sweep finished with failures",
			zap.Int("swept", summary.SweptCount),
			zap.Int("failed", len(summary.Failures)),
		)
	}
	return nil
}

func (s *Scheduler) ExpiryWarningsJob(ctx context.Context) error {
	emitted, err := s.expirationSvc.EmitExpiryWarnings(ctx)
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("expiry_warnings", obsmetrics.LockResourceBalancesForSweep, emitted)
	return nil
}

func (s *Scheduler) InvoiceOverdueJob(ctx context.Context) error {
	flipped, err := s.billingSvc.MarkOverdue(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("invoice_overdue", "invoices", flipped)
	return nil
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
