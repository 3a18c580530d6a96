package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/events"
	obsmetrics "github.com/smallbiznis/gigpay/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRenewDue    = "renew_due"
	JobExpireDue   = "expire_due"
	JobOutboxRelay = "outbox_relay"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Relay drains committed outbox events.
type Relay interface {
	Drain(ctx context.Context, limit int) (int, error)
}

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	Relay           *events.Relay                `optional:"true"`
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
	Config          Config                       `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	relay           Relay
	metrics         *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		metrics:         p.Metrics,
	}
	if p.Relay != nil {
		s.relay = p.Relay
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	s.metrics.AddBatchProcessed(name, run.processedCount)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job once. Renewals run before expiries so
// a subscription charged in this pass is never expired by it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRenewDue, s.RenewDueJob},
		{JobExpireDue, s.ExpireDueJob},
		{JobOutboxRelay, s.OutboxRelayJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
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

// RenewDueJob charges auto-renewing subscriptions whose billing date has
// passed, batch by batch, until a batch comes back short or fails.
func (s *Scheduler) RenewDueJob(ctx context.Context) error {
	return s.sweep(ctx, JobRenewDue, s.subscriptionSvc.RenewDue)
}

// ExpireDueJob moves lapsed and cancelled subscriptions past their end
// date to expired.
func (s *Scheduler) ExpireDueJob(ctx context.Context) error {
	return s.sweep(ctx, JobExpireDue, s.subscriptionSvc.ExpireDue)
}

func (s *Scheduler) sweep(
	ctx context.Context,
	job string,
	fn func(ctx context.Context, now time.Time, limit int) (subscriptiondomain.SweepResult, error),
) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()

	for batch := 0; batch < s.cfg.MaxBatchesPerRun; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := fn(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.sweep.failed", job, 0, err)
			return err
		}
		touched := result.Processed + result.Lapsed
		run.AddProcessed(touched)
		if result.Failed > 0 {
			run.AddErrors(result.Failed)
			s.logger(ctx).Warn("scheduler.sweep.partial",
				zap.String("job", job),
				zap.Int("failed", result.Failed),
			)
			return nil
		}
		if touched < s.cfg.BatchSize {
			return nil
		}
	}
	return nil
}

// OutboxRelayJob hands pending outbox events to the configured publisher.
func (s *Scheduler) OutboxRelayJob(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	run := jobRunFromContext(ctx)

	for batch := 0; batch < s.cfg.MaxBatchesPerRun; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		published, err := s.relay.Drain(ctx, s.cfg.BatchSize)
		run.AddProcessed(published)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.outbox.failed", JobOutboxRelay, 0, err)
			return err
		}
		if published < s.cfg.BatchSize {
			return nil
		}
	}
	return nil
}
