package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/gigpay/internal/clock"
	obsmetrics "github.com/smallbiznis/gigpay/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sweepCall struct {
	job   string
	now   time.Time
	limit int
}

type fakeSubscriptions struct {
	subscriptiondomain.Service

	calls  []sweepCall
	renew  []subscriptiondomain.SweepResult
	expire []subscriptiondomain.SweepResult
	err    error
}

func (f *fakeSubscriptions) RenewDue(_ context.Context, now time.Time, limit int) (subscriptiondomain.SweepResult, error) {
	f.calls = append(f.calls, sweepCall{job: JobRenewDue, now: now, limit: limit})
	return next(&f.renew), f.err
}

func (f *fakeSubscriptions) ExpireDue(_ context.Context, now time.Time, limit int) (subscriptiondomain.SweepResult, error) {
	f.calls = append(f.calls, sweepCall{job: JobExpireDue, now: now, limit: limit})
	return next(&f.expire), f.err
}

func next(results *[]subscriptiondomain.SweepResult) subscriptiondomain.SweepResult {
	if len(*results) == 0 {
		return subscriptiondomain.SweepResult{}
	}
	out := (*results)[0]
	*results = (*results)[1:]
	return out
}

type fakeRelay struct {
	batches []int
	calls   int
}

func (f *fakeRelay) Drain(_ context.Context, _ int) (int, error) {
	f.calls++
	if len(f.batches) == 0 {
		return 0, nil
	}
	out := f.batches[0]
	f.batches = f.batches[1:]
	return out, nil
}

var start = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, subs *fakeSubscriptions, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s, err := New(Params{
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clock.NewFakeClock(start),
		SubscriptionSvc: subs,
		Config:          cfg,
	})
	require.NoError(t, err)
	return s
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceRenewsBeforeExpiring(t *testing.T) {
	subs := &fakeSubscriptions{}
	s := newTestScheduler(t, subs, Config{BatchSize: 5})
	relay := &fakeRelay{batches: []int{3}}
	s.relay = relay

	require.NoError(t, s.RunOnce(context.Background()))

	require.Len(t, subs.calls, 2)
	assert.Equal(t, sweepCall{job: JobRenewDue, now: start, limit: 5}, subs.calls[0])
	assert.Equal(t, sweepCall{job: JobExpireDue, now: start, limit: 5}, subs.calls[1])
	assert.Equal(t, 1, relay.calls)
}

func TestSweepContinuesWhileBatchesAreFull(t *testing.T) {
	subs := &fakeSubscriptions{
		renew: []subscriptiondomain.SweepResult{
			{Processed: 1, Lapsed: 1},
			{Processed: 2},
			{Processed: 1},
		},
	}
	s := newTestScheduler(t, subs, Config{BatchSize: 2, EnabledJobs: []string{JobRenewDue}})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, subs.calls, 3)
}

func TestSweepStopsOnFailures(t *testing.T) {
	subs := &fakeSubscriptions{
		expire: []subscriptiondomain.SweepResult{
			{Processed: 1, Failed: 1},
			{Processed: 2},
		},
	}
	s := newTestScheduler(t, subs, Config{BatchSize: 2, EnabledJobs: []string{"EXPIRE_DUE"}})

	require.NoError(t, s.RunOnce(context.Background()))
	require.Len(t, subs.calls, 1)
	assert.Equal(t, JobExpireDue, subs.calls[0].job)
}

func TestSweepIsBoundedPerRun(t *testing.T) {
	subs := &fakeSubscriptions{}
	for i := 0; i < 10; i++ {
		subs.renew = append(subs.renew, subscriptiondomain.SweepResult{Processed: 1})
	}
	s := newTestScheduler(t, subs, Config{BatchSize: 1, MaxBatchesPerRun: 3, EnabledJobs: []string{JobRenewDue}})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, subs.calls, 3)
}

func TestRunOnceWrapsJobErrors(t *testing.T) {
	boom := errors.New("boom")
	subs := &fakeSubscriptions{err: boom}
	s := newTestScheduler(t, subs, Config{EnabledJobs: []string{JobRenewDue, JobExpireDue}})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "renew_due: boom")
	assert.Contains(t, err.Error(), "expire_due: boom")
}

func TestOutboxRelayDrainsUntilShortBatch(t *testing.T) {
	subs := &fakeSubscriptions{}
	s := newTestScheduler(t, subs, Config{BatchSize: 2, EnabledJobs: []string{JobOutboxRelay}})
	relay := &fakeRelay{batches: []int{2, 2, 1}}
	s.relay = relay

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 3, relay.calls)
	assert.Empty(t, subs.calls)
}

func TestRunJobTimeoutDoesNotReturnErrorAndCountsReason(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	m, err := obsmetrics.NewSchedulerMetrics(obsmetrics.Config{ServiceName: "gigpay", Environment: "test"})
	require.NoError(t, err)

	s := newTestScheduler(t, &fakeSubscriptions{}, Config{})
	s.metrics = m
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "gigpay",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "gigpay_scheduler_job_errors_total", labels))
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
