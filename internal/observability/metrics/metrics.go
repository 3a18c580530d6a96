package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the money-movement instruments.
type Metrics struct {
	walletMutations      metric.Int64Counter
	insufficientBalance  metric.Int64Counter
	subscriptionChanges  metric.Int64Counter
	milestoneApprovals   metric.Int64Counter
	withdrawals          metric.Int64Counter
	withdrawalRejections metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "gigpay"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
	}{
		{&m.walletMutations, "gigpay_wallet_mutations_total"},
		{&m.insufficientBalance, "gigpay_insufficient_balance_total"},
		{&m.subscriptionChanges, "gigpay_subscription_transitions_total"},
		{&m.milestoneApprovals, "gigpay_milestone_plan_approvals_total"},
		{&m.withdrawals, "gigpay_withdrawals_total"},
		{&m.withdrawalRejections, "gigpay_withdrawal_rejections_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return m, nil
}

// RecordWalletMutation counts one applied balance change.
func (m *Metrics) RecordWalletMutation(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.walletMutations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
	)...))
}

func (m *Metrics) RecordInsufficientBalance(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.insufficientBalance.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
	)...))
}

func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, transition, tier string) {
	if m == nil {
		return
	}
	m.subscriptionChanges.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("transition", strings.TrimSpace(transition)),
		attribute.String("tier", strings.TrimSpace(tier)),
	)...))
}

func (m *Metrics) RecordMilestoneApproval(ctx context.Context) {
	if m == nil {
		return
	}
	m.milestoneApprovals.Add(ctx, 1)
}

func (m *Metrics) RecordWithdrawal(ctx context.Context, currency string) {
	if m == nil {
		return
	}
	m.withdrawals.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
	)...))
}

func (m *Metrics) RecordWithdrawalRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.withdrawalRejections.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":   {},
	"transition":  {},
	"tier":        {},
	"currency":    {},
	"reason":      {},
	"route":       {},
	"method":      {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
