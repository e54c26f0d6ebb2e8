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

// Metrics exposes reconciliation instruments. Every Record call feeds both the
// OTLP meter and the prometheus registry scraped on /metrics.
type Metrics struct {
	webhookEvents      metric.Int64Counter
	entitlementWrites  metric.Int64Counter
	gateDecisions      metric.Int64Counter
	unresolvedPayments metric.Int64Counter
	rateLimitDenied    metric.Int64Counter

	prom *ReconcileMetrics
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	return newMetrics(cfg, provider, Reconciler(cfg))
}

func newMetrics(cfg Config, provider metric.MeterProvider, prom *ReconcileMetrics) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "curlara"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("curlara_webhook_events_total")
	if err != nil {
		return nil, err
	}
	entitlementWrites, err := meter.Int64Counter("curlara_entitlement_writes_total")
	if err != nil {
		return nil, err
	}
	gateDecisions, err := meter.Int64Counter("curlara_gate_decisions_total")
	if err != nil {
		return nil, err
	}
	unresolvedPayments, err := meter.Int64Counter("curlara_unresolved_payments_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("curlara_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:      webhookEvents,
		entitlementWrites:  entitlementWrites,
		gateDecisions:      gateDecisions,
		unresolvedPayments: unresolvedPayments,
		rateLimitDenied:    rateLimitDenied,
		prom:               prom,
	}, nil
}

// RecordWebhookEvent counts verified deliveries by type and outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	outcome = strings.TrimSpace(outcome)
	attrs := FilterAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.prom.webhookEvent(eventType, outcome)
}

// RecordEntitlementWrite counts per-projection write results.
func (m *Metrics) RecordEntitlementWrite(ctx context.Context, projection, result string) {
	if m == nil {
		return
	}
	projection = strings.TrimSpace(projection)
	result = strings.TrimSpace(result)
	attrs := FilterAttributes(
		attribute.String("projection", projection),
		attribute.String("result", result),
	)
	m.entitlementWrites.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.prom.entitlementWrite(projection, result)
}

func (m *Metrics) RecordGateDecision(ctx context.Context, state string) {
	if m == nil {
		return
	}
	state = strings.TrimSpace(state)
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("state", state))...))
	m.prom.gateDecision(state)
}

func (m *Metrics) RecordUnresolvedPayment(ctx context.Context, source string) {
	if m == nil {
		return
	}
	source = strings.TrimSpace(source)
	m.unresolvedPayments.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("source", source))...))
	m.prom.unresolvedPayment(source)
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"projection":  {},
	"result":      {},
	"state":       {},
	"source":      {},
	"reason":      {},
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
