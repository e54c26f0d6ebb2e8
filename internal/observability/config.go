package observability

import (
	"os"
	"strings"

	"github.com/smallbiznis/curlara/internal/config"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
)

// Config is the observability view of the application config. OTel export
// defaults on in production only. Outside production every trace is sampled.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	PaymentProvider       string
	EntitlementPeriodDays int
	DatabaseType          string
}

const (
	defaultServiceName       = "curlara"
	productionSamplingRatio  = 0.1
	developmentSamplingRatio = 1.0
)

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	sampling := developmentSamplingRatio
	if cfg.IsProduction() {
		sampling = productionSamplingRatio
	}
	if raw := env("OTEL_SAMPLING_RATIO"); raw != "" {
		if parsed, err := cast.ToFloat64E(raw); err == nil {
			sampling = parsed
		}
	}

	enabled := cfg.IsProduction()
	if raw := env("OTEL_ENABLED"); raw != "" {
		if parsed, err := cast.ToBoolE(raw); err == nil {
			enabled = parsed
		}
	}

	protocol := firstNonEmpty(env("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"), env("OTEL_EXPORTER_OTLP_PROTOCOL"), "grpc")

	return Config{
		ServiceName:           serviceName,
		Environment:           strings.TrimSpace(cfg.Environment),
		Version:               strings.TrimSpace(cfg.AppVersion),
		LogLevel:              strings.ToLower(firstNonEmpty(env("LOG_LEVEL"), "info")),
		LogFormat:             strings.ToLower(firstNonEmpty(env("LOG_FORMAT"), "json")),
		OtelEnabled:           enabled,
		OtelExporterEndpoint:  firstNonEmpty(env("OTEL_EXPORTER_OTLP_ENDPOINT"), strings.TrimSpace(cfg.OTLPEndpoint)),
		OtelExporterProtocol:  strings.ToLower(protocol),
		OtelSamplingRatio:     sampling,
		PaymentProvider:       "stripe",
		EntitlementPeriodDays: cfg.Entitlement.PeriodDays,
		DatabaseType:          strings.ToLower(strings.TrimSpace(cfg.DBType)),
	}
}

// ResourceAttributes describes this deployment on every exported span.
func (c Config) ResourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.String("deployment.environment", c.Environment),
		attribute.String("curlara.payment.provider", c.PaymentProvider),
	}
	if c.EntitlementPeriodDays > 0 {
		attrs = append(attrs, attribute.Int("curlara.entitlement.period_days", c.EntitlementPeriodDays))
	}
	if c.DatabaseType != "" {
		attrs = append(attrs, attribute.String("db.system", c.DatabaseType))
	}
	return attrs
}

// Debug is on for an explicit debug level or any non-production environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	return c.Environment != "" && !strings.EqualFold(c.Environment, config.EnvProduction)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
