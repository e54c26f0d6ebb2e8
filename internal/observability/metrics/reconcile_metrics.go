package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ProjectionErrorMissingTable         = "missing_table"
	ProjectionErrorDeadlineExceeded     = "deadline_exceeded"
	ProjectionErrorLockTimeout          = "db_lock_timeout"
	ProjectionErrorSerializationFailure = "serialization_failure"
	ProjectionErrorConnection           = "connection"
	ProjectionErrorUnknown              = "unknown"
)

// ReconcileMetrics are the prometheus counters scraped on /metrics.
type ReconcileMetrics struct {
	webhookEvents      *prometheus.CounterVec
	entitlementWrites  *prometheus.CounterVec
	gateDecisions      *prometheus.CounterVec
	unresolvedPayments *prometheus.CounterVec
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconciler returns the process-wide reconciliation metrics registry.
func Reconciler(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "curlara"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &ReconcileMetrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "curlara_webhook_events_total",
			Help:        "Verified processor deliveries by event type and outcome.",
			ConstLabels: constLabels,
		}, []string{"event_type", "outcome"}),
		entitlementWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "curlara_entitlement_writes_total",
			Help:        "Entitlement projection writes by projection and result.",
			ConstLabels: constLabels,
		}, []string{"projection", "result"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "curlara_gate_decisions_total",
			Help:        "Access gate decisions by resulting state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		unresolvedPayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "curlara_unresolved_payments_total",
			Help:        "Paid events without an attributable subject, by source.",
			ConstLabels: constLabels,
		}, []string{"source"}),
	}

	registerer.MustRegister(
		m.webhookEvents,
		m.entitlementWrites,
		m.gateDecisions,
		m.unresolvedPayments,
	)
	return m
}

func (m *ReconcileMetrics) webhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(labelOrUnknown(eventType), labelOrUnknown(outcome)).Inc()
}

func (m *ReconcileMetrics) entitlementWrite(projection, result string) {
	if m == nil {
		return
	}
	m.entitlementWrites.WithLabelValues(labelOrUnknown(projection), labelOrUnknown(result)).Inc()
}

func (m *ReconcileMetrics) gateDecision(state string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(labelOrUnknown(state)).Inc()
}

func (m *ReconcileMetrics) unresolvedPayment(source string) {
	if m == nil {
		return
	}
	m.unresolvedPayments.WithLabelValues(labelOrUnknown(source)).Inc()
}

// ClassifyProjectionError maps a projection write failure to a low-cardinality reason.
func ClassifyProjectionError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ProjectionErrorDeadlineExceeded
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01":
			return ProjectionErrorMissingTable
		case "55P03":
			return ProjectionErrorLockTimeout
		case "40001":
			return ProjectionErrorSerializationFailure
		case "08000", "08003", "08006":
			return ProjectionErrorConnection
		}
		return ProjectionErrorUnknown
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "doesn't exist"),
		strings.Contains(msg, "does not exist"):
		return ProjectionErrorMissingTable
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "sql: database is closed"):
		return ProjectionErrorConnection
	}
	return ProjectionErrorUnknown
}

func labelOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
