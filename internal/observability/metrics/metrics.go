package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "platform_"

	resultSuccess    = "success"
	resultError      = "error"
	resultSuppressed = "suppressed"

	triggerManual  = "manual"
	triggerTimeout = "timeout"

	decisionAdmitted = "admitted"
	decisionRejected = "rejected"
)

var (
	registerOnce sync.Once

	consumerLag *prometheus.GaugeVec

	commandRequests *prometheus.CounterVec
	commandResults  *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec

	safeguardDecisions *prometheus.CounterVec

	rollbacksTotal     *prometheus.CounterVec
	rollbackTimers     prometheus.Gauge
	agentDeliveryTotal *prometheus.CounterVec

	outboxPublishTotal    *prometheus.CounterVec
	outboxPublishLatency  *prometheus.HistogramVec
	outboxDispatchTotal   *prometheus.CounterVec
	outboxDispatchLatency *prometheus.HistogramVec
	outboxDispatchRecords *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	notificationsTotal *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		commandRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total submitted commands by type",
			},
			[]string{"command_type"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command results by status",
			},
			[]string{"status"},
		)
		commandLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_submit_latency_seconds",
				Help:    "Command submit latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		safeguardDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "safeguard_decisions_total",
				Help: "Total safeguard decisions by guard and result",
			},
			[]string{"guard", "result"},
		)

		rollbacksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_rollbacks_total",
				Help: "Total command rollbacks by trigger and result",
			},
			[]string{"trigger", "result"},
		)
		rollbackTimers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "rollback_timers_armed",
				Help: "Armed rollback timers in this process",
			},
		)
		agentDeliveryTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "agent_delivery_total",
				Help: "Total commands relayed to execution agents by result",
			},
			[]string{"result"},
		)

		outboxPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_publish_total",
				Help: "Total outbox publish operations by result",
			},
			[]string{"result"},
		)
		outboxPublishLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_publish_latency_seconds",
				Help:    "Outbox publish latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_total",
				Help: "Total outbox dispatch runs by result",
			},
			[]string{"result"},
		)
		outboxDispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_dispatch_latency_seconds",
				Help:    "Outbox dispatch run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_records_total",
				Help: "Total outbox records handled by outcome",
			},
			[]string{"outcome"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "audit_export_total",
				Help: "Total audit export operations by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "audit_export_latency_seconds",
				Help:    "Audit export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_notifications_total",
				Help: "Total operator notifications by event and result",
			},
			[]string{"event", "result"},
		)

		prometheus.MustRegister(
			consumerLag,
			commandRequests,
			commandResults,
			commandLatency,
			safeguardDecisions,
			rollbacksTotal,
			rollbackTimers,
			agentDeliveryTotal,
			outboxPublishTotal,
			outboxPublishLatency,
			outboxDispatchTotal,
			outboxDispatchLatency,
			outboxDispatchRecords,
			exportTotal,
			exportLatency,
			notificationsTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// IncCommandSubmitted increments the submitted command counter.
func IncCommandSubmitted(commandType string) {
	if commandType == "" {
		commandType = "unknown"
	}
	if commandRequests != nil {
		commandRequests.WithLabelValues(commandType).Inc()
	}
}

// IncCommandResult increments command result counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// ObserveCommandSubmit records submit latency and result.
func ObserveCommandSubmit(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if commandLatency != nil {
		commandLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncSafeguardDecision counts one guard outcome.
func IncSafeguardDecision(guard string, admitted bool) {
	if guard == "" {
		guard = "unknown"
	}
	result := decisionAdmitted
	if !admitted {
		result = decisionRejected
	}
	if safeguardDecisions != nil {
		safeguardDecisions.WithLabelValues(guard, result).Inc()
	}
}

// IncRollback counts a rollback by trigger.
func IncRollback(trigger, result string) {
	if trigger == "" {
		trigger = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if rollbacksTotal != nil {
		rollbacksTotal.WithLabelValues(trigger, result).Inc()
	}
}

// SetRollbackTimers publishes the armed timer count.
func SetRollbackTimers(count int) {
	if count < 0 {
		count = 0
	}
	if rollbackTimers != nil {
		rollbackTimers.Set(float64(count))
	}
}

// IncAgentDelivery counts one relay attempt.
func IncAgentDelivery(result string) {
	if result == "" {
		result = resultSuccess
	}
	if agentDeliveryTotal != nil {
		agentDeliveryTotal.WithLabelValues(result).Inc()
	}
}

// ObserveOutboxPublish records outbox insert latency and result.
func ObserveOutboxPublish(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if outboxPublishTotal != nil {
		outboxPublishTotal.WithLabelValues(result).Inc()
	}
	if outboxPublishLatency != nil {
		outboxPublishLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveOutboxDispatch records one dispatch run.
func ObserveOutboxDispatch(result string, duration time.Duration, sent, failed, skipped, dlq int) {
	if result == "" {
		result = resultSuccess
	}
	if outboxDispatchTotal != nil {
		outboxDispatchTotal.WithLabelValues(result).Inc()
	}
	if outboxDispatchLatency != nil {
		outboxDispatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if outboxDispatchRecords == nil {
		return
	}
	if sent > 0 {
		outboxDispatchRecords.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		outboxDispatchRecords.WithLabelValues("failed").Add(float64(failed))
	}
	if skipped > 0 {
		outboxDispatchRecords.WithLabelValues("skipped").Add(float64(skipped))
	}
	if dlq > 0 {
		outboxDispatchRecords.WithLabelValues("dlq").Add(float64(dlq))
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncNotification counts one operator notification attempt.
func IncNotification(event, result string) {
	if result == "" {
		result = resultSuccess
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(event, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess    = resultSuccess
	ResultError      = resultError
	ResultSuppressed = resultSuppressed

	TriggerManual  = triggerManual
	TriggerTimeout = triggerTimeout
)
