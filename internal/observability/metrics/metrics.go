package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "medication_"

	resultSuccess = "success"
	resultError   = "error"
	resultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	alarmEventsTotal   *prometheus.CounterVec
	alarmsCreatedTotal prometheus.Counter

	pollerTickTotal   *prometheus.CounterVec
	pollerTickLatency *prometheus.HistogramVec
	pollerItemErrors  *prometheus.CounterVec

	deliveriesTotal *prometheus.CounterVec
	prunedTokens    *prometheus.CounterVec

	sweepTotal   *prometheus.CounterVec
	purgedAlarms prometheus.Counter

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers reminder engine metrics and DB-backed gauges.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Total alarm lifecycle events by type",
			},
			[]string{"event"},
		)
		alarmsCreatedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarms_created_total",
				Help: "Total alarms created by the poller",
			},
		)

		pollerTickTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poller_ticks_total",
				Help: "Total poller ticks by result",
			},
			[]string{"result"},
		)
		pollerTickLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poller_tick_latency_seconds",
				Help:    "Poller tick latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		pollerItemErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poller_item_errors_total",
				Help: "Per-medication or per-alarm failures isolated by the poller",
			},
			[]string{"stage"},
		)

		deliveriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "deliveries_total",
				Help: "Notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		)
		prunedTokens = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "pruned_tokens_total",
				Help: "Invalid delivery tokens reported for pruning",
			},
			[]string{"channel"},
		)

		sweepTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "retention_sweeps_total",
				Help: "Retention sweeper runs by result",
			},
			[]string{"result"},
		)
		purgedAlarms = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarms_purged_total",
				Help: "Terminal alarms deleted by the retention sweeper",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "adherence_export_total",
				Help: "Adherence report exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "adherence_export_latency_seconds",
				Help:    "Adherence report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			alarmEventsTotal,
			alarmsCreatedTotal,
			pollerTickTotal,
			pollerTickLatency,
			pollerItemErrors,
			deliveriesTotal,
			prunedTokens,
			sweepTotal,
			purgedAlarms,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncAlarmEvent increments alarm lifecycle counters.
func IncAlarmEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncAlarmCreated counts an alarm created by the poller.
func IncAlarmCreated() {
	if alarmsCreatedTotal != nil {
		alarmsCreatedTotal.Inc()
	}
}

// ObservePollerTick records poller tick duration and result.
func ObservePollerTick(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollerTickTotal != nil {
		pollerTickTotal.WithLabelValues(result).Inc()
	}
	if pollerTickLatency != nil {
		pollerTickLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncPollerItemError counts an isolated per-item failure.
func IncPollerItemError(stage string) {
	if stage == "" {
		stage = "unknown"
	}
	if pollerItemErrors != nil {
		pollerItemErrors.WithLabelValues(stage).Inc()
	}
}

// IncDelivery counts a channel delivery attempt.
func IncDelivery(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if deliveriesTotal != nil {
		deliveriesTotal.WithLabelValues(channel, result).Inc()
	}
}

// AddPrunedTokens counts tokens reported invalid by a channel.
func AddPrunedTokens(channel string, count int) {
	if count <= 0 {
		return
	}
	if prunedTokens != nil {
		prunedTokens.WithLabelValues(channel).Add(float64(count))
	}
}

// ObserveSweep records a retention sweep and the number of purged alarms.
func ObserveSweep(result string, purged int64) {
	if result == "" {
		result = resultSuccess
	}
	if sweepTotal != nil {
		sweepTotal.WithLabelValues(result).Inc()
	}
	if purged > 0 && purgedAlarms != nil {
		purgedAlarms.Add(float64(purged))
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

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultSkipped = resultSkipped
)
