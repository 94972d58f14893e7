package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry encapsulates all relay metrics and provides a clean interface
// for recording them without global state
type Registry struct {
	registry *prometheus.Registry

	// Hub operations
	operationTotal    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Delivery metrics
	appendTotal     *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	pushFailures    prometheus.Counter
	longPollWakeups prometheus.Counter
	pullTotal       *prometheus.CounterVec
	pullBatchSize   *prometheus.HistogramVec
	subscribers     *prometheus.GaugeVec
	drainsTotal     *prometheus.CounterVec
	ingestTotal     *prometheus.CounterVec

	// Retention metrics
	logRetained   prometheus.Gauge
	logBase       prometheus.Gauge
	logTail       prometheus.Gauge
	trimmedTotal  prometheus.Counter
	dataLossTotal prometheus.Counter
	maxLag        prometheus.Gauge

	// Archive metrics
	archiveOperationTotal    *prometheus.CounterVec
	archiveOperationDuration *prometheus.HistogramVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		operationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_hub_operation_total",
				Help: "Total number of hub operations",
			},
			[]string{"operation", "transport", "status"}, // status: success, error
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_hub_operation_duration_seconds",
				Help:    "Time spent in hub operations",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"operation"},
		),

		appendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_appended_total",
				Help: "Total number of events appended to the log",
			},
			[]string{"type"},
		),

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_total",
				Help: "Total number of events delivered to subscribers",
			},
			[]string{"mode"}, // mode: push, pull
		),

		pushFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_push_failures_total",
				Help: "Total number of failed pushes to subscriber sinks",
			},
		),

		longPollWakeups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_long_poll_wakeups_total",
				Help: "Total number of long-poll waiters woken by new events",
			},
		),

		pullTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_pull_total",
				Help: "Total number of pulls by outcome",
			},
			[]string{"transport", "outcome"}, // outcome: data, empty, timeout, error
		),

		pullBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_pull_batch_size",
				Help:    "Number of events returned by pulls",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"transport"},
		),

		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_subscribers",
				Help: "Current number of subscribers",
			},
			[]string{"transport", "state"},
		),

		drainsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_subscriber_drains_total",
				Help: "Total number of subscribers drained",
			},
			[]string{"transport", "reason"},
		),

		ingestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ingest_messages_total",
				Help: "Total number of broker messages appended",
			},
			[]string{"type", "status"},
		),

		logRetained: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_log_retained_events",
				Help: "Number of events retained in the log",
			},
		),

		logBase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_log_base_sequence",
				Help: "Highest trimmed sequence",
			},
		),

		logTail: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_log_tail_sequence",
				Help: "Highest assigned sequence",
			},
		),

		trimmedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_log_trimmed_total",
				Help: "Total number of events removed by retention",
			},
		),

		dataLossTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_log_data_loss_total",
				Help: "Total number of trimmed events some subscriber had not received",
			},
		),

		maxLag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_subscriber_max_lag_events",
				Help: "Largest number of retained events an open subscriber has not received",
			},
		),

		archiveOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_archive_operation_total",
				Help: "Total number of archive operations",
			},
			[]string{"operation", "status"}, // operation: store_event, load_events, commit_cursor, etc.
		),

		archiveOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_archive_operation_duration_seconds",
				Help:    "Time spent on archive operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.operationTotal,
		r.operationDuration,
		r.appendTotal,
		r.deliveriesTotal,
		r.pushFailures,
		r.longPollWakeups,
		r.pullTotal,
		r.pullBatchSize,
		r.subscribers,
		r.drainsTotal,
		r.ingestTotal,
		r.logRetained,
		r.logBase,
		r.logTail,
		r.trimmedTotal,
		r.dataLossTotal,
		r.maxLag,
		r.archiveOperationTotal,
		r.archiveOperationDuration,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordOperation records a hub operation
func (r *Registry) RecordOperation(operation, transport string, duration time.Duration, err error) {
	r.operationTotal.WithLabelValues(operation, transport, status(err)).Inc()
	r.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAppend counts an appended event
func (r *Registry) RecordAppend(eventType string) {
	r.appendTotal.WithLabelValues(eventType).Inc()
}

// RecordPull records the outcome of a pull
func (r *Registry) RecordPull(transport string, events int, timedOut bool, err error) {
	outcome := "data"
	switch {
	case err != nil:
		outcome = "error"
	case timedOut:
		outcome = "timeout"
	case events == 0:
		outcome = "empty"
	}

	r.pullTotal.WithLabelValues(transport, outcome).Inc()
	if events > 0 {
		r.pullBatchSize.WithLabelValues(transport).Observe(float64(events))
		r.deliveriesTotal.WithLabelValues("pull").Add(float64(events))
	}
}

// RecordFanout records the result of pushing one event to every subscriber
func (r *Registry) RecordFanout(delivered, failed, woken int) {
	r.deliveriesTotal.WithLabelValues("push").Add(float64(delivered))
	r.pushFailures.Add(float64(failed))
	r.longPollWakeups.Add(float64(woken))
}

// RecordBacklog counts events replayed to a push subscriber on attach
func (r *Registry) RecordBacklog(events int) {
	r.deliveriesTotal.WithLabelValues("push").Add(float64(events))
}

// RecordTrim records one retention pass
func (r *Registry) RecordTrim(removed, lost int) {
	r.trimmedTotal.Add(float64(removed))
	r.dataLossTotal.Add(float64(lost))
}

// RecordDrain counts a closed subscriber
func (r *Registry) RecordDrain(transport, reason string) {
	r.drainsTotal.WithLabelValues(transport, reason).Inc()
}

// RecordIngest counts a broker message handed to the hub
func (r *Registry) RecordIngest(eventType string, err error) {
	r.ingestTotal.WithLabelValues(eventType, status(err)).Inc()
}

// RecordArchiveOperation records an archive operation
func (r *Registry) RecordArchiveOperation(operation string, duration time.Duration, err error) {
	r.archiveOperationTotal.WithLabelValues(operation, status(err)).Inc()
	r.archiveOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateSubscribers sets the subscriber gauge for one transport and state
func (r *Registry) UpdateSubscribers(transport, state string, count int) {
	r.subscribers.WithLabelValues(transport, state).Set(float64(count))
}

// UpdateLog sets the retention gauges
func (r *Registry) UpdateLog(retained int, base, tail uint64) {
	r.logRetained.Set(float64(retained))
	r.logBase.Set(float64(base))
	r.logTail.Set(float64(tail))
}

// UpdateLag sets the slowest subscriber's backlog
func (r *Registry) UpdateLag(maxLag int) {
	r.maxLag.Set(float64(maxLag))
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}
