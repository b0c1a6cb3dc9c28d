// Package metrics provides Prometheus metrics for maestro training runs.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the process.
type Manager struct {
	namespace      string
	subsystem      string
	latencyBuckets []float64
	epochBuckets   []float64
	enabled        bool
	customLabels   map[string]string
	metricPrefix   string
	registry       prometheus.Registerer

	// Checkpoint leaderboard
	checkpointsAdmitted prometheus.Counter
	checkpointsRejected prometheus.Counter
	checkpointsEvicted  prometheus.Counter
	registrationErrors  prometheus.Counter
	retainedCheckpoints prometheus.Gauge
	bestValidationLoss  prometheus.Gauge
	leaderboardCapacity prometheus.Gauge

	// Training progress
	epochsCompleted prometheus.Counter
	trainingLoss    prometheus.Gauge
	validationLoss  prometheus.Gauge
	epochDuration   prometheus.Histogram

	// Checkpoint storage and journal
	storageOps     *prometheus.CounterVec
	storageLatency *prometheus.HistogramVec
	journalAppends prometheus.Counter
	journalErrors  prometheus.Counter

	// HTTP status server
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec

	// Process
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// global pairs the process-wide manager with the registry it registers into.
type global struct {
	manager  *Manager
	registry *prometheus.Registry
}

var current atomic.Pointer[global] //nolint:gochecknoglobals // process-wide metrics manager

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	Configure()
}

// Configure replaces the process-wide manager with one built from opts on a
// fresh registry, which GetRegistry returns from then on. Handlers built
// earlier keep gathering the previous registry.
func Configure(opts ...Option) *Manager {
	reg := prometheus.NewRegistry()
	m := NewManager(append(opts, WithPrometheusRegistry(reg))...)
	current.Store(&global{manager: m, registry: reg})
	return m
}

func globalManager() *Manager { return current.Load().manager }

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "maestro",
		subsystem:      "trainer",
		latencyBuckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
		epochBuckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~9h
		enabled:        true,
		customLabels:   make(map[string]string),
		registry:       prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
		Buckets:     buckets,
	}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.checkpointsAdmitted = auto.NewCounter(m.counterOpts("checkpoints_admitted_total",
		"Checkpoints admitted to the leaderboard"))
	m.checkpointsRejected = auto.NewCounter(m.counterOpts("checkpoints_rejected_total",
		"Checkpoints rejected because they did not beat the worst retained one"))
	m.checkpointsEvicted = auto.NewCounter(m.counterOpts("checkpoints_evicted_total",
		"Retained checkpoints displaced by a better one"))
	m.registrationErrors = auto.NewCounter(m.counterOpts("checkpoint_registration_errors_total",
		"Checkpoint registrations refused as invalid input"))
	m.retainedCheckpoints = auto.NewGauge(m.gaugeOpts("retained_checkpoints",
		"Checkpoints currently retained on the leaderboard"))
	m.bestValidationLoss = auto.NewGauge(m.gaugeOpts("best_validation_loss",
		"Validation loss of the best retained checkpoint"))
	m.leaderboardCapacity = auto.NewGauge(m.gaugeOpts("leaderboard_capacity",
		"Maximum number of retained checkpoints"))

	m.epochsCompleted = auto.NewCounter(m.counterOpts("epochs_completed_total",
		"Training epochs completed"))
	m.trainingLoss = auto.NewGauge(m.gaugeOpts("training_loss",
		"Average training loss of the last completed epoch"))
	m.validationLoss = auto.NewGauge(m.gaugeOpts("validation_loss",
		"Average validation loss of the last completed epoch"))
	m.epochDuration = auto.NewHistogram(m.histogramOpts("epoch_duration_seconds",
		"Wall time of a training epoch including validation", m.epochBuckets))

	m.storageOps = auto.NewCounterVec(m.counterOpts("storage_operations_total",
		"Checkpoint storage operations by kind and result"), []string{"operation", "result"})
	m.storageLatency = auto.NewHistogramVec(m.histogramOpts("storage_latency_milliseconds",
		"Checkpoint storage latency in milliseconds", m.latencyBuckets), []string{"operation"})
	m.journalAppends = auto.NewCounter(m.counterOpts("journal_appends_total",
		"Decision records appended to the run journal"))
	m.journalErrors = auto.NewCounter(m.counterOpts("journal_errors_total",
		"Failed journal operations"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"HTTP requests by endpoint, method and status code"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", m.latencyBuckets), []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = auto.NewCounterVec(m.counterOpts("errors_total",
		"Errors by component and type"), []string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_bytes",
		"Heap bytes allocated by the process"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutines",
		"Number of goroutines"))
}

// Manager recorders. All are no-ops when metrics are disabled.

func (m *Manager) RecordCheckpointAdmitted() {
	if m.enabled {
		m.checkpointsAdmitted.Inc()
	}
}

func (m *Manager) RecordCheckpointRejected() {
	if m.enabled {
		m.checkpointsRejected.Inc()
	}
}

func (m *Manager) RecordCheckpointEvicted() {
	if m.enabled {
		m.checkpointsEvicted.Inc()
	}
}

func (m *Manager) RecordRegistrationError() {
	if m.enabled {
		m.registrationErrors.Inc()
	}
}

// UpdateLeaderboard publishes the retained count, capacity and best loss.
// hasBest=false clears the best loss gauge.
func (m *Manager) UpdateLeaderboard(retained, capacity int, best float64, hasBest bool) {
	if !m.enabled {
		return
	}
	m.retainedCheckpoints.Set(float64(retained))
	m.leaderboardCapacity.Set(float64(capacity))
	if hasBest {
		m.bestValidationLoss.Set(best)
	} else {
		m.bestValidationLoss.Set(0)
	}
}

func (m *Manager) RecordEpoch(trainingLoss, durationSeconds float64) {
	if !m.enabled {
		return
	}
	m.epochsCompleted.Inc()
	m.trainingLoss.Set(trainingLoss)
	m.epochDuration.Observe(durationSeconds)
}

func (m *Manager) UpdateValidationLoss(loss float64) {
	if m.enabled {
		m.validationLoss.Set(loss)
	}
}

// RecordStorageOperation counts a storage call; failed=true marks it as an error.
func (m *Manager) RecordStorageOperation(operation string, latencyMs float64, failed bool) {
	if !m.enabled {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.storageOps.WithLabelValues(operation, result).Inc()
	m.storageLatency.WithLabelValues(operation).Observe(latencyMs)
}

func (m *Manager) RecordJournalAppend() {
	if m.enabled {
		m.journalAppends.Inc()
	}
}

func (m *Manager) RecordJournalError() {
	if m.enabled {
		m.journalErrors.Inc()
	}
}

func (m *Manager) RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

func (m *Manager) RecordErrorByComponent(component, errorType string) {
	if m.enabled {
		m.errorsByComponent.WithLabelValues(component, errorType).Inc()
	}
}

func (m *Manager) UpdateSystem(memoryBytes uint64, goroutines int) {
	if !m.enabled {
		return
	}
	m.systemMemoryUsage.Set(float64(memoryBytes))
	m.systemGoroutineCount.Set(float64(goroutines))
}

// Package-level recorders write to the global manager.

// RecordCheckpointAdmitted counts an admitted checkpoint.
func RecordCheckpointAdmitted() { globalManager().RecordCheckpointAdmitted() }

// RecordCheckpointRejected counts a rejected checkpoint.
func RecordCheckpointRejected() { globalManager().RecordCheckpointRejected() }

// RecordCheckpointEvicted counts an evicted checkpoint.
func RecordCheckpointEvicted() { globalManager().RecordCheckpointEvicted() }

// RecordRegistrationError counts an invalid registration.
func RecordRegistrationError() { globalManager().RecordRegistrationError() }

// UpdateLeaderboard publishes leaderboard gauges.
func UpdateLeaderboard(retained, capacity int, best float64, hasBest bool) {
	globalManager().UpdateLeaderboard(retained, capacity, best, hasBest)
}

// RecordEpoch records a completed epoch.
func RecordEpoch(trainingLoss, durationSeconds float64) {
	globalManager().RecordEpoch(trainingLoss, durationSeconds)
}

// UpdateValidationLoss publishes the latest validation loss.
func UpdateValidationLoss(loss float64) { globalManager().UpdateValidationLoss(loss) }

// RecordStorageOperation records a checkpoint storage call.
func RecordStorageOperation(operation string, latencyMs float64, failed bool) {
	globalManager().RecordStorageOperation(operation, latencyMs, failed)
}

// RecordJournalAppend counts a journal append.
func RecordJournalAppend() { globalManager().RecordJournalAppend() }

// RecordJournalError counts a failed journal operation.
func RecordJournalError() { globalManager().RecordJournalError() }

// RecordHTTPRequest records an HTTP request and its duration.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	globalManager().RecordHTTPRequest(endpoint, method, statusCode, durationMs)
}

// RecordErrorByComponent records an error for a component.
func RecordErrorByComponent(component, errorType string) {
	globalManager().RecordErrorByComponent(component, errorType)
}

// UpdateSystem publishes process memory and goroutine gauges.
func UpdateSystem(memoryBytes uint64, goroutines int) {
	globalManager().UpdateSystem(memoryBytes, goroutines)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return current.Load().registry
}
