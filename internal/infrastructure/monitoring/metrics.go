package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the kernel core.
type Metrics struct {
	// HTTP metrics (introspection API)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Scheduler metrics
	ContextSwitches  prometheus.Counter
	Preemptions      prometheus.Counter
	ScheduleDuration prometheus.Histogram
	TasksByState     *prometheus.GaugeVec
	TasksCreated     prometheus.Counter

	// IPC metrics
	MessagesTotal *prometheus.CounterVec
	IPCBytes      prometheus.Counter
	Mailboxes     prometheus.Gauge
	SharedBuffers prometheus.Gauge

	// Memory metrics
	MemoryUsed    prometheus.Gauge
	MemoryRegions prometheus.Gauge
	Allocations   *prometheus.CounterVec
	Frees         prometheus.Counter
	OOMs          prometheus.Counter

	// Capability metrics
	CapabilityChecks *prometheus.CounterVec
	Grants           prometheus.Counter
	Revocations      prometheus.Counter

	// Kernel facade operations
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// WebSocket metrics (event stream)
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry prometheus.Gatherer

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON API.
type MetricsSnapshot struct {
	TotalRequests    int64
	TotalErrors      int64
	ContextSwitches  int64
	Preemptions      int64
	MessagesSent     int64
	MessagesReceived int64
	IPCBytes         int64
	MemoryUsed       int64
	ActiveTasks      int64
	TotalDuration    float64 // sum of all request durations
	RequestCount     int64   // count for averaging
}

// NewMetrics creates a metrics collector registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics collector on a caller-owned
// registry. Tests use this to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  gatherer,

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_http_requests_total",
				Help: "Total number of introspection API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_http_request_duration_seconds",
				Help:    "Introspection API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		// Scheduler metrics
		ContextSwitches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_context_switches_total",
				Help: "Total number of task dispatches",
			},
		),
		Preemptions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_preemptions_total",
				Help: "Total number of realtime preemptions",
			},
		),
		ScheduleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kernel_schedule_duration_seconds",
				Help:    "Scheduling decision duration in seconds",
				Buckets: []float64{.0000001, .000001, .00001, .0001, .001, .01},
			},
		),
		TasksByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_tasks",
				Help: "Number of tasks by state",
			},
			[]string{"state"},
		),
		TasksCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_tasks_created_total",
				Help: "Total number of tasks admitted",
			},
		),

		// IPC metrics
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ipc_messages_total",
				Help: "Total number of IPC messages",
			},
			[]string{"direction", "type"},
		),
		IPCBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_ipc_bytes_total",
				Help: "Total payload bytes moved through IPC",
			},
		),
		Mailboxes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ipc_mailboxes",
				Help: "Number of live mailboxes",
			},
		),
		SharedBuffers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ipc_shared_buffers",
				Help: "Number of refcounted shared payload buffers",
			},
		),

		// Memory metrics
		MemoryUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_memory_used_bytes",
				Help: "Bytes currently allocated from the arena",
			},
		),
		MemoryRegions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_memory_regions",
				Help: "Number of tracked memory regions",
			},
		),
		Allocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_allocations_total",
				Help: "Total allocations by source pool",
			},
			[]string{"source"},
		),
		Frees: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_frees_total",
				Help: "Total region frees",
			},
		),
		OOMs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_oom_total",
				Help: "Total allocation failures",
			},
		),

		// Capability metrics
		CapabilityChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_capability_checks_total",
				Help: "Total capability checks by result",
			},
			[]string{"result"},
		),
		Grants: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_capability_grants_total",
				Help: "Total capabilities granted",
			},
		),
		Revocations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_capability_revocations_total",
				Help: "Total capabilities revoked",
			},
		),

		// Kernel facade operations
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_operations_total",
				Help: "Total kernel facade operations",
			},
			[]string{"component", "op", "status"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_operation_duration_seconds",
				Help:    "Kernel facade operation duration in seconds",
				Buckets: []float64{.000001, .00001, .0001, .001, .01, .1},
			},
			[]string{"component", "op"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ws_connections",
				Help: "Number of active event stream connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ws_messages_total",
				Help: "Total number of event stream messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_uptime_seconds",
				Help: "Kernel uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// Registry returns the gatherer backing this collector, for exposition.
func (m *Metrics) Registry() prometheus.Gatherer {
	return m.registry
}

// RecordHTTPRequest records an introspection API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordContextSwitch records one task dispatch.
func (m *Metrics) RecordContextSwitch() {
	m.ContextSwitches.Inc()
	m.mu.Lock()
	m.snapshot.ContextSwitches++
	m.mu.Unlock()
}

// RecordPreemption records a realtime preemption.
func (m *Metrics) RecordPreemption() {
	m.Preemptions.Inc()
	m.mu.Lock()
	m.snapshot.Preemptions++
	m.mu.Unlock()
}

// ObserveSchedule records the duration of one scheduling decision.
func (m *Metrics) ObserveSchedule(d time.Duration) {
	m.ScheduleDuration.Observe(d.Seconds())
}

// SetTasks sets the task gauge for one state.
func (m *Metrics) SetTasks(state string, count int) {
	m.TasksByState.WithLabelValues(state).Set(float64(count))
}

// SetActiveTasks mirrors the active task count into the snapshot.
func (m *Metrics) SetActiveTasks(count int) {
	m.mu.Lock()
	m.snapshot.ActiveTasks = int64(count)
	m.mu.Unlock()
}

// IncTasksCreated increments the admitted task counter.
func (m *Metrics) IncTasksCreated() {
	m.TasksCreated.Inc()
}

// RecordMessageSent records a sent IPC message.
func (m *Metrics) RecordMessageSent(msgType string, bytes int) {
	m.MessagesTotal.WithLabelValues("sent", msgType).Inc()
	m.IPCBytes.Add(float64(bytes))
	m.mu.Lock()
	m.snapshot.MessagesSent++
	m.snapshot.IPCBytes += int64(bytes)
	m.mu.Unlock()
}

// RecordMessageReceived records a delivered IPC message.
func (m *Metrics) RecordMessageReceived(msgType string) {
	m.MessagesTotal.WithLabelValues("received", msgType).Inc()
	m.mu.Lock()
	m.snapshot.MessagesReceived++
	m.mu.Unlock()
}

// SetMailboxes sets the live mailbox gauge.
func (m *Metrics) SetMailboxes(count int) {
	m.Mailboxes.Set(float64(count))
}

// SetSharedBuffers sets the shared payload buffer gauge.
func (m *Metrics) SetSharedBuffers(count int) {
	m.SharedBuffers.Set(float64(count))
}

// SetMemoryUsed sets the allocated arena bytes gauge.
func (m *Metrics) SetMemoryUsed(bytes uint64) {
	m.MemoryUsed.Set(float64(bytes))
	m.mu.Lock()
	m.snapshot.MemoryUsed = int64(bytes)
	m.mu.Unlock()
}

// SetMemoryRegions sets the tracked region gauge.
func (m *Metrics) SetMemoryRegions(count int) {
	m.MemoryRegions.Set(float64(count))
}

// RecordAllocation records an allocation served by a source pool
// (warm, class, huge, extent, bump).
func (m *Metrics) RecordAllocation(source string) {
	m.Allocations.WithLabelValues(source).Inc()
}

// RecordFree records a region free.
func (m *Metrics) RecordFree() {
	m.Frees.Inc()
}

// RecordOOM records an allocation failure.
func (m *Metrics) RecordOOM() {
	m.OOMs.Inc()
}

// RecordCapabilityCheck records a capability check result.
func (m *Metrics) RecordCapabilityCheck(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.CapabilityChecks.WithLabelValues(result).Inc()
}

// RecordGrant records a successful capability grant.
func (m *Metrics) RecordGrant() {
	m.Grants.Inc()
}

// RecordRevoke records a successful capability revocation.
func (m *Metrics) RecordRevoke() {
	m.Revocations.Inc()
}

// RecordOperation records a kernel facade operation outcome.
func (m *Metrics) RecordOperation(component, op, status string, duration time.Duration) {
	m.Operations.WithLabelValues(component, op, status).Inc()
	m.OperationDuration.WithLabelValues(component, op).Observe(duration.Seconds())
}

// RecordWSMessage records an event stream message.
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments event stream connections.
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements event stream connections.
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
