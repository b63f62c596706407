package http

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"gonum.org/v1/gonum/stat"

	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/kernel"
)

// Aggregator builds the JSON metrics snapshot: raw component counters
// plus summary statistics over the live task population.
type Aggregator struct {
	metrics *monitoring.Metrics
	kernel  *kernel.Kernel
}

// NewAggregator creates a metrics aggregator.
func NewAggregator(metrics *monitoring.Metrics, k *kernel.Kernel) *Aggregator {
	return &Aggregator{metrics: metrics, kernel: k}
}

// Snapshot is one aggregated metrics report.
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Kernel    kernel.Stats `json:"kernel"`
	Tasks     TaskSummary  `json:"tasks"`
	API       *APISummary  `json:"api,omitempty"`
}

// TaskSummary carries distribution statistics over the task population.
type TaskSummary struct {
	Count         int          `json:"count"`
	RuntimeMicros Distribution `json:"runtime_micros"`
	QuantumMicros Distribution `json:"quantum_micros"`
	Switches      Distribution `json:"switches"`
}

// APISummary carries request-level statistics for the introspection API
// itself.
type APISummary struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalErrors      int64   `json:"total_errors"`
	ErrorRate        float64 `json:"error_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Distribution summarizes one sampled quantity.
type Distribution struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
}

// summarize computes distribution statistics over the samples. Quantiles
// use the empirical distribution, so small populations report exact
// order statistics.
func summarize(samples []float64) Distribution {
	if len(samples) == 0 {
		return Distribution{}
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	d := Distribution{
		Count: len(sorted),
		Mean:  stat.Mean(sorted, nil),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P90:   stat.Quantile(0.9, stat.Empirical, sorted, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
	if len(sorted) > 1 {
		d.StdDev = stat.StdDev(sorted, nil)
	}
	return d
}

// GetMetricsJSON returns the aggregated metrics snapshot.
func (a *Aggregator) GetMetricsJSON(c *gin.Context) {
	tasks := a.kernel.Scheduler().Tasks()

	runtimes := make([]float64, 0, len(tasks))
	quanta := make([]float64, 0, len(tasks))
	switches := make([]float64, 0, len(tasks))
	for _, t := range tasks {
		runtimes = append(runtimes, float64(t.RuntimeMicros))
		switches = append(switches, float64(t.Switches))
		// Quantum is set at first dispatch; never-run tasks have none.
		if t.QuantumMicros > 0 {
			quanta = append(quanta, float64(t.QuantumMicros))
		}
	}

	snapshot := Snapshot{
		Timestamp: time.Now(),
		Kernel:    a.kernel.Stats(),
		Tasks: TaskSummary{
			Count:         len(tasks),
			RuntimeMicros: summarize(runtimes),
			QuantumMicros: summarize(quanta),
			Switches:      summarize(switches),
		},
	}

	if a.metrics != nil {
		ms := a.metrics.Snapshot()
		api := APISummary{
			TotalRequests:    ms.TotalRequests,
			TotalErrors:      ms.TotalErrors,
			AverageLatencyMs: a.metrics.AverageRequestSeconds() * 1000,
		}
		if ms.TotalRequests > 0 {
			api.ErrorRate = float64(ms.TotalErrors) / float64(ms.TotalRequests)
		}
		snapshot.API = &api
	}

	c.JSON(http.StatusOK, snapshot)
}
