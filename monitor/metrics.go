package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the task pipeline. A nil
// *Metrics records nothing.
type Metrics struct {
	TasksClaimed  prometheus.Counter
	TasksFinished *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	PollErrors    prometheus.Counter
	StaleTasks    prometheus.Counter

	ToolCalls       *prometheus.CounterVec
	ToolLatency     *prometheus.HistogramVec
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "quarry_tasks_claimed_total",
			Help: "Total number of tasks moved from pending to processing",
		}),

		// status: completed or failed
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_tasks_finished_total",
			Help: "Total number of tasks finished by terminal status and type",
		}, []string{"status", "task_type"}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_task_duration_seconds",
			Help:    "Time from claim to terminal status",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"task_type"}),

		PollErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "quarry_poll_errors_total",
			Help: "Total number of failed poll cycles",
		}),

		StaleTasks: factory.NewCounter(prometheus.CounterOpts{
			Name: "quarry_stale_tasks_failed_total",
			Help: "Total number of processing tasks failed by the stale sweep",
		}),

		// outcome: success or error
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_tool_calls_total",
			Help: "Total number of tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),

		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_tool_duration_seconds",
			Help:    "Tool invocation latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_provider_calls_total",
			Help: "Total number of completion calls by provider, model and outcome",
		}, []string{"provider", "model", "outcome"}),

		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_provider_duration_seconds",
			Help:    "Completion latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
	}
}

// ObserveProvider records one completion call. It matches llm.Observer.
func (m *Metrics) ObserveProvider(provider, model string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, model, outcome(err)).Inc()
	m.ProviderLatency.WithLabelValues(provider, model).Observe(elapsed.Seconds())
}

// ObserveTool records one tool invocation. It matches tools.Observer.
func (m *Metrics) ObserveTool(tool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome(err)).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) claimed() {
	if m == nil {
		return
	}
	m.TasksClaimed.Inc()
}

func (m *Metrics) finished(status, taskType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if taskType == "" {
		taskType = "unknown"
	}
	m.TasksFinished.WithLabelValues(status, taskType).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

func (m *Metrics) pollError() {
	if m == nil {
		return
	}
	m.PollErrors.Inc()
}

func (m *Metrics) staleFailed() {
	if m == nil {
		return
	}
	m.StaleTasks.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
