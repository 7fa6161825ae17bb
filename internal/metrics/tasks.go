package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task groups that busy time is attributed to.
const (
	TaskGroupRecovery = "availability-recovery"
	TaskGroupHarness  = "test-environment"
)

// TaskPollingDuration is the metric holding busy time per task.
const TaskPollingDuration = "availbench_task_polling_duration_seconds"

// TaskMetrics attributes busy time of goroutines to named tasks in task
// groups. Busy time is measured on the wall clock around sections that do
// not block on I/O or timers, so summed per group it approximates CPU time.
type TaskMetrics struct {
	PollingDuration *prometheus.HistogramVec
}

// NewTaskMetrics creates and registers the task metrics on reg.
func NewTaskMetrics(reg prometheus.Registerer) *TaskMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &TaskMetrics{
		PollingDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    TaskPollingDuration,
				Help:    "Busy time of a task section in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"task_group", "task_name"},
		),
	}
}

// Track starts timing a busy section and returns the func that ends it.
//
//	defer m.Track(metrics.TaskGroupRecovery, "reconstruct")()
func (m *TaskMetrics) Track(group, name string) func() {
	if m == nil {
		return func() {}
	}
	obs := m.PollingDuration.WithLabelValues(group, name)
	start := time.Now()
	return func() {
		obs.Observe(time.Since(start).Seconds())
	}
}
