package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Network metrics
	NodesOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iris_nodes_online",
			Help: "Number of connected worker nodes by tier",
		},
		[]string{"tier"},
	)

	NodesDisplaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iris_nodes_displaced_total",
			Help: "Registrations that displaced an existing connection for the same node ID",
		},
	)

	NodesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iris_nodes_reaped_total",
			Help: "Nodes removed by the heartbeat reaper",
		},
	)

	HeartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iris_heartbeat_latency_seconds",
			Help:    "Observed heartbeat round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_tasks_total",
			Help: "Finished tasks by terminal status",
		},
		[]string{"status"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iris_tasks_in_flight",
			Help: "Tasks currently in a non-terminal state",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iris_task_duration_seconds",
			Help:    "End-to-end task duration in seconds by mode",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	SubtasksReassigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iris_subtasks_reassigned_total",
			Help: "Subtask attempts restarted on a different node",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iris_dispatch_latency_seconds",
			Help:    "Time from task creation to the last subtask dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClassifierFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iris_classifier_fallbacks_total",
			Help: "Difficulty classifications served by the heuristic fallback",
		},
	)

	// Stream metrics
	StreamFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iris_stream_frames_total",
			Help: "Stream frames enqueued across all tasks",
		},
	)

	StreamDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iris_stream_drops_total",
			Help: "Stream frames dropped due to queue overflow",
		},
	)

	// Reputation metrics
	ReputationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_reputation_events_total",
			Help: "Reputation events recorded by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iris_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesOnline)
	prometheus.MustRegister(NodesDisplaced)
	prometheus.MustRegister(NodesReaped)
	prometheus.MustRegister(HeartbeatLatency)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(SubtasksReassigned)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ClassifierFallbacks)
	prometheus.MustRegister(StreamFrames)
	prometheus.MustRegister(StreamDrops)
	prometheus.MustRegister(ReputationEvents)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
