package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the event core. Each engine
// instance owns its registry; nothing registers globally, so multiple
// instances (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// --- Bus ---
	EventsPublished  *prometheus.CounterVec
	EventsProcessed  *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	EventsDuplicated *prometheus.CounterVec
	QueueFull        *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	QueueCapacity    *prometheus.GaugeVec
	HandlerDuration  *prometheus.HistogramVec
	CircuitOpen      *prometheus.GaugeVec

	// --- Pipeline ---
	PipelineAcked      *prometheus.CounterVec
	PipelinePaused     *prometheus.GaugeVec
	PipelineValidation *prometheus.CounterVec
	CheckpointsSaved   prometheus.Counter
	CheckpointPosition *prometheus.GaugeVec

	// --- Store client ---
	StoreErrors *prometheus.CounterVec

	// --- Replay ---
	ReplayedEvents prometheus.Counter
	ReplayRunning  prometheus.Gauge
	ReplayRejected prometheus.Counter
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	handlerBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
		0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
	}

	return &Metrics{
		registry: reg,

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bus_events_published_total",
			Help: "Events accepted onto a bus queue",
		}, []string{"kind"}),

		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bus_events_processed_total",
			Help: "Events fully dispatched to all handlers",
		}, []string{"kind"}),

		EventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bus_handler_failures_total",
			Help: "Handler invocations that errored or timed out",
		}, []string{"kind", "reason"}),

		EventsDuplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bus_events_duplicated_total",
			Help: "Duplicates dropped inside the idempotency window",
		}, []string{"kind"}),

		QueueFull: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bus_queue_full_total",
			Help: "Publishes rejected with a full queue",
		}, []string{"kind"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_bus_queue_depth",
			Help: "Current items in a kind queue",
		}, []string{"kind"}),

		QueueCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_bus_queue_capacity",
			Help: "Kind queue capacity (constant)",
		}, []string{"kind"}),

		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "core_bus_handler_duration_seconds",
			Help:    "Single handler invocation duration",
			Buckets: handlerBuckets,
		}, []string{"kind", "priority"}),

		CircuitOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_bus_circuit_open",
			Help: "1 when a handler circuit is open",
		}, []string{"handler"}),

		PipelineAcked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_pipeline_acked_total",
			Help: "Store entries acknowledged after bus accept",
		}, []string{"kind"}),

		PipelinePaused: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_pipeline_paused",
			Help: "1 while consumption for a kind is paused on backpressure",
		}, []string{"kind"}),

		PipelineValidation: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_pipeline_validation_failures_total",
			Help: "Entries rejected by validation during consumption",
		}, []string{"kind"}),

		CheckpointsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "core_pipeline_checkpoints_saved_total",
			Help: "Advisory checkpoints persisted",
		}),

		CheckpointPosition: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_pipeline_checkpoint_position",
			Help: "Last checkpointed position per kind",
		}, []string{"kind"}),

		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_store_errors_total",
			Help: "Store operations that failed after retries",
		}, []string{"op"}),

		ReplayedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "core_replay_events_total",
			Help: "Events re-published by the replay coordinator",
		}),

		ReplayRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "core_replay_running",
			Help: "1 while a replay is in progress",
		}),

		ReplayRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "core_replay_rejected_total",
			Help: "Replay requests rejected because one was already running",
		}),
	}
}

// Registry exposes the instance registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
