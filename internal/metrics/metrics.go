// Package metrics wraps a *prometheus.Registry behind a narrow
// interface, following the matchmaker example's metrics package
// shape: one Recorder interface shared by every subsystem, values recorded by explicit
// method call rather than package-level globals.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics surface every core component depends on.
type Recorder interface {
	MatchCreated(gameType string)
	TickProcessed(gameType string, outcome string) // "found" | "searching"
	MoveApplied(gameType string)
	MoveRejected(gameType string, reason string)
	ActiveGames(delta float64)
	TimeoutFired(gameType string)
	PipelineBatch(priority string, size int, elapsed time.Duration)
	BusPublished(topic string)
	BusDropped(topic string, reason string)
}

type promRecorder struct {
	matchesCreated  *prometheus.CounterVec
	ticksProcessed  *prometheus.CounterVec
	movesApplied    *prometheus.CounterVec
	movesRejected   *prometheus.CounterVec
	activeGames     prometheus.Gauge
	timeouts        *prometheus.CounterVec
	batchSize       *prometheus.HistogramVec
	batchLatencyMs  *prometheus.HistogramVec
	busPublished    *prometheus.CounterVec
	busDropped      *prometheus.CounterVec
}

// New wires the recorder's collectors into registry.
func New(registry *prometheus.Registry) Recorder {
	factory := promauto.With(registry)
	return &promRecorder{
		matchesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_matches_created_total",
			Help: "Games created by the matchmaker, by game type.",
		}, []string{"game_type"}),
		ticksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_matchmaker_ticks_total",
			Help: "Matchmaker ticks processed, by game type and outcome.",
		}, []string{"game_type", "outcome"}),
		movesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_moves_applied_total",
			Help: "Moves accepted by GameCore, by game type.",
		}, []string{"game_type"}),
		movesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_moves_rejected_total",
			Help: "Moves rejected by GameCore, by game type and reason.",
		}, []string{"game_type", "reason"}),
		activeGames: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arena_active_games",
			Help: "Games created minus games finalized by this node's GameCore.",
		}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_clock_timeouts_total",
			Help: "Games ended by clock timeout, by game type.",
		}, []string{"game_type"}),
		batchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_pipeline_batch_size",
			Help:    "PersistencePipeline batch sizes, by priority.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}, []string{"priority"}),
		batchLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_pipeline_batch_latency_ms",
			Help:    "PersistencePipeline batch flush latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"priority"}),
		busPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_eventbus_published_total",
			Help: "Events published to the bus, by topic.",
		}, []string{"topic"}),
		busDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_eventbus_dropped_total",
			Help: "Events dropped before publish, by topic and reason.",
		}, []string{"topic", "reason"}),
	}
}

func (m *promRecorder) MatchCreated(gameType string) {
	m.matchesCreated.WithLabelValues(gameType).Inc()
}

func (m *promRecorder) TickProcessed(gameType string, outcome string) {
	m.ticksProcessed.WithLabelValues(gameType, outcome).Inc()
}

func (m *promRecorder) MoveApplied(gameType string) {
	m.movesApplied.WithLabelValues(gameType).Inc()
}

func (m *promRecorder) MoveRejected(gameType string, reason string) {
	m.movesRejected.WithLabelValues(gameType, reason).Inc()
}

func (m *promRecorder) ActiveGames(delta float64) {
	m.activeGames.Add(delta)
}

func (m *promRecorder) TimeoutFired(gameType string) {
	m.timeouts.WithLabelValues(gameType).Inc()
}

func (m *promRecorder) PipelineBatch(priority string, size int, elapsed time.Duration) {
	m.batchSize.WithLabelValues(priority).Observe(float64(size))
	m.batchLatencyMs.WithLabelValues(priority).Observe(float64(elapsed.Milliseconds()))
}

func (m *promRecorder) BusPublished(topic string) {
	m.busPublished.WithLabelValues(topic).Inc()
}

func (m *promRecorder) BusDropped(topic string, reason string) {
	m.busDropped.WithLabelValues(topic, reason).Inc()
}

// Noop satisfies Recorder without touching a registry, used when
// metrics are disabled by config.
type Noop struct{}

func (Noop) MatchCreated(string)                             {}
func (Noop) TickProcessed(string, string)                    {}
func (Noop) MoveApplied(string)                              {}
func (Noop) MoveRejected(string, string)                     {}
func (Noop) ActiveGames(float64)                             {}
func (Noop) TimeoutFired(string)                             {}
func (Noop) PipelineBatch(string, int, time.Duration)        {}
func (Noop) BusPublished(string)                             {}
func (Noop) BusDropped(string, string)                       {}
