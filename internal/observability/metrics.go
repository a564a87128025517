package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FleetCollector bundles the Prometheus metrics of the coordination engine.
// All methods are safe on a nil receiver.
type FleetCollector struct {
	gatherer prometheus.Gatherer

	TickDuration   prometheus.Histogram
	PlanDuration   prometheus.Histogram
	Decisions      *prometheus.CounterVec
	TasksQueued    prometheus.Gauge
	RelayPoolDepth prometheus.Gauge
	Completions    *prometheus.CounterVec
	Failures       *prometheus.CounterVec
	KnownRatio     prometheus.Gauge
	AgentsByState  *prometheus.GaugeVec
}

// NewFleetCollector registers fleet metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewFleetCollector(reg prometheus.Registerer) (*FleetCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one engine tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	}), "fleet_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	plan, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_planner_duration_seconds",
		Help:    "Duration of individual path planner searches.",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "fleet_planner_duration_seconds")
	if err != nil {
		return nil, err
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_dispatch_decisions_total",
		Help: "Tasks assigned by the dispatcher, labeled by delivery strategy.",
	}, []string{"strategy"}), "fleet_dispatch_decisions_total")
	if err != nil {
		return nil, err
	}

	queued, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_tasks_queued",
		Help: "Tasks waiting in the main priority queue.",
	}), "fleet_tasks_queued")
	if err != nil {
		return nil, err
	}

	pool, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_relay_pool_depth",
		Help: "Second relay legs staged at the relay station.",
	}), "fleet_relay_pool_depth")
	if err != nil {
		return nil, err
	}

	completions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_deliveries_completed_total",
		Help: "Delivery log entries settled as completed, labeled by strategy.",
	}, []string{"strategy"}), "fleet_deliveries_completed_total")
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_deliveries_failed_total",
		Help: "Delivery log entries settled as failed, labeled by strategy.",
	}, []string{"strategy"}), "fleet_deliveries_failed_total")
	if err != nil {
		return nil, err
	}

	known, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_knowledge_known_ratio",
		Help: "Fraction of grid cells whose terrain is known to the fleet.",
	}), "fleet_knowledge_known_ratio")
	if err != nil {
		return nil, err
	}

	agents, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_agents",
		Help: "Number of agents per lifecycle state.",
	}, []string{"state"}), "fleet_agents")
	if err != nil {
		return nil, err
	}

	return &FleetCollector{
		gatherer:       gatherer,
		TickDuration:   tick,
		PlanDuration:   plan,
		Decisions:      decisions,
		TasksQueued:    queued,
		RelayPoolDepth: pool,
		Completions:    completions,
		Failures:       failures,
		KnownRatio:     known,
		AgentsByState:  agents,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FleetCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FleetCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *FleetCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

func (c *FleetCollector) ObservePlan(d time.Duration) {
	if c == nil || c.PlanDuration == nil {
		return
	}
	c.PlanDuration.Observe(d.Seconds())
}

// IncDecision counts one assignment under the given strategy.
func (c *FleetCollector) IncDecision(strategy string) {
	if c == nil || c.Decisions == nil {
		return
	}
	c.Decisions.WithLabelValues(strategy).Inc()
}

// SetQueueDepths updates the main queue and relay pool gauges.
func (c *FleetCollector) SetQueueDepths(queued, pooled int) {
	if c == nil {
		return
	}
	if c.TasksQueued != nil {
		c.TasksQueued.Set(float64(queued))
	}
	if c.RelayPoolDepth != nil {
		c.RelayPoolDepth.Set(float64(pooled))
	}
}

func (c *FleetCollector) IncCompleted(strategy string) {
	if c == nil || c.Completions == nil {
		return
	}
	c.Completions.WithLabelValues(strategy).Inc()
}

func (c *FleetCollector) IncFailed(strategy string) {
	if c == nil || c.Failures == nil {
		return
	}
	c.Failures.WithLabelValues(strategy).Inc()
}

// SetKnownRatio clamps ratio to [0,1].
func (c *FleetCollector) SetKnownRatio(ratio float64) {
	if c == nil || c.KnownRatio == nil {
		return
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	c.KnownRatio.Set(ratio)
}

// SetAgentStates replaces the per-state agent counts.
func (c *FleetCollector) SetAgentStates(counts map[string]int) {
	if c == nil || c.AgentsByState == nil {
		return
	}
	for state, n := range counts {
		c.AgentsByState.WithLabelValues(state).Set(float64(n))
	}
}
