package engine

import (
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/deliverylog"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// MetricsRecorder receives engine measurements. *observability.FleetCollector
// implements it.
type MetricsRecorder interface {
	ObserveTick(d time.Duration)
	ObservePlan(d time.Duration)
	IncDecision(strategy string)
	SetQueueDepths(queued, pooled int)
	IncCompleted(strategy string)
	IncFailed(strategy string)
	SetKnownRatio(ratio float64)
	SetAgentStates(counts map[string]int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTick(time.Duration)     {}
func (noopMetrics) ObservePlan(time.Duration)     {}
func (noopMetrics) IncDecision(string)            {}
func (noopMetrics) SetQueueDepths(int, int)       {}
func (noopMetrics) IncCompleted(string)           {}
func (noopMetrics) IncFailed(string)              {}
func (noopMetrics) SetKnownRatio(float64)         {}
func (noopMetrics) SetAgentStates(map[string]int) {}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger sets the engine logger. Agents log through a child logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithDeliveryLog replaces the engine's delivery log.
func WithDeliveryLog(l *deliverylog.Log) Option {
	return func(e *Engine) {
		if l != nil {
			e.deliveries = l
		}
	}
}

// WithSink sets where Stop flushes the delivery log.
func WithSink(s deliverylog.Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithClock drives the engine from an existing controller. Its Tick
// overrides Config.Tick.
func WithClock(tc *timectrl.TimeController) Option {
	return func(e *Engine) {
		if tc != nil {
			e.clock = tc
		}
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithAgentPositions places the named agents somewhere other than the depot.
func WithAgentPositions(positions map[string]model.Cell) Option {
	return func(e *Engine) {
		for id, c := range positions {
			e.positions[id] = c
		}
	}
}
