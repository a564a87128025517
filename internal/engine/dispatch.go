package engine

import (
	"context"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-simulator/internal/fleet"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/planner"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// Strategy is the outcome of the direct-vs-relay decision.
type Strategy int

const (
	StrategyDefer Strategy = iota
	StrategyDirect
	StrategyRelay
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyRelay:
		return "relay"
	default:
		return "defer"
	}
}

// Decision is the dispatcher's verdict on one task. Costs are already
// divided by the task's urgency weight; unavailable options cost +Inf.
type Decision struct {
	Strategy   Strategy
	Agent      *fleet.Agent
	Path       []model.Cell
	DirectCost float64
	// RelayCost includes the wait adjustment.
	RelayCost float64
	Leg1Cost  float64
	Leg2Cost  float64
	Wait      float64
}

type planKey struct {
	profile     model.CapabilityProfile
	start, goal model.Cell
}

// planCache memoises planner results within one dispatch cycle, during which
// the knowledge map does not change.
type planCache struct {
	e       *Engine
	results map[planKey]planner.Result
}

func (e *Engine) newPlanCache() *planCache {
	return &planCache{e: e, results: make(map[planKey]planner.Result)}
}

func (c *planCache) plan(p model.CapabilityProfile, start, goal model.Cell) planner.Result {
	k := planKey{profile: p, start: start, goal: goal}
	if res, ok := c.results[k]; ok {
		return res
	}
	res := c.e.plan(p, start, goal)
	c.results[k] = res
	return res
}

// cost is planner cost for an agent profile, +Inf when infeasible.
func (c *planCache) cost(p model.CapabilityProfile, start, goal model.Cell) (float64, planner.Result) {
	res := c.plan(p, start, goal)
	return res.Cost(p.Speed, c.e.cfg.FeasibleResidual), res
}

// waitPenalty shrinks with urgency so urgent relays are penalised less for
// the hand-off delay.
func (e *Engine) waitPenalty(task model.Task) float64 {
	w := task.UrgencyWeight()
	return e.cfg.RelayWaitPenalty / (w * w)
}

func (e *Engine) dispatch(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.Int("fleet.queue_depth", e.queue.Len()),
		attribute.Int("fleet.pool_depth", e.pool.Len()),
	))
	defer span.End()

	cache := e.newPlanCache()
	relayed := e.dispatchRelayPool(ctx, cache)
	strategy := e.dispatchHead(ctx, cache)

	span.SetAttributes(
		attribute.Int("fleet.relay_assigned", relayed),
		attribute.String("fleet.head_strategy", strategy.String()),
	)
}

// dispatchRelayPool assigns second legs whose processing delay has elapsed.
// Legs that have not reached the relay station are skipped. It returns the
// number of legs assigned.
func (e *Engine) dispatchRelayPool(ctx context.Context, cache *planCache) int {
	assigned := 0
	for _, task := range e.pool.Ordered() {
		if task.ArrivalTime == nil || e.now.Sub(*task.ArrivalTime) < e.cfg.RelayProcessingDelay {
			continue
		}

		var best *fleet.Agent
		var bestPath []model.Cell
		bestCost := math.Inf(1)
		for _, a := range e.agents {
			if !a.IsIdle() || !a.CanCarry(*task) {
				continue
			}
			p := a.Profile()
			c1, r1 := cache.cost(p, a.Cell(), e.relay)
			c2, r2 := cache.cost(p, e.relay, task.Destination)
			if total := c1 + c2; total < bestCost {
				best, bestCost = a, total
				bestPath = joinPaths(r1.Path, r2.Path)
			}
		}
		if best == nil {
			continue
		}
		if !e.assign(ctx, best, *task, bestPath) {
			continue
		}
		e.pool.Remove(task.ID)
		assigned++
	}
	return assigned
}

// dispatchHead evaluates only the head of the main queue. A task that cannot
// be placed stays at the head.
func (e *Engine) dispatchHead(ctx context.Context, cache *planCache) Strategy {
	head := e.queue.Peek()
	if head == nil {
		return StrategyDefer
	}
	task := *head
	d := e.decide(task, cache)

	e.log.Debug(ctx, "dispatch decision",
		logging.String("task_id", task.ID),
		logging.String("strategy", d.Strategy.String()),
		logging.Float("direct_cost", d.DirectCost),
		logging.Float("relay_cost", d.RelayCost),
	)

	switch d.Strategy {
	case StrategyDirect:
		if e.assign(ctx, d.Agent, task, d.Path) {
			e.queue.Remove(task.ID)
		}
	case StrategyRelay:
		leg1, leg2 := task.RelayLegs(e.depot, e.relay)
		if e.assign(ctx, d.Agent, leg1, d.Path) {
			e.queue.Remove(task.ID)
			e.handoffs[leg1.ID] = relayHandoff{parent: task, leg2: leg2}
		}
	}
	return d.Strategy
}

// decide compares the best direct delivery with the best relay hand-off
// for task over the current idle fleet.
func (e *Engine) decide(task model.Task, cache *planCache) Decision {
	uw := task.UrgencyWeight()
	d := Decision{
		DirectCost: math.Inf(1),
		RelayCost:  math.Inf(1),
		Leg1Cost:   math.Inf(1),
		Leg2Cost:   math.Inf(1),
		Wait:       e.waitPenalty(task),
	}

	var directAgent, leg1Agent *fleet.Agent
	var directPath, leg1Path []model.Cell

	for _, a := range e.agents {
		if !a.CanCarry(task) {
			continue
		}
		p := a.Profile()

		// Second legs start at the relay station, so every agent counts.
		if c, _ := cache.cost(p, e.relay, task.Destination); c/uw < d.Leg2Cost {
			d.Leg2Cost = c / uw
		}
		if !a.IsIdle() {
			continue
		}

		toDepot, r0 := cache.cost(p, a.Cell(), e.depot)
		if math.IsInf(toDepot, 1) {
			continue
		}
		if c, r := cache.cost(p, e.depot, task.Destination); (toDepot+c)/uw < d.DirectCost {
			d.DirectCost = (toDepot + c) / uw
			directAgent = a
			directPath = joinPaths(r0.Path, r.Path)
		}
		if c, r := cache.cost(p, e.depot, e.relay); (toDepot+c)/uw < d.Leg1Cost {
			d.Leg1Cost = (toDepot + c) / uw
			leg1Agent = a
			leg1Path = joinPaths(r0.Path, r.Path)
		}
	}

	relayAvailable := leg1Agent != nil && !math.IsInf(d.Leg2Cost, 1)
	if relayAvailable {
		d.RelayCost = d.Leg1Cost + d.Leg2Cost + d.Wait
	}

	switch {
	case directAgent != nil && (!relayAvailable || d.DirectCost <= d.RelayCost):
		d.Strategy, d.Agent, d.Path = StrategyDirect, directAgent, directPath
	case relayAvailable:
		d.Strategy, d.Agent, d.Path = StrategyRelay, leg1Agent, leg1Path
	}
	return d
}

// assign hands task to agent and logs it. A false return means the agent was
// no longer idle; nothing is logged and the caller keeps the task.
func (e *Engine) assign(ctx context.Context, a *fleet.Agent, task model.Task, path []model.Cell) bool {
	if !a.AssignTask(task, path) {
		e.log.Debug(ctx, "assignment race; agent busy",
			logging.String("agent_id", a.ID()),
			logging.String("task_id", task.ID),
		)
		return false
	}
	entry := e.deliveries.Record(task, a.ID(), len(path), e.now)
	e.metrics.IncDecision(entry.Strategy)
	e.log.Info(ctx, "task assigned",
		logging.String("agent_id", a.ID()),
		logging.String("task_id", task.ID),
		logging.String("strategy", entry.Strategy),
		logging.Int("path_length", len(path)),
	)
	trace.SpanFromContext(ctx).AddEvent("assign", trace.WithAttributes(
		attribute.String("agent.id", a.ID()),
		attribute.String("task.id", task.ID),
		attribute.String("task.strategy", entry.Strategy),
	))
	return true
}

// joinPaths concatenates two legs, dropping the duplicated junction cell.
func joinPaths(a, b []model.Cell) []model.Cell {
	out := make([]model.Cell, 0, len(a)+len(b))
	out = append(out, a...)
	if len(out) > 0 && len(b) > 0 && out[len(out)-1] == b[0] {
		b = b[1:]
	}
	return append(out, b...)
}
