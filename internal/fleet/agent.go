// Package fleet models individual delivery agents: their path following,
// arrival handling and terrain exploration.
package fleet

import (
	"context"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/planner"
	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// DefaultExplorationRadius is the radius of the terrain disc every agent
// reports each tick.
const DefaultExplorationRadius = 3

// State is the lifecycle state of an agent.
type State int

const (
	StateIdle State = iota
	StateDelivering
	StateReturning
)

func (s State) String() string {
	switch s {
	case StateDelivering:
		return "delivering"
	case StateReturning:
		return "returning"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Environment is the agent's view of the coordination engine. All calls are
// made from the tick loop.
type Environment interface {
	Plan(profile model.CapabilityProfile, start, goal model.Cell) planner.Result
	KnownTerrain(c model.Cell) model.TerrainID
	// Sense returns the true terrain within radius of center.
	Sense(center model.Cell, radius int) kb.Fragment
	Observe(agentID string, fragment kb.Fragment)
	Depot() model.Cell
	RelayStation() model.Cell
	FeasibleResidual() float64
	TaskCompleted(agentID string, task model.Task)
	TaskFailed(agentID string, task model.Task, reason string)
}

// Agent is a single fleet member. It is not safe for concurrent use; the
// engine's tick loop owns every agent.
type Agent struct {
	id      string
	profile model.CapabilityProfile

	position model.Point
	state    State
	task     *model.Task
	vehicle  *Vehicle

	explorationRadius int
	log               logging.Logger
}

// Option customises agent construction.
type Option func(*Agent)

// WithExplorationRadius overrides DefaultExplorationRadius.
func WithExplorationRadius(r int) Option {
	return func(a *Agent) {
		if r >= 0 {
			a.explorationRadius = r
		}
	}
}

// WithLogger attaches a logger for state transitions.
func WithLogger(l logging.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAgent creates an idle agent at start.
func NewAgent(id string, profile model.CapabilityProfile, start model.Cell, opts ...Option) *Agent {
	a := &Agent{
		id:                id,
		profile:           profile,
		position:          model.PointOf(start),
		explorationRadius: DefaultExplorationRadius,
		log:               logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.log = a.log.With(logging.String("agent_id", id), logging.String("archetype", string(profile.Archetype)))
	return a
}

func (a *Agent) ID() string                       { return a.id }
func (a *Agent) Profile() model.CapabilityProfile { return a.profile }
func (a *Agent) Position() model.Point            { return a.position }
func (a *Agent) Cell() model.Cell                 { return a.position.Cell() }
func (a *Agent) State() State                     { return a.state }
func (a *Agent) IsIdle() bool                     { return a.state == StateIdle }
func (a *Agent) CanCarry(task model.Task) bool    { return a.profile.CanCarry(task.Weight) }

// Task returns the task the agent currently holds.
func (a *Agent) Task() (model.Task, bool) {
	if a.task == nil {
		return model.Task{}, false
	}
	return *a.task, true
}

// AssignTask hands the agent a task and the path to follow. It fails, and
// leaves the agent untouched, unless the agent is idle.
func (a *Agent) AssignTask(task model.Task, path []model.Cell) bool {
	if a.state != StateIdle {
		return false
	}
	t := task
	a.task = &t
	a.vehicle = newVehicle(path)
	a.state = StateDelivering
	a.log.Debug(context.Background(), "task assigned",
		logging.String("task_id", task.ID),
		logging.Int("waypoints", len(path)),
	)
	return true
}

// Update advances the agent by one tick of length dt and reports the
// terrain around its new position.
func (a *Agent) Update(dt time.Duration, env Environment) {
	if a.vehicle != nil {
		a.checkAhead(env)
		budget := a.profile.Speed * dt.Seconds()
		pos, arrived := a.vehicle.Advance(a.position, budget)
		a.position = pos
		if arrived {
			a.arrive(env)
		}
	}
	env.Observe(a.id, env.Sense(a.Cell(), a.explorationRadius))
}

// checkAhead replans when newly discovered terrain blocks the next
// waypoint. An unrecoverable route is cut at the agent's current cell so
// that the arrival handler settles the outcome.
func (a *Agent) checkAhead(env Environment) {
	next, ok := a.vehicle.Next()
	if !ok {
		return
	}
	terrain := env.KnownTerrain(next)
	if terrain == model.Unknown || a.profile.Admits(terrain) {
		return
	}
	final, _ := a.vehicle.Final()
	res := env.Plan(a.profile, a.Cell(), final)
	if res.Feasible(env.FeasibleResidual()) {
		a.log.Debug(context.Background(), "route replanned",
			logging.String("blocked", next.String()),
			logging.Int("waypoints", res.Length()),
		)
		a.vehicle = newVehicle(res.Path)
		return
	}
	a.log.Info(context.Background(), "route blocked; stopping short",
		logging.String("blocked", next.String()),
		logging.String("target", final.String()),
	)
	a.vehicle = newVehicle(nil)
}

func (a *Agent) arrive(env Environment) {
	switch a.state {
	case StateDelivering:
		task := *a.task
		gap := a.position.Distance(model.PointOf(task.Destination))
		if gap <= env.FeasibleResidual() {
			env.TaskCompleted(a.id, task)
		} else {
			env.TaskFailed(a.id, task, "stopped short of destination")
		}
		a.headHome(env)
	case StateReturning:
		a.park()
	default:
		a.vehicle = nil
	}
}

// headHome decides once, after a delivery, whether to return to the depot
// or stage at the relay station.
func (a *Agent) headHome(env Environment) {
	here := a.Cell()
	threshold := env.FeasibleResidual()
	depot := env.Plan(a.profile, here, env.Depot())
	relay := env.Plan(a.profile, here, env.RelayStation())
	depotCost := depot.Cost(a.profile.Speed, threshold)
	relayCost := relay.Cost(a.profile.Speed, threshold)

	var chosen planner.Result
	var dest string
	switch {
	case relay.Feasible(threshold) && relayCost < a.profile.RelayBias()*depotCost:
		chosen, dest = relay, "relay_station"
	case depot.Feasible(threshold):
		chosen, dest = depot, "depot"
	case relay.Feasible(threshold):
		chosen, dest = relay, "relay_station"
	default:
		a.log.Warn(context.Background(), "no route home; idling in place",
			logging.String("position", here.String()),
		)
		a.park()
		return
	}

	a.state = StateReturning
	a.vehicle = newVehicle(chosen.Path)
	a.log.Debug(context.Background(), "returning",
		logging.String("destination", dest),
		logging.Float("depot_cost", depotCost),
		logging.Float("relay_cost", relayCost),
	)
}

func (a *Agent) park() {
	a.task = nil
	a.vehicle = nil
	a.state = StateIdle
}

// Snapshot is a read-only view of an agent for monitors.
type Snapshot struct {
	ID            string          `json:"id"`
	Archetype     model.Archetype `json:"archetype"`
	Position      model.Point     `json:"position"`
	Cell          model.Cell      `json:"cell"`
	State         State           `json:"state"`
	TaskID        string          `json:"taskId,omitempty"`
	Altitude      float64         `json:"altitude,omitempty"`
	PathRemaining int             `json:"pathRemaining"`
}

// Snapshot captures the agent's current state.
func (a *Agent) Snapshot() Snapshot {
	s := Snapshot{
		ID:            a.id,
		Archetype:     a.profile.Archetype,
		Position:      a.position,
		Cell:          a.Cell(),
		State:         a.state,
		PathRemaining: a.vehicle.Remaining(),
	}
	if a.task != nil {
		s.TaskID = a.task.ID
	}
	if a.state != StateIdle {
		s.Altitude = a.profile.CruiseAltitude
	}
	return s
}
