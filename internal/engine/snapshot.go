package engine

import (
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/fleet"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// FleetSnapshot is an immutable view of the engine taken at the end of a
// tick.
type FleetSnapshot struct {
	Tick      uint64           `json:"tick"`
	SimTime   time.Time        `json:"simTime"`
	Agents    []fleet.Snapshot `json:"agents"`
	Depot     model.Cell       `json:"depot"`
	Relay     model.Cell       `json:"relayStation"`
	Queued    int              `json:"queued"`
	Pooled    int              `json:"pooled"`
	Completed int64            `json:"completed"`
	// Knowledge is indexed [y][x].
	Knowledge  [][]model.TerrainID `json:"-"`
	KnownRatio float64             `json:"knownRatio"`
	Pending    []model.Task        `json:"-"`
}

// Agent looks up an agent by id.
func (s *FleetSnapshot) Agent(id string) (fleet.Snapshot, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return fleet.Snapshot{}, false
}

func (e *Engine) publish() {
	queued := e.queue.Ordered()
	pooled := e.pool.Ordered()

	s := &FleetSnapshot{
		Tick:       e.clock.Ticks(),
		SimTime:    e.now,
		Agents:     make([]fleet.Snapshot, len(e.agents)),
		Depot:      e.depot,
		Relay:      e.relay,
		Queued:     len(queued),
		Pooled:     len(pooled),
		Completed:  e.completed.Load(),
		Knowledge:  e.knowledge.Snapshot(),
		KnownRatio: e.knowledge.KnownRatio(),
		Pending:    make([]model.Task, 0, len(queued)+len(pooled)),
	}
	states := map[string]int{
		fleet.StateIdle.String():       0,
		fleet.StateDelivering.String(): 0,
		fleet.StateReturning.String():  0,
	}
	for i, a := range e.agents {
		s.Agents[i] = a.Snapshot()
		states[a.State().String()]++
	}
	for _, t := range queued {
		s.Pending = append(s.Pending, copyTask(*t))
	}
	for _, t := range pooled {
		s.Pending = append(s.Pending, copyTask(*t))
	}
	e.snapshot.Store(s)

	e.metrics.SetQueueDepths(s.Queued, s.Pooled)
	e.metrics.SetKnownRatio(s.KnownRatio)
	e.metrics.SetAgentStates(states)
}

func copyTask(t model.Task) model.Task {
	if t.ArrivalTime != nil {
		at := *t.ArrivalTime
		t.ArrivalTime = &at
	}
	return t
}
