package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/fleet-simulator/internal/deliverylog"
	"github.com/signalsfoundry/fleet-simulator/internal/fleet"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testClock() *timectrl.TimeController {
	return timectrl.NewTimeController(t0, 20*time.Millisecond, timectrl.Accelerated)
}

func openGrid(t *testing.T, depot, relay model.Cell) *model.Grid {
	t.Helper()
	g := model.NewGrid(10, 10, model.Normal)
	if err := g.SetFacilities(depot, relay); err != nil {
		t.Fatalf("SetFacilities: %v", err)
	}
	return g
}

func newTestEngine(t *testing.T, world model.World, specs []AgentSpec, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(testClock())}, opts...)
	e, err := New(world, specs, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// stepUntil steps e until cond holds, failing after max ticks.
func stepUntil(t *testing.T, e *Engine, max int, cond func() bool) int {
	t.Helper()
	for i := 1; i <= max; i++ {
		if err := e.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
		if cond() {
			return i
		}
	}
	t.Fatalf("condition not reached within %d ticks", max)
	return 0
}

type offGridWorld struct {
	*model.Grid
}

func (offGridWorld) RelayStation() model.Cell { return model.Cell{X: 40, Y: 40} }

func TestNewValidatesWorldAndFleet(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	drone := []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}}

	if _, err := New(nil, drone); !errors.Is(err, ErrInvalidWorld) {
		t.Fatalf("nil world: expected ErrInvalidWorld, got %v", err)
	}
	if _, err := New(model.NewGrid(0, 0, model.Normal), drone); !errors.Is(err, ErrInvalidWorld) {
		t.Fatalf("empty grid: expected ErrInvalidWorld, got %v", err)
	}
	if _, err := New(offGridWorld{g}, drone); !errors.Is(err, ErrInvalidWorld) {
		t.Fatalf("relay outside grid: expected ErrInvalidWorld, got %v", err)
	}
	if _, err := New(g, nil); !errors.Is(err, ErrInvalidFleet) {
		t.Fatalf("no agents: expected ErrInvalidFleet, got %v", err)
	}
	dup := []AgentSpec{{ID: "a", Profile: model.DroneProfile()}, {ID: "a", Profile: model.WheeledProfile()}}
	if _, err := New(g, dup); !errors.Is(err, ErrInvalidFleet) {
		t.Fatalf("duplicate ids: expected ErrInvalidFleet, got %v", err)
	}
	bad := model.DroneProfile()
	bad.Speed = 0
	_, err := New(g, []AgentSpec{{ID: "slow", Profile: bad}})
	if !errors.Is(err, ErrInvalidFleet) || !errors.Is(err, model.ErrInvalidProfile) {
		t.Fatalf("bad profile: expected ErrInvalidFleet wrapping ErrInvalidProfile, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.DispatchInterval = time.Millisecond
	if _, err := New(g, drone, WithConfig(cfg)); err == nil {
		t.Fatalf("expected config validation error")
	}
}

func TestNewPreloadsFacilitiesAndRoads(t *testing.T) {
	g := model.NewGrid(40, 40, model.Normal)
	for x := 0; x < 40; x++ {
		g.Set(x, 39, model.Road)
	}
	if err := g.SetFacilities(model.Cell{X: 0, Y: 0}, model.Cell{X: 39, Y: 0}); err != nil {
		t.Fatalf("SetFacilities: %v", err)
	}
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})

	s := e.Snapshot()
	if s == nil {
		t.Fatalf("expected snapshot after New")
	}
	if s.Knowledge[39][20] != model.Road {
		t.Fatalf("road cell not preloaded: %v", s.Knowledge[39][20])
	}
	if s.Knowledge[5][5] != model.Normal {
		t.Fatalf("depot disc not preloaded: %v", s.Knowledge[5][5])
	}
	if s.Knowledge[30][20] != model.Unknown {
		t.Fatalf("far interior cell should be unknown, got %v", s.Knowledge[30][20])
	}
	if s.KnownRatio <= 0 || s.KnownRatio >= 1 {
		t.Fatalf("known ratio out of range: %v", s.KnownRatio)
	}
}

func TestSubmitValidation(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})

	cases := []model.Task{
		{ID: "zero-urgency", Destination: model.Cell{X: 1, Y: 1}, Weight: 1},
		{ID: "zero-weight", Destination: model.Cell{X: 1, Y: 1}, Urgency: 1},
		{ID: "off-grid", Destination: model.Cell{X: 10, Y: 1}, Weight: 1, Urgency: 1},
	}
	for _, task := range cases {
		if _, err := e.Submit(task); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("%s: expected ErrInvalidTask, got %v", task.ID, err)
		}
	}

	id, err := e.Submit(model.Task{Destination: model.Cell{X: 3, Y: 3}, Weight: 1, Urgency: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated task id")
	}
	if _, err := e.Submit(model.Task{ID: id, Destination: model.Cell{X: 3, Y: 3}, Weight: 1, Urgency: 2}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("duplicate id: expected ErrInvalidTask, got %v", err)
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := e.Submit(model.Task{Destination: model.Cell{X: 3, Y: 3}, Weight: 1, Urgency: 2}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after Stop: expected ErrStopped, got %v", err)
	}
}

func TestDispatchFollowsUrgencyOrder(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 0})
	cfg := DefaultConfig()
	cfg.DispatchInterval = 20 * time.Millisecond
	specs := []AgentSpec{
		{ID: "d1", Profile: model.DroneProfile()},
		{ID: "d2", Profile: model.DroneProfile()},
		{ID: "d3", Profile: model.DroneProfile()},
	}
	e := newTestEngine(t, g, specs, WithConfig(cfg))

	for _, u := range []int{1, 5, 3} {
		task := model.Task{ID: fmt.Sprintf("u%d", u), Destination: model.Cell{X: 5, Y: 5}, Weight: 1, Urgency: u}
		if _, err := e.Submit(task); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := e.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	entries := e.Export()
	if len(entries) != 3 {
		t.Fatalf("expected 3 assignments, got %d", len(entries))
	}
	for i, want := range []string{"u5", "u3", "u1"} {
		if entries[i].TaskID != want {
			t.Fatalf("assignment %d = %s, want %s", i, entries[i].TaskID, want)
		}
		if entries[i].Strategy != "direct" {
			t.Fatalf("assignment %d strategy = %s, want direct", i, entries[i].Strategy)
		}
	}
	if got := len(e.PendingTasks()); got != 0 {
		t.Fatalf("expected no pending tasks, got %d", got)
	}
}

func TestDirectDeliveryCompletes(t *testing.T) {
	g := openGrid(t, model.Cell{X: 1, Y: 1}, model.Cell{X: 8, Y: 8})
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewFleetCollector(reg)
	if err != nil {
		t.Fatalf("NewFleetCollector: %v", err)
	}
	e := newTestEngine(t, g, []AgentSpec{{ID: "w1", Profile: model.WheeledProfile()}},
		WithAgentPositions(map[string]model.Cell{"w1": {X: 0, Y: 0}}),
		WithMetrics(metrics),
	)

	if _, err := e.Submit(model.Task{ID: "parcel", Destination: model.Cell{X: 9, Y: 9}, Weight: 2, Urgency: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stepUntil(t, e, 400, func() bool { return e.CompletedTaskCount() == 1 })

	entries := e.Export()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	got := entries[0]
	if got.Strategy != "direct" || got.AgentID != "w1" || got.Status != deliverylog.StatusCompleted {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.CompletedAt == nil || got.Duration <= 0 {
		t.Fatalf("expected completion time and duration, got %+v", got)
	}
	if got.Origin != (model.Cell{X: 1, Y: 1}) {
		t.Fatalf("direct delivery should start at the depot, got %s", got.Origin)
	}

	if v := testutil.ToFloat64(metrics.Decisions.WithLabelValues("direct")); v != 1 {
		t.Fatalf("fleet_dispatch_decisions_total{direct} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.Completions.WithLabelValues("direct")); v != 1 {
		t.Fatalf("fleet_deliveries_completed_total{direct} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.TasksQueued); v != 0 {
		t.Fatalf("fleet_tasks_queued = %v, want 0", v)
	}
}

// relayWorld has a road diagonal from the depot to the relay station and an
// off-road destination beyond the reach of road-only agents.
func relayWorld(t *testing.T) *model.Grid {
	t.Helper()
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 5, Y: 5})
	for i := 0; i <= 5; i++ {
		g.Set(i, i, model.Road)
	}
	return g
}

func roverProfile() model.CapabilityProfile {
	p := model.WheeledProfile()
	p.Name = "rover"
	p.RoadOnly = true
	return p
}

// occupy gives an agent a throwaway route so it is busy without a logged task.
func occupy(t *testing.T, e *Engine, id string, path []model.Cell) {
	t.Helper()
	for _, a := range e.agents {
		if a.ID() == id {
			dest := path[len(path)-1]
			if !a.AssignTask(model.Task{ID: "busy-" + id, Destination: dest, Weight: 1, Urgency: 1}, path) {
				t.Fatalf("agent %s already busy", id)
			}
			return
		}
	}
	t.Fatalf("agent %s not found", id)
}

func TestDecideUsesRelayWhenDirectInfeasible(t *testing.T) {
	e := newTestEngine(t, relayWorld(t), []AgentSpec{
		{ID: "rover", Profile: roverProfile()},
		{ID: "drone", Profile: model.DroneProfile()},
	}, WithAgentPositions(map[string]model.Cell{"drone": {X: 9, Y: 0}}))
	occupy(t, e, "drone", []model.Cell{{X: 9, Y: 0}, {X: 9, Y: 1}})

	task := model.Task{ID: "parcel", Destination: model.Cell{X: 9, Y: 9}, Weight: 2, Urgency: 1}
	d := e.decide(task, e.newPlanCache())

	if d.Strategy != StrategyRelay {
		t.Fatalf("expected relay, got %s (direct=%v relay=%v)", d.Strategy, d.DirectCost, d.RelayCost)
	}
	if d.Agent == nil || d.Agent.ID() != "rover" {
		t.Fatalf("expected rover on the first leg, got %v", d.Agent)
	}
	if !math.IsInf(d.DirectCost, 1) {
		t.Fatalf("direct cost should be infinite for a road-only fleet, got %v", d.DirectCost)
	}
	if math.IsInf(d.Leg2Cost, 1) {
		t.Fatalf("busy drone should still price the second leg")
	}
	if want := 10.0 / 4; math.Abs(d.Wait-want) > 1e-9 {
		t.Fatalf("wait penalty = %v, want %v", d.Wait, want)
	}
	if d.Path[0] != (model.Cell{X: 0, Y: 0}) || d.Path[len(d.Path)-1] != (model.Cell{X: 5, Y: 5}) {
		t.Fatalf("first leg should run depot to relay, got %v", d.Path)
	}
}

func TestDecideDefersWithoutCapableAgent(t *testing.T) {
	e := newTestEngine(t, relayWorld(t), []AgentSpec{{ID: "drone", Profile: model.DroneProfile()}})

	heavy := model.Task{ID: "piano", Destination: model.Cell{X: 9, Y: 9}, Weight: 500, Urgency: 1}
	if d := e.decide(heavy, e.newPlanCache()); d.Strategy != StrategyDefer {
		t.Fatalf("expected defer for overweight task, got %s", d.Strategy)
	}

	occupy(t, e, "drone", []model.Cell{{X: 0, Y: 0}, {X: 1, Y: 0}})
	light := model.Task{ID: "letter", Destination: model.Cell{X: 9, Y: 9}, Weight: 1, Urgency: 1}
	if d := e.decide(light, e.newPlanCache()); d.Strategy != StrategyDefer {
		t.Fatalf("expected defer with the only agent busy, got %s", d.Strategy)
	}
}

func TestRelayDeliveryCountsOnce(t *testing.T) {
	e := newTestEngine(t, relayWorld(t), []AgentSpec{
		{ID: "rover", Profile: roverProfile()},
		{ID: "drone", Profile: model.DroneProfile()},
	}, WithAgentPositions(map[string]model.Cell{"drone": {X: 9, Y: 0}}))
	occupy(t, e, "drone", []model.Cell{{X: 9, Y: 0}, {X: 9, Y: 1}, {X: 9, Y: 2}, {X: 9, Y: 3}, {X: 9, Y: 4}, {X: 9, Y: 5}})

	if _, err := e.Submit(model.Task{ID: "parcel", Destination: model.Cell{X: 9, Y: 9}, Weight: 2, Urgency: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	leg1Done := false
	stepUntil(t, e, 2000, func() bool {
		entries := e.Export()
		if len(entries) >= 1 && entries[0].Status == deliverylog.StatusCompleted {
			leg1Done = true
		}
		if len(entries) < 2 && e.CompletedTaskCount() != 0 {
			t.Fatalf("completed count moved before the second leg was assigned")
		}
		return e.CompletedTaskCount() == 1
	})
	if !leg1Done {
		t.Fatalf("first leg never completed")
	}

	entries := e.Export()
	if len(entries) != 2 {
		t.Fatalf("expected two relay entries, got %d: %+v", len(entries), entries)
	}
	leg1, leg2 := entries[0], entries[1]
	if leg1.Strategy != "relay_leg1" || leg1.AgentID != "rover" || leg1.TaskID != "parcel_leg1" {
		t.Fatalf("unexpected first leg: %+v", leg1)
	}
	if leg2.Strategy != "relay_leg2" || leg2.AgentID != "drone" || leg2.TaskID != "parcel_leg2" {
		t.Fatalf("unexpected second leg: %+v", leg2)
	}
	for _, en := range entries {
		if en.OriginalTaskID != "parcel" || en.Status != deliverylog.StatusCompleted {
			t.Fatalf("entry not tied to parcel or not completed: %+v", en)
		}
	}
	if leg1.CompletedAt == nil || leg2.AssignedAt.Sub(*leg1.CompletedAt) < 2*time.Second {
		t.Fatalf("second leg assigned before the relay processing delay: leg1 done %v, leg2 assigned %v", leg1.CompletedAt, leg2.AssignedAt)
	}
	if got := e.CompletedTaskCount(); got != 1 {
		t.Fatalf("CompletedTaskCount = %d, want 1", got)
	}
}

// diagonalRoadWorld is a 30x30 open grid with a road from the depot at
// (0,0) to the relay station at (20,20).
func diagonalRoadWorld(t *testing.T) *model.Grid {
	t.Helper()
	g := model.NewGrid(30, 30, model.Normal)
	for i := 0; i <= 20; i++ {
		g.Set(i, i, model.Road)
	}
	if err := g.SetFacilities(model.Cell{X: 0, Y: 0}, model.Cell{X: 20, Y: 20}); err != nil {
		t.Fatalf("SetFacilities: %v", err)
	}
	return g
}

func TestSecondLegWaitsForFirstLeg(t *testing.T) {
	slow := roverProfile()
	slow.Speed = 2
	e := newTestEngine(t, diagonalRoadWorld(t), []AgentSpec{
		{ID: "rover", Profile: slow},
		{ID: "drone", Profile: model.DroneProfile()},
	}, WithAgentPositions(map[string]model.Cell{"drone": {X: 21, Y: 21}}))
	// Busy for the first dispatch only; it then parks at the relay station.
	occupy(t, e, "drone", []model.Cell{{X: 21, Y: 21}, {X: 21, Y: 22}})

	if _, err := e.Submit(model.Task{ID: "parcel", Destination: model.Cell{X: 20, Y: 28}, Weight: 2, Urgency: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var stampedAt *time.Time
	stepUntil(t, e, 2000, func() bool {
		entries := e.Export()
		if len(entries) == 0 {
			return false
		}
		leg1 := entries[0]
		if leg1.TaskID != "parcel_leg1" || leg1.AgentID != "rover" {
			t.Fatalf("expected the rover to carry the first leg, got %+v", leg1)
		}
		if leg1.Status != deliverylog.StatusCompleted {
			if len(entries) > 1 || e.pool.Len() != 0 || e.CompletedTaskCount() != 0 {
				t.Fatalf("second leg released while the first leg is in flight: %+v", entries)
			}
			return false
		}
		if stampedAt == nil && e.pool.Len() == 1 {
			stampedAt = e.pool.Peek().ArrivalTime
		}
		return e.CompletedTaskCount() == 1
	})

	entries := e.Export()
	if len(entries) != 2 {
		t.Fatalf("expected two relay entries, got %+v", entries)
	}
	leg1, leg2 := entries[0], entries[1]
	if stampedAt == nil || !stampedAt.Equal(*leg1.CompletedAt) {
		t.Fatalf("arrival at the relay station should be the first leg's completion: stamped %v, leg1 done %v", stampedAt, leg1.CompletedAt)
	}
	if leg2.AgentID != "drone" || leg2.Status != deliverylog.StatusCompleted {
		t.Fatalf("unexpected second leg: %+v", leg2)
	}
	if wait := leg2.AssignedAt.Sub(*leg1.CompletedAt); wait < 2*time.Second {
		t.Fatalf("second leg assigned %s after the first landed, want at least 2s", wait)
	}
}

// wallWorld is an open 10x10 grid with a building wall at x=7 leaving a
// single gap at (7,0). Ground agents reach (9,9) from the depot only by
// detouring through the gap; the relay station at (5,5) lies on the
// straight route and drones fly over the wall.
func wallWorld(t *testing.T) *model.Grid {
	t.Helper()
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 5, Y: 5})
	for y := 1; y < 10; y++ {
		g.Set(7, y, model.Building)
	}
	return g
}

func TestDecideUrgencyShiftsTowardRelay(t *testing.T) {
	e := newTestEngine(t, wallWorld(t), []AgentSpec{
		{ID: "van", Profile: model.WheeledProfile()},
		{ID: "drone", Profile: model.DroneProfile()},
	}, WithAgentPositions(map[string]model.Cell{"drone": {X: 0, Y: 9}}))
	occupy(t, e, "drone", []model.Cell{{X: 0, Y: 9}, {X: 1, Y: 9}})

	cases := []struct {
		urgency int
		want    Strategy
	}{
		{1, StrategyDirect},
		{2, StrategyDirect},
		{3, StrategyDirect},
		{9, StrategyRelay},
		{19, StrategyRelay},
	}
	prevWait := math.Inf(1)
	for _, tc := range cases {
		task := model.Task{ID: fmt.Sprintf("u%d", tc.urgency), Destination: model.Cell{X: 9, Y: 9}, Weight: 2, Urgency: tc.urgency}
		d := e.decide(task, e.newPlanCache())

		if d.Wait >= prevWait || d.Wait <= 0 {
			t.Fatalf("urgency %d: wait %v should be positive and below %v", tc.urgency, d.Wait, prevWait)
		}
		prevWait = d.Wait
		if d.Strategy != tc.want {
			t.Fatalf("urgency %d: got %s, want %s (direct=%.3f relay=%.3f)", tc.urgency, d.Strategy, tc.want, d.DirectCost, d.RelayCost)
		}
		if d.Agent == nil || d.Agent.ID() != "van" {
			t.Fatalf("urgency %d: expected the van, got %v", tc.urgency, d.Agent)
		}
		if math.IsInf(d.DirectCost, 1) || math.IsInf(d.RelayCost, 1) {
			t.Fatalf("urgency %d: both options should be priced (direct=%v relay=%v)", tc.urgency, d.DirectCost, d.RelayCost)
		}
	}
}

func TestRelayAroundBuildingWall(t *testing.T) {
	e := newTestEngine(t, wallWorld(t), []AgentSpec{
		{ID: "van", Profile: model.WheeledProfile()},
		{ID: "drone", Profile: model.DroneProfile()},
	}, WithAgentPositions(map[string]model.Cell{"drone": {X: 0, Y: 9}}))
	occupy(t, e, "drone", []model.Cell{{X: 0, Y: 9}, {X: 1, Y: 9}})

	if _, err := e.Submit(model.Task{ID: "parcel", Destination: model.Cell{X: 9, Y: 9}, Weight: 2, Urgency: 9}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stepUntil(t, e, 2000, func() bool { return e.CompletedTaskCount() == 1 })

	entries := e.Export()
	if len(entries) != 2 {
		t.Fatalf("expected two relay entries, got %+v", entries)
	}
	if entries[0].Strategy != "relay_leg1" || entries[0].AgentID != "van" {
		t.Fatalf("unexpected first leg: %+v", entries[0])
	}
	if entries[1].Strategy != "relay_leg2" || entries[1].AgentID != "drone" {
		t.Fatalf("unexpected second leg: %+v", entries[1])
	}
	for _, en := range entries {
		if en.OriginalTaskID != "parcel" || en.Status != deliverylog.StatusCompleted {
			t.Fatalf("entry not tied to parcel or not completed: %+v", en)
		}
	}
	if !entries[1].CompletedAt.After(*entries[0].CompletedAt) {
		t.Fatalf("second leg finished before the first")
	}

	for i := 0; i < 100; i++ {
		if err := e.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if got := e.CompletedTaskCount(); got != 1 {
		t.Fatalf("CompletedTaskCount = %d, want 1", got)
	}
}

func TestTaskCompletedIgnoresUnloggedTasks(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})

	e.taskCompleted("d1", model.Task{ID: "ghost"})
	if e.CompletedTaskCount() != 0 {
		t.Fatalf("unlogged completion should not count")
	}

	parcel := model.Task{ID: "p", Destination: model.Cell{X: 4, Y: 4}, Weight: 1, Urgency: 1}
	leg1, leg2 := parcel.RelayLegs(e.depot, e.relay)
	e.deliveries.Record(leg1, "d1", 3, e.now)
	e.taskCompleted("d1", leg1)
	if e.CompletedTaskCount() != 0 {
		t.Fatalf("first leg should not count as a delivery")
	}
	e.deliveries.Record(leg2, "d1", 3, e.now)
	e.taskCompleted("d1", leg2)
	if e.CompletedTaskCount() != 1 {
		t.Fatalf("second leg should count, got %d", e.CompletedTaskCount())
	}
}

func TestFailedFirstLegRequeuesParent(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})

	parcel := model.Task{ID: "p", Destination: model.Cell{X: 4, Y: 4}, Weight: 1, Urgency: 2}
	leg1, leg2 := parcel.RelayLegs(e.depot, e.relay)
	e.deliveries.Record(leg1, "d1", 3, e.now)
	e.handoffs[leg1.ID] = relayHandoff{parent: parcel, leg2: leg2}

	e.taskFailed("d1", leg1, "blocked")

	if len(e.handoffs) != 0 || e.pool.Len() != 0 {
		t.Fatalf("held second leg should be dropped, handoffs=%d pool=%d", len(e.handoffs), e.pool.Len())
	}
	head := e.queue.Peek()
	if head == nil || head.ID != "p" || head.Leg != model.LegDirect {
		t.Fatalf("expected parent back on the queue, got %+v", head)
	}
	if entries := e.Export(); entries[0].Status != deliverylog.StatusFailed || entries[0].FailureReason != "blocked" {
		t.Fatalf("unexpected log entry: %+v", entries[0])
	}
}

func TestFailedSecondLegReturnsToPool(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})

	parcel := model.Task{ID: "p", Destination: model.Cell{X: 4, Y: 4}, Weight: 1, Urgency: 2}
	_, leg2 := parcel.RelayLegs(e.depot, e.relay)
	e.deliveries.Record(leg2, "d1", 3, e.now)
	e.taskFailed("d1", leg2, "blocked")

	if e.pool.Len() != 1 || e.queue.Len() != 0 {
		t.Fatalf("expected leg back in the relay pool, pool=%d queue=%d", e.pool.Len(), e.queue.Len())
	}
	if at := e.pool.Peek().ArrivalTime; at == nil || !at.Equal(e.now) {
		t.Fatalf("returned leg should be stamped with the failure time, got %v", at)
	}
}

func TestFirstLegCompletionReleasesSecondLeg(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})

	parcel := model.Task{ID: "p", Destination: model.Cell{X: 4, Y: 4}, Weight: 1, Urgency: 2}
	leg1, leg2 := parcel.RelayLegs(e.depot, e.relay)
	e.deliveries.Record(leg1, "d1", 3, e.now)
	e.handoffs[leg1.ID] = relayHandoff{parent: parcel, leg2: leg2}

	e.dispatchRelayPool(context.Background(), e.newPlanCache())
	if e.pool.Len() != 0 || e.deliveries.Len() != 1 {
		t.Fatalf("second leg must not be dispatchable before the first leg lands")
	}

	e.now = e.now.Add(5 * time.Second)
	e.taskCompleted("d1", leg1)

	if len(e.handoffs) != 0 || e.pool.Len() != 1 {
		t.Fatalf("expected second leg pooled, handoffs=%d pool=%d", len(e.handoffs), e.pool.Len())
	}
	pooled := e.pool.Peek()
	if pooled.ID != "p_leg2" || pooled.ArrivalTime == nil || !pooled.ArrivalTime.Equal(e.now) {
		t.Fatalf("second leg not stamped with the first leg's arrival: %+v", pooled)
	}
}

func TestFailedTaskAbandonedAfterMaxAttempts(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}}, WithConfig(cfg))

	task := model.Task{ID: "p", Destination: model.Cell{X: 4, Y: 4}, Weight: 1, Urgency: 1}

	e.deliveries.Record(task, "d1", 3, e.now)
	e.taskFailed("d1", task, "stopped short")
	if e.queue.Len() != 1 {
		t.Fatalf("first failure should requeue, queue=%d", e.queue.Len())
	}
	take(e.queue)

	e.deliveries.Record(task, "d1", 3, e.now)
	e.taskFailed("d1", task, "stopped short")
	if e.queue.Len() != 0 {
		t.Fatalf("task should be abandoned after %d attempts", cfg.MaxAttempts)
	}
	if len(e.attempts) != 0 {
		t.Fatalf("attempt counter should be cleared, got %v", e.attempts)
	}
}

func TestAssignToBusyAgentLogsNothing(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})
	occupy(t, e, "d1", []model.Cell{{X: 0, Y: 0}, {X: 1, Y: 1}})

	task := model.Task{ID: "p", Destination: model.Cell{X: 4, Y: 4}, Weight: 1, Urgency: 1}
	if e.assign(context.Background(), e.agents[0], task, []model.Cell{{X: 0, Y: 0}}) {
		t.Fatalf("assign to busy agent should fail")
	}
	if e.deliveries.Len() != 0 {
		t.Fatalf("expected no log entry, got %d", e.deliveries.Len())
	}
}

func TestOverweightTaskStaysPending(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	e := newTestEngine(t, g, []AgentSpec{{ID: "d1", Profile: model.DroneProfile()}})

	if _, err := e.Submit(model.Task{ID: "piano", Destination: model.Cell{X: 4, Y: 4}, Weight: 50, Urgency: 3}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 60; i++ {
		if err := e.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	pending := e.PendingTasks()
	if len(pending) != 1 || pending[0].ID != "piano" {
		t.Fatalf("expected piano pending, got %+v", pending)
	}
	if e.deliveries.Len() != 0 {
		t.Fatalf("overweight task should never be assigned")
	}

	s := e.Snapshot()
	if s.Tick != 60 || s.Queued != 1 || s.Pooled != 0 {
		t.Fatalf("unexpected snapshot counters: tick=%d queued=%d pooled=%d", s.Tick, s.Queued, s.Pooled)
	}
	a, ok := s.Agent("d1")
	if !ok || a.State != fleet.StateIdle {
		t.Fatalf("expected idle d1 in snapshot, got %+v", a)
	}
}

type countingSink struct {
	writes  atomic.Int32
	entries []deliverylog.Entry
}

func (s *countingSink) Write(_ context.Context, entries []deliverylog.Entry) error {
	s.writes.Add(1)
	s.entries = entries
	return nil
}

func TestLifecycle(t *testing.T) {
	g := openGrid(t, model.Cell{X: 0, Y: 0}, model.Cell{X: 9, Y: 9})
	sink := &countingSink{}
	e := newTestEngine(t, g, []AgentSpec{
		{ID: "d1", Profile: model.DroneProfile()},
		{ID: "w1", Profile: model.WheeledProfile()},
	}, WithSink(sink))

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: expected ErrAlreadyStarted, got %v", err)
	}
	if err := e.Step(); !errors.Is(err, ErrRunning) {
		t.Fatalf("Step while running: expected ErrRunning, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				task := model.Task{
					ID:          fmt.Sprintf("t%d-%d", i, j),
					Destination: model.Cell{X: (i + j) % 10, Y: j % 10},
					Weight:      1,
					Urgency:     j%3 + 1,
				}
				if _, err := e.Submit(task); err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				_ = e.Export()
				_ = e.Snapshot()
				_ = e.CompletedTaskCount()
			}
		}(i)
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	for e.Snapshot().Tick < 50 {
		select {
		case <-deadline:
			t.Fatalf("tick loop did not advance")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	select {
	case <-e.Done():
	default:
		t.Fatalf("Done should be closed after Stop")
	}
	if got := sink.writes.Load(); got != 1 {
		t.Fatalf("sink written %d times, want 1", got)
	}
	if len(sink.entries) != len(e.Export()) {
		t.Fatalf("sink got %d entries, log has %d", len(sink.entries), len(e.Export()))
	}
	if err := e.Step(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Step after Stop: expected ErrStopped, got %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop: expected ErrStopped, got %v", err)
	}
}

func TestJoinPathsDropsJunction(t *testing.T) {
	a := []model.Cell{{X: 0, Y: 0}, {X: 1, Y: 1}}
	b := []model.Cell{{X: 1, Y: 1}, {X: 2, Y: 2}}
	got := joinPaths(a, b)
	if len(got) != 3 || got[2] != (model.Cell{X: 2, Y: 2}) {
		t.Fatalf("joinPaths = %v", got)
	}
	if got := joinPaths(nil, b); len(got) != 2 {
		t.Fatalf("joinPaths(nil, b) = %v", got)
	}
}
