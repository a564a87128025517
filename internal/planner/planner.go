// Package planner implements the constrained A* search agents use to route
// over the fleet's partially known terrain.
package planner

import (
	"container/heap"
	"math"

	"github.com/signalsfoundry/fleet-simulator/model"
)

const (
	// ResolveRadius bounds the search for the nearest road cell when a
	// road-only profile starts or ends off-road.
	ResolveRadius = 20

	OrthogonalCost = 1.0
	DiagonalCost   = 1.4
	// RoadFactor discounts moves onto road cells.
	RoadFactor = 0.8

	// UnknownPenalty biases the search toward known terrain without
	// forbidding exploration.
	UnknownPenalty         = 3.0
	RoadOnlyUnknownPenalty = 10.0

	// FeasibleResidual is the default acceptance threshold on Result.Residual.
	FeasibleResidual = 5.0
	// ResidualWeight converts residual distance into cost units.
	ResidualWeight = 0.1
)

// Terrain is the read view the planner searches over. *kb.KnowledgeMap
// satisfies it.
type Terrain interface {
	TerrainAt(x, y int) model.TerrainID
	IsRoad(x, y int) bool
	Width() int
	Height() int
}

// Result is the outcome of a single Plan call.
type Result struct {
	// Path runs from ResolvedStart to the last reached cell, inclusive.
	// Nil when no path was found.
	Path []model.Cell
	// Residual is the Euclidean distance from the last path cell to the
	// originally requested goal; +Inf when Path is nil.
	Residual float64

	ResolvedStart model.Cell
	ResolvedGoal  model.Cell
	// Closest is the expanded cell nearest the resolved goal.
	Closest model.Cell
	// Exact is true when the search reached the resolved goal itself.
	Exact bool
	// Expanded counts the cells popped from the frontier.
	Expanded int
}

func failed() Result {
	return Result{Residual: math.Inf(1)}
}

// Found reports whether the result carries a path.
func (r Result) Found() bool { return len(r.Path) > 0 }

// Feasible reports whether a path exists and ends within threshold of the goal.
func (r Result) Feasible(threshold float64) bool {
	return r.Found() && r.Residual <= threshold
}

// Length is the number of cells on the path.
func (r Result) Length() int { return len(r.Path) }

// End returns the final cell of the path.
func (r Result) End() (model.Cell, bool) {
	if len(r.Path) == 0 {
		return model.Cell{}, false
	}
	return r.Path[len(r.Path)-1], true
}

// Cost converts the result into travel time for an agent of the given
// speed, plus a small charge for falling short of the goal. Infeasible
// results cost +Inf.
func (r Result) Cost(speed, threshold float64) float64 {
	if !r.Feasible(threshold) || speed <= 0 {
		return math.Inf(1)
	}
	return float64(len(r.Path))/speed + r.Residual*ResidualWeight
}

var directions = [8][2]int{
	{1, 0}, {-1, 0}, {0, 1}, {0, -1},
	{1, 1}, {1, -1}, {-1, 1}, {-1, -1},
}

// Plan searches for a route from start to goal for the given profile.
//
// Road-only profiles first snap both endpoints to the nearest known road
// cell. When the frontier is exhausted without reaching the goal, other
// profiles receive the path to the closest cell reached; road-only profiles
// receive a failed result. Callers judge "close enough" with
// Result.Feasible.
func Plan(profile model.CapabilityProfile, t Terrain, start, goal model.Cell) Result {
	if !inBounds(t, start) {
		return failed()
	}

	resolvedStart, resolvedGoal := start, goal
	if profile.RoadOnly {
		var ok bool
		if resolvedStart, ok = nearestRoad(t, start, ResolveRadius); !ok {
			return failed()
		}
		if resolvedGoal, ok = nearestRoad(t, goal, ResolveRadius); !ok {
			return failed()
		}
	}

	s := search(profile, t, resolvedStart, resolvedGoal)

	var path []model.Cell
	switch {
	case s.reached:
		path = s.pathTo(resolvedGoal)
	case profile.RoadOnly:
		return failed()
	default:
		path = s.pathTo(s.closest)
	}

	end := path[len(path)-1]
	return Result{
		Path:          path,
		Residual:      end.Distance(goal),
		ResolvedStart: resolvedStart,
		ResolvedGoal:  resolvedGoal,
		Closest:       s.closest,
		Exact:         s.reached,
		Expanded:      s.expanded,
	}
}

// StepCost is the cost of entering cell `to` from an adjacent cell.
func StepCost(profile model.CapabilityProfile, terrain model.TerrainID, diagonal bool) float64 {
	base := OrthogonalCost
	if diagonal {
		base = DiagonalCost
	}
	if terrain == model.Road {
		base *= RoadFactor
	}
	cost := base + model.ClimbPenalty(terrain)
	if terrain == model.Unknown {
		if profile.RoadOnly {
			cost += RoadOnlyUnknownPenalty
		} else {
			cost += UnknownPenalty
		}
	}
	return cost
}

type searchState struct {
	cameFrom map[model.Cell]model.Cell
	closest  model.Cell
	reached  bool
	expanded int
}

func (s *searchState) pathTo(end model.Cell) []model.Cell {
	path := []model.Cell{end}
	cur := end
	for {
		prev, ok := s.cameFrom[cur]
		if !ok {
			break
		}
		path = append(path, prev)
		cur = prev
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func search(profile model.CapabilityProfile, t Terrain, start, goal model.Cell) *searchState {
	s := &searchState{
		cameFrom: make(map[model.Cell]model.Cell),
		closest:  start,
	}
	closestH := start.Distance(goal)

	g := map[model.Cell]float64{start: 0}
	closed := make(map[model.Cell]bool)

	open := &frontier{}
	heap.Push(open, &entry{cell: start, f: closestH, h: closestH})

	for open.Len() > 0 {
		cur := heap.Pop(open).(*entry)
		if closed[cur.cell] {
			continue
		}
		closed[cur.cell] = true
		s.expanded++

		if cur.h < closestH {
			closestH = cur.h
			s.closest = cur.cell
		}
		if cur.cell == goal {
			s.reached = true
			s.closest = goal
			return s
		}

		for _, d := range directions {
			next := model.Cell{X: cur.cell.X + d[0], Y: cur.cell.Y + d[1]}
			if !inBounds(t, next) || closed[next] {
				continue
			}
			terrain := t.TerrainAt(next.X, next.Y)
			if !profile.Admits(terrain) {
				continue
			}
			diagonal := d[0] != 0 && d[1] != 0
			tentative := g[cur.cell] + StepCost(profile, terrain, diagonal)
			if known, ok := g[next]; ok && tentative >= known {
				continue
			}
			g[next] = tentative
			s.cameFrom[next] = cur.cell
			h := next.Distance(goal)
			heap.Push(open, &entry{cell: next, f: tentative + h, h: h})
		}
	}
	return s
}

// nearestRoad runs a breadth-first search outward from origin and returns
// the first known road cell within radius.
func nearestRoad(t Terrain, origin model.Cell, radius int) (model.Cell, bool) {
	if t.IsRoad(origin.X, origin.Y) {
		return origin, true
	}
	limit := float64(radius)
	visited := map[model.Cell]bool{origin: true}
	queue := []model.Cell{origin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range directions {
			next := model.Cell{X: cur.X + d[0], Y: cur.Y + d[1]}
			if visited[next] || !inBounds(t, next) || next.Distance(origin) > limit {
				continue
			}
			visited[next] = true
			if t.IsRoad(next.X, next.Y) {
				return next, true
			}
			queue = append(queue, next)
		}
	}
	return model.Cell{}, false
}

func inBounds(t Terrain, c model.Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < t.Width() && c.Y < t.Height()
}

type entry struct {
	cell model.Cell
	f    float64
	h    float64
}

// frontier is a min-heap on f, breaking ties toward the goal.
type frontier []*entry

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].f != f[j].f {
		return f[i].f < f[j].f
	}
	return f[i].h < f[j].h
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(*entry)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*f = old[:n-1]
	return e
}
