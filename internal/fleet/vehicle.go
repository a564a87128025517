package fleet

import (
	"github.com/signalsfoundry/fleet-simulator/model"
)

// Vehicle follows a precomputed waypoint sequence. The cursor points at the
// next waypoint to reach.
type Vehicle struct {
	path   []model.Cell
	cursor int
}

func newVehicle(path []model.Cell) *Vehicle {
	cp := make([]model.Cell, len(path))
	copy(cp, path)
	return &Vehicle{path: cp}
}

// Remaining is the number of waypoints not yet reached.
func (v *Vehicle) Remaining() int {
	if v == nil {
		return 0
	}
	return len(v.path) - v.cursor
}

// Next returns the waypoint the vehicle is heading to.
func (v *Vehicle) Next() (model.Cell, bool) {
	if v == nil || v.cursor >= len(v.path) {
		return model.Cell{}, false
	}
	return v.path[v.cursor], true
}

// Final returns the last waypoint of the path.
func (v *Vehicle) Final() (model.Cell, bool) {
	if v == nil || len(v.path) == 0 {
		return model.Cell{}, false
	}
	return v.path[len(v.path)-1], true
}

// Length is the total number of waypoints.
func (v *Vehicle) Length() int {
	if v == nil {
		return 0
	}
	return len(v.path)
}

// Advance moves pos along the path by at most budget cells and reports
// whether the final waypoint has been reached.
func (v *Vehicle) Advance(pos model.Point, budget float64) (model.Point, bool) {
	for budget > 0 && v.cursor < len(v.path) {
		target := model.PointOf(v.path[v.cursor])
		d := pos.Distance(target)
		if d <= budget {
			pos = target
			budget -= d
			v.cursor++
			continue
		}
		ratio := budget / d
		pos = model.Point{
			X: pos.X + (target.X-pos.X)*ratio,
			Y: pos.Y + (target.Y-pos.Y)*ratio,
		}
		budget = 0
	}
	return pos, v.cursor >= len(v.path)
}
