package model

import (
	"errors"
	"fmt"
	"time"
)

// Leg identifies which part of a delivery a task represents.
type Leg int

const (
	// LegDirect is a single-leg delivery from the depot.
	LegDirect Leg = iota
	// LegRelay1 carries the payload from the depot to the relay station.
	LegRelay1
	// LegRelay2 carries the payload from the relay station to the destination.
	LegRelay2
)

// Strategy returns the delivery-log strategy tag for the leg.
func (l Leg) Strategy() string {
	switch l {
	case LegRelay1:
		return "relay_leg1"
	case LegRelay2:
		return "relay_leg2"
	default:
		return "direct"
	}
}

func (l Leg) String() string { return l.Strategy() }

// ErrInvalidTask indicates a task failed validation.
var ErrInvalidTask = errors.New("invalid task")

// Task is one delivery request, or one leg of a relayed request.
type Task struct {
	ID string
	// OriginalTaskID references the parent task for relay legs. Empty for
	// top-level tasks.
	OriginalTaskID string

	Origin      Cell
	Destination Cell
	Weight      float64
	// Urgency is a positive integer; higher dequeues first.
	Urgency int
	// Color is cosmetic and only carried through to monitors.
	Color string

	Leg        Leg
	IsRelayLeg bool
	// ArrivalTime is stamped when a relay leg is first seen waiting at the
	// relay station. Nil until then.
	ArrivalTime *time.Time

	SubmittedAt time.Time
}

// Validate checks the fields a submitted task must carry.
func (t Task) Validate(width, height int) error {
	if t.Urgency <= 0 {
		return fmt.Errorf("%w: %s: urgency must be positive, got %d", ErrInvalidTask, t.ID, t.Urgency)
	}
	if t.Weight <= 0 {
		return fmt.Errorf("%w: %s: weight must be positive, got %g", ErrInvalidTask, t.ID, t.Weight)
	}
	d := t.Destination
	if d.X < 0 || d.Y < 0 || d.X >= width || d.Y >= height {
		return fmt.Errorf("%w: %s: destination %s outside %dx%d grid", ErrInvalidTask, t.ID, d, width, height)
	}
	return nil
}

// RootID returns the ID of the top-level task this task belongs to.
func (t Task) RootID() string {
	if t.OriginalTaskID != "" {
		return t.OriginalTaskID
	}
	return t.ID
}

// UrgencyWeight is the divisor applied to every raw cost when comparing
// strategies for this task.
func (t Task) UrgencyWeight() float64 {
	return 1 + float64(t.Urgency)
}

// RelayLegs splits a top-level task into its two relay legs.
func (t Task) RelayLegs(depot, relay Cell) (leg1, leg2 Task) {
	leg1 = Task{
		ID:             t.ID + "_leg1",
		OriginalTaskID: t.RootID(),
		Origin:         depot,
		Destination:    relay,
		Weight:         t.Weight,
		Urgency:        t.Urgency,
		Color:          t.Color,
		Leg:            LegRelay1,
		SubmittedAt:    t.SubmittedAt,
	}
	leg2 = Task{
		ID:             t.ID + "_leg2",
		OriginalTaskID: t.RootID(),
		Origin:         relay,
		Destination:    t.Destination,
		Weight:         t.Weight,
		Urgency:        t.Urgency,
		Color:          t.Color,
		Leg:            LegRelay2,
		IsRelayLeg:     true,
		SubmittedAt:    t.SubmittedAt,
	}
	return leg1, leg2
}
