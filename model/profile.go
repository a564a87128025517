package model

import (
	"errors"
	"fmt"
	"strings"
)

// Archetype names the broad family an agent belongs to.
type Archetype string

const (
	ArchetypeDrone   Archetype = "drone"
	ArchetypeWheeled Archetype = "wheeled"
	ArchetypeLegged  Archetype = "legged"
)

// ParseArchetype validates an archetype name.
func ParseArchetype(s string) (Archetype, error) {
	switch a := Archetype(strings.ToLower(strings.TrimSpace(s))); a {
	case ArchetypeDrone, ArchetypeWheeled, ArchetypeLegged:
		return a, nil
	default:
		return "", fmt.Errorf("unknown archetype %q", s)
	}
}

// ErrInvalidProfile indicates a CapabilityProfile failed validation.
var ErrInvalidProfile = errors.New("invalid capability profile")

// CapabilityProfile describes what an agent can carry and where it can go.
// The same terrain rules are applied by the planner and by the dispatcher.
type CapabilityProfile struct {
	Name      string
	Archetype Archetype

	// Speed is the top speed in cells per second.
	Speed float64
	// PayloadLimit is the heaviest task weight the agent accepts.
	PayloadLimit float64

	RoadOnly      bool
	CanCrossWater bool
	// ClimbableHeight is the largest climb penalty the agent tolerates;
	// 0 disables climbing entirely.
	ClimbableHeight float64

	// CruiseAltitude is non-zero for aerial agents. Agents with an altitude
	// overfly buildings.
	CruiseAltitude float64

	// ReturnBias scales the depot cost in the return-trip decision: the relay
	// station is chosen when relayCost < ReturnBias*depotCost. Zero means 1.
	ReturnBias float64
}

// Validate checks the numeric limits of the profile.
func (p CapabilityProfile) Validate() error {
	if p.Speed <= 0 {
		return fmt.Errorf("%w: %s: speed must be positive", ErrInvalidProfile, p.Name)
	}
	if p.PayloadLimit <= 0 {
		return fmt.Errorf("%w: %s: payload limit must be positive", ErrInvalidProfile, p.Name)
	}
	if p.ClimbableHeight < 0 {
		return fmt.Errorf("%w: %s: climbable height must not be negative", ErrInvalidProfile, p.Name)
	}
	if p.ReturnBias < 0 || p.ReturnBias > 1 {
		return fmt.Errorf("%w: %s: return bias must be within [0,1]", ErrInvalidProfile, p.Name)
	}
	return nil
}

// CanCarry reports whether a task of the given weight fits the payload limit.
func (p CapabilityProfile) CanCarry(weight float64) bool {
	return weight <= p.PayloadLimit
}

// Admits reports whether the profile may enter a cell of terrain t.
func (p CapabilityProfile) Admits(t TerrainID) bool {
	if p.RoadOnly && t != Road {
		return false
	}
	if t == Water && !p.CanCrossWater {
		return false
	}
	if t == Building && p.CruiseAltitude <= 0 {
		return false
	}
	return ClimbPenalty(t) <= p.ClimbableHeight
}

// RelayBias returns the effective return bias.
func (p CapabilityProfile) RelayBias() float64 {
	if p.ReturnBias <= 0 {
		return 1
	}
	return p.ReturnBias
}

// DroneProfile is the default aerial archetype: fast, light, ignores water.
func DroneProfile() CapabilityProfile {
	return CapabilityProfile{
		Name:            "drone",
		Archetype:       ArchetypeDrone,
		Speed:           15,
		PayloadLimit:    5,
		CanCrossWater:   true,
		ClimbableHeight: 10,
		CruiseAltitude:  5,
	}
}

// WheeledProfile is the default ground vehicle: heavy payload, cannot
// handle steep terrain, prefers staging at the relay station.
func WheeledProfile() CapabilityProfile {
	return CapabilityProfile{
		Name:            "wheeled",
		Archetype:       ArchetypeWheeled,
		Speed:           5,
		PayloadLimit:    100,
		ClimbableHeight: 2,
		ReturnBias:      0.7,
	}
}

// LeggedProfile is the default legged robot: medium payload, climbs steep
// slopes.
func LeggedProfile() CapabilityProfile {
	return CapabilityProfile{
		Name:            "legged",
		Archetype:       ArchetypeLegged,
		Speed:           7,
		PayloadLimit:    20,
		ClimbableHeight: 5,
	}
}

// ProfileFor returns the preset for an archetype.
func ProfileFor(a Archetype) (CapabilityProfile, error) {
	switch a {
	case ArchetypeDrone:
		return DroneProfile(), nil
	case ArchetypeWheeled:
		return WheeledProfile(), nil
	case ArchetypeLegged:
		return LeggedProfile(), nil
	default:
		return CapabilityProfile{}, fmt.Errorf("%w: unknown archetype %q", ErrInvalidProfile, a)
	}
}
