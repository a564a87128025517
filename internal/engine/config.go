package engine

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/fleet"
	"github.com/signalsfoundry/fleet-simulator/internal/planner"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// Config holds the engine's timing and decision constants.
type Config struct {
	// Tick is the simulated time covered by one loop iteration.
	Tick time.Duration
	// DispatchInterval is how much simulated time separates dispatch cycles.
	DispatchInterval time.Duration
	// RelayProcessingDelay is the hand-off latency a second relay leg waits
	// at the relay station before it can be assigned.
	RelayProcessingDelay time.Duration
	// RelayWaitPenalty is scaled by 1/urgencyWeight² and added to the
	// relay strategy's cost.
	RelayWaitPenalty float64
	// FeasibleResidual is the largest planner residual accepted as arrival.
	FeasibleResidual float64
	// MaxAttempts bounds how often a task is re-dispatched after failed
	// deliveries. Zero disables the limit.
	MaxAttempts int

	ExplorationRadius int
	// PreloadRadius is the radius of the known disc around each facility.
	PreloadRadius int

	Mode timectrl.Mode
}

// DefaultConfig returns the stock engine constants.
func DefaultConfig() Config {
	return Config{
		Tick:                 20 * time.Millisecond,
		DispatchInterval:     time.Second,
		RelayProcessingDelay: 2 * time.Second,
		RelayWaitPenalty:     10,
		FeasibleResidual:     planner.FeasibleResidual,
		MaxAttempts:          3,
		ExplorationRadius:    fleet.DefaultExplorationRadius,
		PreloadRadius:        15,
		Mode:                 timectrl.RealTime,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.Tick <= 0:
		return fmt.Errorf("engine config: tick must be positive, got %s", c.Tick)
	case c.DispatchInterval < c.Tick:
		return fmt.Errorf("engine config: dispatch interval %s shorter than tick %s", c.DispatchInterval, c.Tick)
	case c.RelayProcessingDelay < 0:
		return fmt.Errorf("engine config: negative relay processing delay %s", c.RelayProcessingDelay)
	case c.RelayWaitPenalty < 0:
		return fmt.Errorf("engine config: negative relay wait penalty %g", c.RelayWaitPenalty)
	case c.FeasibleResidual < 0:
		return fmt.Errorf("engine config: negative feasible residual %g", c.FeasibleResidual)
	case c.MaxAttempts < 0:
		return fmt.Errorf("engine config: negative max attempts %d", c.MaxAttempts)
	case c.ExplorationRadius < 0 || c.PreloadRadius < 0:
		return fmt.Errorf("engine config: radii must be non-negative")
	}
	return nil
}
