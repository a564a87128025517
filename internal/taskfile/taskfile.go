// Package taskfile reads delivery task manifests written in YAML.
//
// A manifest is a list of tasks:
//
//	- id: parcel-1
//	  goal_pos: [80, 80]
//	  weight: 15
//	  urgency: 5
//	  after: 10s
//
// weight defaults to 1 and urgency to 1. after delays submission by that much
// simulation time.
package taskfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// ErrInvalidManifest wraps every manifest problem.
var ErrInvalidManifest = errors.New("invalid task manifest")

// Scheduled is a task and the simulation time to wait before submitting it.
type Scheduled struct {
	Task  model.Task
	After time.Duration
}

type item struct {
	ID      string   `yaml:"id"`
	GoalPos []int    `yaml:"goal_pos"`
	Weight  *float64 `yaml:"weight"`
	Urgency *int     `yaml:"urgency"`
	Color   string   `yaml:"color"`
	After   string   `yaml:"after"`
}

// Load parses the manifest at path.
func Load(path string) ([]Scheduled, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task manifest: %w", err)
	}
	defer f.Close()

	out, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Parse decodes a manifest. An empty document yields no tasks. Unknown keys
// are rejected. Bounds and positivity are left to engine.Submit.
func Parse(r io.Reader) ([]Scheduled, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var items []item
	if err := dec.Decode(&items); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	out := make([]Scheduled, 0, len(items))
	ids := make(map[string]int, len(items))
	for i, it := range items {
		id := strings.TrimSpace(it.ID)
		if id != "" {
			if prev, dup := ids[id]; dup {
				return nil, fmt.Errorf("%w: task %d reuses id %q from task %d", ErrInvalidManifest, i, id, prev)
			}
			ids[id] = i
		}
		if len(it.GoalPos) != 2 {
			return nil, fmt.Errorf("%w: task %d (%s): goal_pos needs [x, y], got %v", ErrInvalidManifest, i, id, it.GoalPos)
		}

		task := model.Task{
			ID:          id,
			Destination: model.Cell{X: it.GoalPos[0], Y: it.GoalPos[1]},
			Weight:      1,
			Urgency:     1,
			Color:       it.Color,
		}
		if it.Weight != nil {
			task.Weight = *it.Weight
		}
		if it.Urgency != nil {
			task.Urgency = *it.Urgency
		}

		var after time.Duration
		if s := strings.TrimSpace(it.After); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("%w: task %d (%s): after: %w", ErrInvalidManifest, i, id, err)
			}
			if d < 0 {
				return nil, fmt.Errorf("%w: task %d (%s): after must not be negative", ErrInvalidManifest, i, id)
			}
			after = d
		}
		out = append(out, Scheduled{Task: task, After: after})
	}
	return out, nil
}
