package taskfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/fleet-simulator/model"
)

func TestParseManifest(t *testing.T) {
	doc := `
- id: test_task_1
  goal_pos: [80, 80]
  weight: 15.0
  urgency: 5
- id: test_task_2
  goal_pos: [20, 70]
  color: red
  after: 2s
- goal_pos: [1, 2]
`
	got, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(got))
	}

	first := got[0].Task
	if first.ID != "test_task_1" || first.Destination != (model.Cell{X: 80, Y: 80}) || first.Weight != 15 || first.Urgency != 5 {
		t.Fatalf("unexpected first task: %+v", first)
	}
	if got[0].After != 0 {
		t.Fatalf("after should default to zero, got %s", got[0].After)
	}

	second := got[1]
	if second.Task.Weight != 1 || second.Task.Urgency != 1 {
		t.Fatalf("defaults not applied: %+v", second.Task)
	}
	if second.Task.Color != "red" || second.After != 2*time.Second {
		t.Fatalf("unexpected second task: %+v", second)
	}

	if got[2].Task.ID != "" {
		t.Fatalf("missing id should stay empty for the engine to fill, got %q", got[2].Task.ID)
	}
}

func TestParseEmpty(t *testing.T) {
	got, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no tasks, got %d", len(got))
	}
}

func TestParseRejectsBadManifests(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "- id: a\n  goal_pos: [1, 1]\n  priority: 3\n",
		"short goal":     "- id: a\n  goal_pos: [1]\n",
		"duplicate id":   "- id: a\n  goal_pos: [1, 1]\n- id: a\n  goal_pos: [2, 2]\n",
		"bad after":      "- id: a\n  goal_pos: [1, 1]\n  after: later\n",
		"negative after": "- id: a\n  goal_pos: [1, 1]\n  after: -1s\n",
		"not a list":     "id: a\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(doc)); !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected ErrInvalidManifest, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte("- id: a\n  goal_pos: [3, 4]\n"), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].Task.Destination != (model.Cell{X: 3, Y: 4}) {
		t.Fatalf("unexpected tasks: %+v", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}
