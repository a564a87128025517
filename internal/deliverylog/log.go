// Package deliverylog records every task assignment and its outcome.
package deliverylog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// Status of a delivery log entry.
type Status string

const (
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one assignment of a task (or relay leg) to an agent.
type Entry struct {
	TaskID         string     `json:"taskId"`
	OriginalTaskID string     `json:"originalTaskId,omitempty"`
	AgentID        string     `json:"agentId"`
	Strategy       string     `json:"strategy"`
	Status         Status     `json:"status"`
	AssignedAt     time.Time  `json:"startTime"`
	CompletedAt    *time.Time `json:"completionTime,omitempty"`
	// Duration is in seconds of simulation time; zero until the entry settles.
	Duration      float64    `json:"duration"`
	Origin        model.Cell `json:"startPosition"`
	Destination   model.Cell `json:"goalPosition"`
	Weight        float64    `json:"taskWeight"`
	Urgency       int        `json:"taskUrgency"`
	PathLength    int        `json:"pathLength"`
	FailureReason string     `json:"failureReason,omitempty"`
}

func (e Entry) clone() Entry {
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		e.CompletedAt = &t
	}
	return e
}

// Log is an append-only, concurrency-safe delivery log. The only mutation of
// an entry is its single transition out of StatusAssigned.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Record appends an assigned entry for task.
func (l *Log) Record(task model.Task, agentID string, pathLength int, at time.Time) Entry {
	e := Entry{
		TaskID:         task.ID,
		OriginalTaskID: task.OriginalTaskID,
		AgentID:        agentID,
		Strategy:       task.Leg.Strategy(),
		Status:         StatusAssigned,
		AssignedAt:     at,
		Origin:         task.Origin,
		Destination:    task.Destination,
		Weight:         task.Weight,
		Urgency:        task.Urgency,
		PathLength:     pathLength,
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return e
}

// MarkCompleted settles the most recent assigned entry for taskID as
// completed. It reports false when no such entry exists.
func (l *Log) MarkCompleted(taskID string, at time.Time) (Entry, bool) {
	return l.settle(taskID, StatusCompleted, "", at)
}

// MarkFailed settles the most recent assigned entry for taskID as failed.
func (l *Log) MarkFailed(taskID, reason string, at time.Time) (Entry, bool) {
	return l.settle(taskID, StatusFailed, reason, at)
}

func (l *Log) settle(taskID string, status Status, reason string, at time.Time) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if e.TaskID != taskID || e.Status != StatusAssigned {
			continue
		}
		done := at
		e.Status = status
		e.CompletedAt = &done
		e.Duration = at.Sub(e.AssignedAt).Seconds()
		e.FailureReason = reason
		return e.clone(), true
	}
	return Entry{}, false
}

// Export returns a deep copy of every entry in insertion order.
func (l *Log) Export() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Sink persists exported entries outside the process.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
}

// Flush exports the log and hands it to sink. A nil sink is a no-op.
func (l *Log) Flush(ctx context.Context, sink Sink) error {
	if sink == nil {
		return nil
	}
	if err := sink.Write(ctx, l.Export()); err != nil {
		return fmt.Errorf("flush delivery log: %w", err)
	}
	return nil
}
