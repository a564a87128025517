package engine

import (
	"sort"
	"sync"

	"github.com/signalsfoundry/fleet-simulator/model"
)

type queuedTask struct {
	task *model.Task
	seq  uint64
}

// TaskQueue orders tasks by urgency, highest first, and FIFO within equal
// urgency.
type TaskQueue struct {
	mu    sync.Mutex
	items []queuedTask
	seq   uint64
}

func newTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Push enqueues t behind every queued task of equal or higher urgency.
// A nil task is ignored.
func (q *TaskQueue) Push(t *model.Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, queuedTask{task: t, seq: q.seq})
}

// Peek returns the next task without removing it, or nil when empty.
func (q *TaskQueue) Peek() *model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	q.sortLocked()
	return q.items[0].task
}

// Remove drops the task with the given id and reports whether it was queued.
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.task.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Ordered returns the queued tasks in dequeue order. The pointers are shared
// with the queue.
func (q *TaskQueue) Ordered() []*model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortLocked()
	out := make([]*model.Task, len(q.items))
	for i, it := range q.items {
		out[i] = it.task
	}
	return out
}

func (q *TaskQueue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.task.Urgency != b.task.Urgency {
			return a.task.Urgency > b.task.Urgency
		}
		return a.seq < b.seq
	})
}
