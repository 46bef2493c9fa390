package internal

import "sync"

// TaskQueue runs one task at a time with at most one trigger queued behind it,
// coalescing bursts of triggers into a single re-run. This bounds the queue to
// one in-flight plus one pending task.
type TaskQueue struct {
	mu      sync.Mutex
	fn      func()
	running bool
	queued  bool
	closed  bool
	idle    sync.WaitGroup
}

// NewTaskQueue creates a queue that runs fn on every trigger.
func NewTaskQueue(fn func()) *TaskQueue {
	return &TaskQueue{fn: fn}
}

// Trigger schedules a run of the task. If a run is already in flight, at most
// one follow-up run is queued; further triggers are coalesced into it.
func (q *TaskQueue) Trigger() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.running {
		q.queued = true
		q.mu.Unlock()
		return
	}
	q.running = true
	q.idle.Add(1)
	q.mu.Unlock()
	go q.run()
}

func (q *TaskQueue) run() {
	defer q.idle.Done()
	for {
		q.fn()
		q.mu.Lock()
		if q.queued {
			q.queued = false
			q.mu.Unlock()
			continue
		}
		q.running = false
		q.mu.Unlock()
		return
	}
}

// Close stops accepting triggers and waits for the in-flight run to finish.
// A follow-up already queued at close time still runs; triggers that were
// accepted are never silently dropped.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.idle.Wait()
}
