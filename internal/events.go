package internal

import (
	"sync"

	"github.com/google/uuid"
)

// Emitter is an explicit subscriber list. Listeners registered after a state
// change do not receive it retroactively, and unsubscribing is idempotent.
type Emitter[T any] struct {
	mu   sync.Mutex
	subs map[uuid.UUID]func(T)
}

// NewEmitter creates an empty emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[uuid.UUID]func(T))}
}

// Subscribe registers fn and returns its unsubscribe function.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	id := uuid.New()
	e.mu.Lock()
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Emit calls every currently registered listener with v.
// Listeners run without the emitter lock held.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
