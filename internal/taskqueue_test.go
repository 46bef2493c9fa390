package internal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskQueueCoalesces(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	block := make(chan struct{})
	var once sync.Once

	q := NewTaskQueue(func() {
		runs.Add(1)
		once.Do(func() {
			close(started)
			<-block
		})
	})

	q.Trigger()
	<-started
	// Burst while the first run is in flight: coalesced into one follow-up.
	for i := 0; i < 10; i++ {
		q.Trigger()
	}
	close(block)
	q.Close()
	require.Equal(t, int32(2), runs.Load())
}

func TestTaskQueueCloseDrainsQueued(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	block := make(chan struct{})
	var once sync.Once

	q := NewTaskQueue(func() {
		runs.Add(1)
		once.Do(func() {
			close(started)
			<-block
		})
	})

	q.Trigger()
	<-started
	q.Trigger() // queued behind the blocked run

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	close(block)
	<-done
	require.Equal(t, int32(2), runs.Load(), "queued run survives Close")
}

func TestTaskQueueClosed(t *testing.T) {
	var runs atomic.Int32
	q := NewTaskQueue(func() { runs.Add(1) })
	q.Trigger()
	q.Close()
	after := runs.Load()
	require.Equal(t, int32(1), after)

	q.Trigger()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, runs.Load(), "a closed queue ignores triggers")
}
