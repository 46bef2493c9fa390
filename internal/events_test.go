package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitter(t *testing.T) {
	e := NewEmitter[int]()
	require.Zero(t, e.Len())

	var a, b []int
	unsubA := e.Subscribe(func(v int) { a = append(a, v) })
	unsubB := e.Subscribe(func(v int) { b = append(b, v) })
	require.Equal(t, 2, e.Len())

	e.Emit(1)
	require.Equal(t, []int{1}, a)
	require.Equal(t, []int{1}, b)

	unsubA()
	unsubA() // idempotent
	e.Emit(2)
	require.Equal(t, []int{1}, a, "unsubscribed listener stays silent")
	require.Equal(t, []int{1, 2}, b)

	unsubB()
	require.Zero(t, e.Len())
}

func TestEmitterSubscribeDuringEmit(t *testing.T) {
	e := NewEmitter[int]()
	var late []int
	e.Subscribe(func(v int) {
		if v == 1 {
			e.Subscribe(func(v int) { late = append(late, v) })
		}
	})
	e.Emit(1)
	e.Emit(2)
	require.Equal(t, []int{2}, late, "listeners never see emissions before they subscribed")
}
