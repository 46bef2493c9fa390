package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPreload = uint64(3_000_000)

func process(t *testing.T, change TrackChange, current *Track, options []*Track, now MediaTime) TrackChange {
	t.Helper()
	decision, err := OneVideoAndOneAudioChangeProcessor(change, current, options, now, testPreload)
	require.NoError(t, err)
	return decision
}

func TestChangeProcessorFirstAdd(t *testing.T) {
	sender := testIdentity(t)
	a := audioTrack(t, 1, sender, 0)
	decision := process(t, TrackChange{Add: a}, nil, nil, LiveTime())
	require.Equal(t, a, decision.Add)
	require.Nil(t, decision.Remove)
}

func TestChangeProcessorIdempotentAdd(t *testing.T) {
	sender := testIdentity(t)
	a := audioTrack(t, 1, sender, 0)
	decision := process(t, TrackChange{Add: a}, a, []*Track{a}, LiveTime())
	require.True(t, decision.Empty(), "re-adding the playing track decides nothing")
}

func TestChangeProcessorLiveHandoff(t *testing.T) {
	sender := testIdentity(t)
	a := audioTrack(t, 1, sender, 0)
	b := audioTrack(t, 2, sender, 5_000_000)

	// Both live: the playing track wins without force.
	decision := process(t, TrackChange{Add: b}, a, []*Track{a, b}, LiveTime())
	require.True(t, decision.Empty())

	// Forced selection always swaps.
	decision = process(t, TrackChange{Add: b, Force: true}, a, []*Track{a, b}, LiveTime())
	require.Equal(t, b, decision.Add)
	require.Equal(t, a, decision.Remove)
	require.True(t, decision.Force)

	// Once the playing track ends, a live newcomer takes over.
	require.True(t, a.SetEnd(u64ptr(6_000_000)))
	decision = process(t, TrackChange{Add: b}, a, []*Track{a, b}, LiveTime())
	require.Equal(t, b, decision.Add)
	require.Equal(t, a, decision.Remove)
}

func TestChangeProcessorScheduledCutover(t *testing.T) {
	sender := testIdentity(t)
	a := audioTrack(t, 1, sender, 0)
	require.True(t, a.SetEnd(u64ptr(100_000_000)))
	b := audioTrack(t, 2, sender, 90_000_000)

	// Before the cutover, outside the preload window: keep playing A.
	decision := process(t, TrackChange{Add: b}, a, []*Track{a, b}, TimeAt(95_000_000))
	require.True(t, decision.Empty())

	// Within the preload window of B's start... but B starts in the past
	// relative to the position, so still no early switch.
	decision = process(t, TrackChange{Add: b}, a, []*Track{a, b}, TimeAt(92_000_000))
	require.True(t, decision.Empty())

	// Past A's end, B covers the position: switch.
	decision = process(t, TrackChange{Add: b}, a, []*Track{a, b}, TimeAt(101_000_000))
	require.Equal(t, b, decision.Add)
	require.Equal(t, a, decision.Remove)
}

func TestChangeProcessorPreloadSwitch(t *testing.T) {
	sender := testIdentity(t)
	a := audioTrack(t, 1, sender, 0)
	require.True(t, a.SetEnd(u64ptr(100_000_000)))
	b := audioTrack(t, 2, sender, 97_000_000)

	// B starts within the preload window ahead of the position and extends
	// past A's end: switch early for a gapless handoff.
	decision := process(t, TrackChange{Add: b}, a, []*Track{a, b}, TimeAt(95_000_000))
	require.Equal(t, b, decision.Add)
	require.Equal(t, a, decision.Remove)

	// A track that ends before the current one brings nothing.
	c := audioTrack(t, 3, sender, 97_000_000)
	require.True(t, c.SetEnd(u64ptr(99_000_000)))
	decision = process(t, TrackChange{Add: c}, a, []*Track{a, c}, TimeAt(95_000_000))
	require.True(t, decision.Empty())
}

func TestChangeProcessorRemovePromotes(t *testing.T) {
	sender := testIdentity(t)
	a := audioTrack(t, 1, sender, 0)
	b := audioTrack(t, 2, sender, 0)
	v := videoTrack(t, 3, sender, 0)

	// Removing the playing track promotes another option of the same kind.
	decision := process(t, TrackChange{Remove: a}, a, []*Track{a, b}, LiveTime())
	require.Equal(t, a, decision.Remove)
	require.Equal(t, b, decision.Add)

	// A different media kind is never promoted in its place.
	decision = process(t, TrackChange{Remove: a}, a, []*Track{a, v}, LiveTime())
	require.Equal(t, a, decision.Remove)
	require.Nil(t, decision.Add)

	// Removing a non-playing option does not touch playback.
	decision = process(t, TrackChange{Remove: b}, a, []*Track{a, b}, LiveTime())
	require.Equal(t, b, decision.Remove)
	require.Nil(t, decision.Add)
}

func TestChangeProcessorKindSeparation(t *testing.T) {
	sender := testIdentity(t)
	a := audioTrack(t, 1, sender, 0)
	v := videoTrack(t, 2, sender, 0)

	// An audio track playing does not block a video add; the scheduler keys
	// current by kind, so current is nil here.
	decision := process(t, TrackChange{Add: v}, nil, []*Track{a, v}, LiveTime())
	require.Equal(t, v, decision.Add)
}
