package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLiveWindowOpenAndShrink(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)
	store := network.Client(sender)

	wall := &fakeWall{t: time.Unix(1_000_000, 0)}
	src := NewAudioSource(id32(1), 48000, 2)
	src.nowFn = wall.now
	require.NoError(t, src.Open(ctx, store, sender.PublicKey, 0))
	defer src.Close()

	require.NoError(t, src.Append(ctx,
		Chunk{Kind: ChunkKey, Time: 500}, Timestamp{WallTime: 500_000}, TargetReplicators))

	require.NoError(t, src.Replicate(ctx, ReplicateLive))
	live := src.Live()
	require.NotNil(t, live)
	// The window starts just past the last known chunk, in store time (ns).
	require.Equal(t, uint64(501_000), live.Offset)

	entries, err := src.ReplicationEntries()
	require.NoError(t, err)
	rng := findRange(t, entries, src.liveWindowID())
	require.Equal(t, uint64(501_000), rng.Offset)
	require.Equal(t, liveWindowLength, rng.Length, "freshly opened window is over-provisioned")
	require.True(t, rng.Strict)

	wall.advance(90 * time.Second)
	require.NoError(t, src.EndPreviousLivestreamSubscription(ctx))
	require.Nil(t, src.Live())

	entries, err = src.ReplicationEntries()
	require.NoError(t, err)
	rng = findRange(t, entries, src.liveWindowID())
	require.Equal(t, uint64(90*time.Second/time.Nanosecond), rng.Length,
		"ended window shrinks to the elapsed time")
	require.True(t, rng.Strict)

	// Ending again without an open window is a no-op.
	require.NoError(t, src.EndPreviousLivestreamSubscription(ctx))
}

func TestLiveWindowAtMostOne(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)

	src := NewAudioSource(id32(1), 48000, 2)
	require.NoError(t, src.Open(ctx, network.Client(sender), sender.PublicKey, 0))
	defer src.Close()

	require.NoError(t, src.Replicate(ctx, ReplicateLive))
	first := src.Live().Offset

	require.NoError(t, src.Append(ctx,
		Chunk{Kind: ChunkKey, Time: 700}, Timestamp{WallTime: 700_000}, TargetReplicators))
	require.NoError(t, src.Replicate(ctx, ReplicateLive))

	entries, err := src.ReplicationEntries()
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if e.Range.ID == src.liveWindowID() {
			count++
		}
	}
	require.Equal(t, 1, count, "re-replicating live reuses the window id")
	require.Greater(t, src.Live().Offset, first, "window start is reseeded")
}

func TestLiveWindowFinalizedOnClose(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)
	viewer := testIdentity(t)

	src := NewAudioSource(id32(1), 48000, 2)
	require.NoError(t, src.Open(ctx, network.Client(sender), sender.PublicKey, 0))
	defer src.Close()

	wall := &fakeWall{t: time.Unix(1_000_000, 0)}
	viewerSrc := NewAudioSource(id32(1), 48000, 2)
	viewerSrc.nowFn = wall.now
	require.NoError(t, viewerSrc.Open(ctx, network.Client(viewer), sender.PublicKey, 0))

	require.NoError(t, viewerSrc.Replicate(ctx, ReplicateLive))
	wall.advance(10 * time.Second)
	require.NoError(t, viewerSrc.Close())

	entries, err := src.ReplicationEntries()
	require.NoError(t, err)
	rng := findRange(t, entries, viewerSrc.liveWindowID())
	require.Equal(t, uint64(10*time.Second/time.Nanosecond), rng.Length,
		"closing the source shrinks the live window to the elapsed time")
	require.True(t, rng.Strict)
}

func TestReplicateFullWindow(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)

	src := NewVideoSource(id32(2), AVCDecoderConfig(SampleSPS, SamplePPS))
	require.NoError(t, src.Open(ctx, network.Client(sender), sender.PublicKey, 0))
	defer src.Close()

	require.NoError(t, src.Replicate(ctx, ReplicateStreamer))
	entries, err := src.ReplicationEntries()
	require.NoError(t, err)
	rng := findRange(t, entries, src.fullWindowID())
	require.Equal(t, float64(1), rng.Factor)
	require.Nil(t, src.Live(), "full replication opens no live window")
}

func TestWaitForReplicators(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)

	src := NewAudioSource(id32(1), 48000, 2)
	require.NoError(t, src.Open(ctx, network.Client(sender), sender.PublicKey, 0))
	defer src.Close()

	t.Run("times out without replicas", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := src.WaitForReplicators(short)
		require.ErrorIs(t, err, ErrNoReplicators)
	})

	t.Run("returns when a replica joins", func(t *testing.T) {
		peer := testIdentity(t)
		peerSrc := NewAudioSource(id32(1), 48000, 2)
		require.NoError(t, peerSrc.Open(ctx, network.Client(peer), sender.PublicKey, 0))
		defer peerSrc.Close()

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = peerSrc.Replicate(ctx, ReplicateAll)
		}()
		require.NoError(t, src.WaitForReplicators(ctx))
	})
}

func TestWaitForStreamer(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)
	viewer := testIdentity(t)

	src := NewAudioSource(id32(1), 48000, 2)
	require.NoError(t, src.Open(ctx, network.Client(viewer), sender.PublicKey, 0))
	defer src.Close()

	t.Run("times out without the sender", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := src.WaitForStreamer(short)
		require.ErrorIs(t, err, ErrSenderNotAvailable)
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		err := src.WaitForStreamer(canceled)
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, ErrSenderNotAvailable)
	})

	t.Run("returns once the sender replicates", func(t *testing.T) {
		senderSrc := NewAudioSource(id32(1), 48000, 2)
		require.NoError(t, senderSrc.Open(ctx, network.Client(sender), sender.PublicKey, 0))
		defer senderSrc.Close()

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = senderSrc.Replicate(ctx, ReplicateStreamer)
		}()
		require.NoError(t, src.WaitForStreamer(ctx))
	})
}

func TestIterateSealedLog(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)

	src := NewAudioSource(id32(1), 48000, 2)
	require.NoError(t, src.Open(ctx, network.Client(sender), sender.PublicKey, 0))
	defer src.Close()

	for i, tm := range []uint64{0, 100, 200} {
		require.NoError(t, src.Append(ctx,
			Chunk{Kind: ChunkKey, Time: tm, Payload: []byte{byte(i)}},
			Timestamp{WallTime: tm * 1000}, TargetReplicators))
	}
	src.Seal(200)

	iter, err := src.Iterate(0, IterOptions{Local: true, Remote: true})
	require.NoError(t, err)
	defer iter.Close()

	var got []uint64
	for !iter.Done() {
		chunks, err := iter.Next(ctx, 2)
		require.NoError(t, err)
		for _, c := range chunks {
			got = append(got, c.Time)
		}
	}
	require.Equal(t, []uint64{0, 100, 200}, got)

	chunks, err := iter.Next(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, chunks, "an exhausted iterator stays empty")
}

func TestIterateBlocksUntilAppend(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	sender := testIdentity(t)

	src := NewAudioSource(id32(1), 48000, 2)
	require.NoError(t, src.Open(ctx, network.Client(sender), sender.PublicKey, 0))
	defer src.Close()

	iter, err := src.Iterate(0, IterOptions{Local: true, Remote: true})
	require.NoError(t, err)
	defer iter.Close()

	done := make(chan []Chunk, 1)
	go func() {
		chunks, err := iter.Next(ctx, 1)
		if err == nil {
			done <- chunks
		}
	}()

	select {
	case <-done:
		t.Fatal("Next returned before any chunk existed")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, src.Append(ctx,
		Chunk{Kind: ChunkKey, Time: 42}, Timestamp{WallTime: 42_000}, TargetReplicators))

	select {
	case chunks := <-done:
		require.Len(t, chunks, 1)
		require.Equal(t, uint64(42), chunks[0].Time)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up on append")
	}
}

func findRange(t *testing.T, entries []ReplicatorRange, id [32]byte) ReplicationRange {
	t.Helper()
	for _, e := range entries {
		if e.Range.ID == id {
			return e.Range
		}
	}
	t.Fatalf("no replication range with id %x", id[:4])
	return ReplicationRange{}
}
