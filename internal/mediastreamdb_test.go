package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, network *MemNetwork, owner *Identity, client *Identity, opts OpenOptions) *MediaStreamDB {
	t.Helper()
	db, err := NewMediaStreamDB(MediaStreamDBArgs{
		ID:    id32(0xaa),
		Owner: owner.PublicKey,
		Store: network.Client(client),
	})
	require.NoError(t, err)
	require.NoError(t, db.Open(context.Background(), opts))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMaxTimeRatchet(t *testing.T) {
	network := NewMemNetwork()
	owner := testIdentity(t)
	db := newTestDB(t, network, owner, owner, OpenOptions{})

	var mu sync.Mutex
	var seen []uint64
	unsub := db.OnMaxTimeChange(func(v uint64) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	defer unsub()

	_, known := db.MaxTime()
	require.False(t, known)

	require.True(t, db.MaybeUpdateMaxTime(50))
	require.False(t, db.MaybeUpdateMaxTime(30), "lower candidates are ignored")
	require.False(t, db.MaybeUpdateMaxTime(50), "equal candidates are ignored")
	require.True(t, db.MaybeUpdateMaxTime(70))

	v, known := db.MaxTime()
	require.True(t, known)
	require.Equal(t, uint64(70), v)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{50, 70}, seen, "one event per effective change")
}

func TestGetLatest(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	owner := testIdentity(t)
	db := newTestDB(t, network, owner, owner, OpenOptions{})

	early := audioTrack(t, 1, owner, 10)
	late := audioTrack(t, 2, owner, 30)
	mid := videoTrack(t, 3, owner, 20)
	ended := audioTrack(t, 4, owner, 40)
	require.True(t, ended.SetEnd(u64ptr(45)))

	for _, tr := range []*Track{early, late, mid, ended} {
		require.NoError(t, db.AddTrack(ctx, tr))
	}

	latest := db.GetLatest()
	require.Len(t, latest, 3, "ended tracks are not latest")
	require.Equal(t, uint64(30), latest[0].StartTime)
	require.Equal(t, uint64(20), latest[1].StartTime)
	require.Equal(t, uint64(10), latest[2].StartTime)
}

func TestOpenTrackRefCounting(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	owner := testIdentity(t)
	db := newTestDB(t, network, owner, owner, OpenOptions{})

	tr := audioTrack(t, 1, owner, 0)
	first, release1, err := db.OpenTrack(ctx, tr)
	require.NoError(t, err)
	second, release2, err := db.OpenTrack(ctx, tr)
	require.NoError(t, err)
	require.Same(t, first, second, "concurrent opens share one instance")

	require.NoError(t, first.Put(ctx, Chunk{Kind: ChunkKey, Time: 1}, TargetReplicators))
	release1()
	// Still open: the second reference holds it.
	require.NoError(t, first.Put(ctx, Chunk{Kind: ChunkKey, Time: 2}, TargetReplicators))
	release1() // releasing twice is a no-op
	require.NoError(t, first.Put(ctx, Chunk{Kind: ChunkKey, Time: 3}, TargetReplicators))
	release2()
	require.ErrorIs(t, first.Put(ctx, Chunk{Kind: ChunkKey, Time: 4}, TargetReplicators), ErrNotOpen)
}

func TestSetEndBroadcasts(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	owner := testIdentity(t)
	db := newTestDB(t, network, owner, owner, OpenOptions{})
	viewer := testIdentity(t)
	viewerDB := newTestDB(t, network, owner, viewer, OpenOptions{})

	tr := audioTrack(t, 1, owner, 100)
	require.NoError(t, db.AddTrack(ctx, tr))

	got, ok := viewerDB.GetTrack(tr.ID)
	require.True(t, ok)
	require.Nil(t, got.EndTime())

	require.NoError(t, db.SetEnd(ctx, tr, u64ptr(500)))
	require.NoError(t, db.SetEnd(ctx, tr, u64ptr(900)), "second end is ignored")

	got, ok = viewerDB.GetTrack(tr.ID)
	require.True(t, ok)
	require.NotNil(t, got.EndTime())
	require.Equal(t, uint64(500), *got.EndTime())

	maxTime, known := db.MaxTime()
	require.True(t, known)
	require.Equal(t, uint64(500), maxTime, "a closed track bounds the stream")
}

func TestTrackSetAuthorization(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	owner := testIdentity(t)
	stranger := testIdentity(t)
	newTestDB(t, network, owner, owner, OpenOptions{})
	strangerDB := newTestDB(t, network, owner, stranger, OpenOptions{})

	// A stranger cannot announce a track it does not send.
	foreign := audioTrack(t, 1, owner, 0)
	require.ErrorIs(t, strangerDB.AddTrack(ctx, foreign), ErrAppendDenied)

	// But it can announce its own.
	own := audioTrack(t, 2, stranger, 0)
	require.NoError(t, strangerDB.AddTrack(ctx, own))
}

func TestListenForMaxTimeChanges(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	owner := testIdentity(t)
	db := newTestDB(t, network, owner, owner, OpenOptions{})
	viewer := testIdentity(t)
	viewerDB := newTestDB(t, network, owner, viewer, OpenOptions{})

	stop, err := viewerDB.ListenForMaxTimeChanges(ctx, false)
	require.NoError(t, err)

	tr := audioTrack(t, 1, owner, 1000)
	opened, release, err := db.OpenTrack(ctx, tr)
	require.NoError(t, err)
	defer release()
	require.NoError(t, db.AddTrack(ctx, opened))

	require.NoError(t, opened.Put(ctx, Chunk{Kind: ChunkKey, Time: 250}, TargetReplicators))
	require.Eventually(t, func() bool {
		v, ok := viewerDB.MaxTime()
		return ok && v == 1250
	}, 2*time.Second, 10*time.Millisecond, "max time follows chunk arrivals")

	require.NoError(t, opened.Put(ctx, Chunk{Kind: ChunkDelta, Time: 400}, TargetReplicators))
	require.Eventually(t, func() bool {
		v, _ := viewerDB.MaxTime()
		return v == 1400
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	_, known := viewerDB.MaxTime()
	require.False(t, known, "stopping the listener resets the max time")
}

func TestListenForReplicationInfo(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	owner := testIdentity(t)
	db := newTestDB(t, network, owner, owner, OpenOptions{})
	viewer := testIdentity(t)
	viewerDB := newTestDB(t, network, owner, viewer, OpenOptions{})

	var mu sync.Mutex
	var events []ReplicationInfo
	unsub := viewerDB.OnReplicationInfo(func(info ReplicationInfo) {
		mu.Lock()
		events = append(events, info)
		mu.Unlock()
	})
	defer unsub()

	stop, err := viewerDB.ListenForReplicationInfo(ctx)
	require.NoError(t, err)
	defer stop()

	tr := audioTrack(t, 1, owner, 0)
	opened, release, err := db.OpenTrack(ctx, tr)
	require.NoError(t, err)
	defer release()
	require.NoError(t, db.AddTrack(ctx, opened))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 2*time.Second, 10*time.Millisecond, "streamer replication shows up")

	mu.Lock()
	last := events[len(events)-1]
	mu.Unlock()
	require.Equal(t, tr.ID, last.Track.ID)
	require.NotZero(t, last.Hash)

	// A second window changes the fingerprint.
	require.NoError(t, opened.Source.Replicate(ctx, ReplicateLive))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 1 && events[len(events)-1].Hash != last.Hash
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplicateTracksByDefault(t *testing.T) {
	ctx := context.Background()
	network := NewMemNetwork()
	owner := testIdentity(t)
	db := newTestDB(t, network, owner, owner, OpenOptions{})
	relay := testIdentity(t)
	newTestDB(t, network, owner, relay, OpenOptions{ReplicateTracksByDefault: true})

	tr := audioTrack(t, 1, owner, 0)
	opened, release, err := db.OpenTrack(ctx, tr)
	require.NoError(t, err)
	defer release()
	require.NoError(t, db.AddTrack(ctx, opened))

	require.NoError(t, opened.Source.WaitForReplicators(ctx))
	require.Eventually(t, func() bool {
		entries, err := opened.Source.ReplicationEntries()
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Hash == relay.Hash() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "relay holds a full window")
}
