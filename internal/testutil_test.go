package internal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced microsecond clock.
type fakeClock struct {
	mu sync.Mutex
	t  uint64
}

func (c *fakeClock) now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(us uint64) {
	c.mu.Lock()
	c.t += us
	c.mu.Unlock()
}

// fakeWall is a manually advanced wall clock for source nowFn injection.
type fakeWall struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeWall) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeWall) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := NewIdentity()
	require.NoError(t, err)
	return id
}

func id32(b byte) [32]byte {
	var id [32]byte
	id[0] = b
	return id
}

func u64ptr(v uint64) *uint64 { return &v }

func audioTrack(t *testing.T, idByte byte, sender *Identity, start uint64) *Track {
	t.Helper()
	src := NewAudioSource(id32(idByte), 48000, 2)
	tr, err := NewTrack(TrackArgs{
		ID:     id32(idByte),
		Source: src,
		Sender: sender.PublicKey,
		Start:  u64ptr(start),
	})
	require.NoError(t, err)
	return tr
}

func videoTrack(t *testing.T, idByte byte, sender *Identity, start uint64) *Track {
	t.Helper()
	src := NewVideoSource(id32(idByte), AVCDecoderConfig(SampleSPS, SamplePPS))
	tr, err := NewTrack(TrackArgs{
		ID:     id32(idByte),
		Source: src,
		Sender: sender.PublicKey,
		Start:  u64ptr(start),
	})
	require.NoError(t, err)
	return tr
}
