package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
)

// Track wraps a TrackSource with its position on the stream's time axis and
// the identity allowed to append to it. StartTime and EndTime are in
// microseconds since the stream's time origin. A track with no EndTime is
// live/open; setting EndTime is a one-way transition to closed/finite.
type Track struct {
	ID        [32]byte
	Source    TrackSource
	StartTime uint64
	Sender    ed25519.PublicKey

	mu        sync.Mutex
	endTime   *uint64
	origin    *uint64
	now       Clock
	createdAt uint64

	// causal ordering state for Put
	lastWall uint64
	logical  uint32
}

// TrackArgs configures a new track. Either Start or TimeOrigin must be given;
// with only TimeOrigin the start is derived as "now minus origin".
type TrackArgs struct {
	ID         [32]byte
	Source     TrackSource
	Sender     ed25519.PublicKey
	Start      *uint64
	TimeOrigin *uint64
	Now        Clock
}

// NewTrack creates a track record. It does not open the source.
func NewTrack(args TrackArgs) (*Track, error) {
	now := args.Now
	if now == nil {
		now = SystemClock
	}
	var start uint64
	switch {
	case args.Start != nil:
		start = *args.Start
	case args.TimeOrigin != nil:
		start = now() - *args.TimeOrigin
	default:
		return nil, ErrMissingStartTime
	}
	id := args.ID
	if id == ([32]byte{}) {
		if _, err := rand.Read(id[:]); err != nil {
			return nil, fmt.Errorf("could not generate track id: %w", err)
		}
	}
	if args.Source == nil {
		return nil, fmt.Errorf("track %s has no source", shortID(id))
	}
	return &Track{
		ID:        id,
		Source:    args.Source,
		StartTime: start,
		Sender:    args.Sender,
		origin:    args.TimeOrigin,
		now:       now,
		createdAt: now(),
	}, nil
}

// Kind returns the media kind of the underlying source.
func (t *Track) Kind() MediaKind {
	return t.Source.Kind()
}

// Open opens the track's source. The broadcaster always replicates its own
// output, so when the store identity equals the track sender, streamer
// replication is started as well.
func (t *Track) Open(ctx context.Context, store Store) error {
	if err := t.Source.Open(ctx, store, t.Sender, t.StartTime); err != nil {
		return fmt.Errorf("could not open track %s: %w", shortID(t.ID), err)
	}
	if SameKey(store.Identity().PublicKey, t.Sender) {
		if err := t.Source.Replicate(ctx, ReplicateStreamer); err != nil {
			return fmt.Errorf("could not start streamer replication for track %s: %w", shortID(t.ID), err)
		}
	}
	return nil
}

// Close closes the track's source.
func (t *Track) Close() error {
	return t.Source.Close()
}

// Put appends a chunk. The store's causal timestamp is derived from the
// chunk's absolute time; a logical counter increments whenever two
// consecutive chunks map to the same wall value, so (wallTime, logical) stays
// strictly increasing even under a coarse clock.
func (t *Track) Put(ctx context.Context, c Chunk, target DeliveryTarget) error {
	t.mu.Lock()
	wall := (t.StartTime + c.Time) * 1000
	if wall == t.lastWall {
		t.logical++
	} else {
		t.lastWall = wall
		t.logical = 0
	}
	ts := Timestamp{WallTime: wall, Logical: t.logical}
	t.mu.Unlock()
	return t.Source.Append(ctx, c, ts, target)
}

// EndTime returns the track's end time, or nil while the track is live.
func (t *Track) EndTime() *uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endTime == nil {
		return nil
	}
	v := *t.endTime
	return &v
}

// Ended reports whether the track has a finite end.
func (t *Track) Ended() bool {
	return t.EndTime() != nil
}

// SetEnd sets the track's end time, or derives "now" when end is nil.
// The end time is monotonic: it never moves backwards and never precedes the
// start time. Returns whether the stored value changed.
func (t *Track) SetEnd(end *uint64) bool {
	t.mu.Lock()
	var v uint64
	switch {
	case end != nil:
		v = *end
	case t.origin != nil:
		v = t.now() - *t.origin
	default:
		v = t.StartTime + (t.now() - t.createdAt)
	}
	if v < t.StartTime {
		v = t.StartTime
	}
	if t.endTime != nil && v <= *t.endTime {
		t.mu.Unlock()
		return false
	}
	t.endTime = &v
	start := t.StartTime
	t.mu.Unlock()

	// Bound ongoing iterations over the chunk log.
	t.Source.Seal(v - start)
	return true
}

// Covers reports whether the given stream time falls within the track.
func (t *Track) Covers(at uint64) bool {
	if at < t.StartTime {
		return false
	}
	end := t.EndTime()
	return end == nil || at < *end
}
