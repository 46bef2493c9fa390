package internal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// ReplicationInfo is emitted whenever the replication-range index of a
// track's chunk log changes shape. Hash fingerprints the full entry set, so
// consumers can dedupe redundant change notifications.
type ReplicationInfo struct {
	Track *Track
	Hash  uint64
}

// MediaStreamDBArgs configures a stream database.
type MediaStreamDBArgs struct {
	ID     [32]byte
	Owner  ed25519.PublicKey
	Store  Store
	Logger *slog.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// OpenOptions configures MediaStreamDB.Open.
type OpenOptions struct {
	// ReplicateTracksByDefault makes this node open and fully replicate every
	// track announced in the collection, turning it into a relay.
	ReplicateTracksByDefault bool
}

// MediaStreamDB is one stream: a replicated collection of track records plus
// the stream-wide maximum known media time, which positional playback uses as
// its denominator.
type MediaStreamDB struct {
	ID     [32]byte
	Owner  ed25519.PublicKey
	logger *slog.Logger

	store   Store
	metrics *Metrics
	group   singleflight.Group

	mu         sync.Mutex
	tracks     TrackSet
	open       map[[32]byte]*openTrack
	maxTime    uint64
	maxTimeSet bool
	closed     bool
	cleanup    []func()

	maxTimeEvents *Emitter[uint64]
	replEvents    *Emitter[ReplicationInfo]
}

type openTrack struct {
	track *Track
	refs  int
}

// NewMediaStreamDB creates a stream database. Call Open before use.
func NewMediaStreamDB(args MediaStreamDBArgs) (*MediaStreamDB, error) {
	if args.Store == nil {
		return nil, fmt.Errorf("mediastreamdb: no store")
	}
	if len(args.Owner) == 0 {
		args.Owner = args.Store.Identity().PublicKey
	}
	logger := args.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaStreamDB{
		ID:            args.ID,
		Owner:         args.Owner,
		logger:        logger.With("stream", shortID(args.ID)),
		store:         args.Store,
		metrics:       args.Metrics,
		open:          make(map[[32]byte]*openTrack),
		maxTimeEvents: NewEmitter[uint64](),
		replEvents:    NewEmitter[ReplicationInfo](),
	}, nil
}

// Open opens the track collection. Mutations are accepted only when signed by
// the stream owner or, for a track's own record, by the track's sender.
func (db *MediaStreamDB) Open(ctx context.Context, opts OpenOptions) error {
	db.mu.Lock()
	if db.tracks != nil {
		db.mu.Unlock()
		return ErrAlreadyOpen
	}
	db.mu.Unlock()

	ts, err := db.store.OpenTrackSet(ctx, db.ID, TrackSetOptions{
		CanPerform: func(op TrackOp) bool {
			if SameKey(op.Signer, db.Owner) {
				return true
			}
			return op.Track != nil && SameKey(op.Signer, op.Track.Sender)
		},
	})
	if err != nil {
		return fmt.Errorf("could not open track collection: %w", err)
	}
	db.mu.Lock()
	db.tracks = ts
	db.mu.Unlock()

	if opts.ReplicateTracksByDefault {
		db.replicateByDefault(ctx)
	}
	return nil
}

// replicateByDefault opens and fully replicates every current and future
// track. Releases happen when the track record is removed or the db closes.
// Tracks that already existed when the database opened are only reopened;
// their "all" replication window was persisted in an earlier session and
// registering it again would be redundant.
func (db *MediaStreamDB) replicateByDefault(ctx context.Context) {
	releases := make(map[[32]byte]func())
	var mu sync.Mutex

	hold := func(t *Track, replicate bool) {
		mu.Lock()
		_, held := releases[t.ID]
		mu.Unlock()
		if held {
			return
		}
		opened, release, err := db.OpenTrack(ctx, t)
		if err != nil {
			db.logger.Warn("could not open track for replication",
				"track", shortID(t.ID), "err", err)
			return
		}
		if replicate {
			if err := opened.Source.Replicate(ctx, ReplicateAll); err != nil {
				db.logger.Warn("could not replicate track",
					"track", shortID(t.ID), "err", err)
				release()
				return
			}
		}
		mu.Lock()
		releases[t.ID] = release
		mu.Unlock()
	}
	drop := func(t *Track) {
		mu.Lock()
		release := releases[t.ID]
		delete(releases, t.ID)
		mu.Unlock()
		if release != nil {
			release()
		}
	}

	unsubAdd := db.tracks.OnAdded(func(t *Track) { hold(t, true) })
	unsubRem := db.tracks.OnRemoved(drop)
	for _, t := range db.tracks.All() {
		hold(t, false)
	}

	db.mu.Lock()
	db.cleanup = append(db.cleanup, func() {
		unsubAdd()
		unsubRem()
		mu.Lock()
		all := releases
		releases = map[[32]byte]func(){}
		mu.Unlock()
		for _, release := range all {
			release()
		}
	})
	db.mu.Unlock()
}

// AddTrack announces a track in the collection.
func (db *MediaStreamDB) AddTrack(ctx context.Context, t *Track) error {
	set, err := db.trackSet()
	if err != nil {
		return err
	}
	return set.Put(ctx, t, db.store.Identity().PublicKey, TargetAll)
}

// RemoveTrack withdraws a track from the collection.
func (db *MediaStreamDB) RemoveTrack(ctx context.Context, id [32]byte) error {
	set, err := db.trackSet()
	if err != nil {
		return err
	}
	return set.Remove(ctx, id, db.store.Identity().PublicKey)
}

// GetTrack looks up a track record by id.
func (db *MediaStreamDB) GetTrack(id [32]byte) (*Track, bool) {
	set, err := db.trackSet()
	if err != nil {
		return nil, false
	}
	return set.Get(id)
}

// GetLatest returns the live (open-ended) tracks, newest start time first.
func (db *MediaStreamDB) GetLatest() []*Track {
	set, err := db.trackSet()
	if err != nil {
		return nil
	}
	var live []*Track
	for _, t := range set.All() {
		if !t.Ended() {
			live = append(live, t)
		}
	}
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].StartTime > live[j-1].StartTime; j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}
	return live
}

// TracksByStart returns tracks starting within [from, to], ascending.
func (db *MediaStreamDB) TracksByStart(from, to uint64) []*Track {
	set, err := db.trackSet()
	if err != nil {
		return nil
	}
	return set.IterateByStart(from, to)
}

// OpenTrack opens the canonical instance of a track, reference counted:
// concurrent opens of the same track share one underlying source, and the
// source closes when the last release fires.
func (db *MediaStreamDB) OpenTrack(ctx context.Context, t *Track) (*Track, func(), error) {
	key := hex.EncodeToString(t.ID[:])
	var ot *openTrack
	for attempt := 0; ot == nil; attempt++ {
		if attempt == 3 {
			return nil, nil, fmt.Errorf("could not open track %s: lost the open/close race repeatedly", shortID(t.ID))
		}
		_, err, _ := db.group.Do(key, func() (interface{}, error) {
			db.mu.Lock()
			if db.closed {
				db.mu.Unlock()
				return nil, ErrClosed
			}
			_, ok := db.open[t.ID]
			db.mu.Unlock()
			if ok {
				return nil, nil
			}
			if err := t.Open(ctx, db.store); err != nil {
				return nil, err
			}
			db.mu.Lock()
			db.open[t.ID] = &openTrack{track: t}
			db.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, nil, err
		}
		db.mu.Lock()
		ot = db.open[t.ID]
		if ot == nil {
			// Lost a race with a concurrent full release; go again.
			db.mu.Unlock()
		}
	}
	ot.refs++
	db.metrics.ObserveActiveTracks(len(db.open))
	db.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			db.mu.Lock()
			ot.refs--
			last := ot.refs == 0
			if last {
				delete(db.open, t.ID)
			}
			db.metrics.ObserveActiveTracks(len(db.open))
			db.mu.Unlock()
			if last {
				if err := ot.track.Close(); err != nil && !IsClosedErr(err) {
					db.logger.Warn("could not close track",
						"track", shortID(t.ID), "err", err)
				}
			}
		})
	}
	return ot.track, release, nil
}

// MaxTime returns the highest known media time, if any is known yet.
func (db *MediaStreamDB) MaxTime() (uint64, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.maxTime, db.maxTimeSet
}

// MaybeUpdateMaxTime ratchets the max time up to candidate. Lower or equal
// candidates are ignored. Returns whether the value changed.
func (db *MediaStreamDB) MaybeUpdateMaxTime(candidate uint64) bool {
	db.mu.Lock()
	if db.maxTimeSet && candidate <= db.maxTime {
		db.mu.Unlock()
		return false
	}
	db.maxTime = candidate
	db.maxTimeSet = true
	db.mu.Unlock()
	db.metrics.ObserveMaxTime(candidate)
	db.maxTimeEvents.Emit(candidate)
	return true
}

// OnMaxTimeChange registers a listener for max-time updates.
func (db *MediaStreamDB) OnMaxTimeChange(fn func(uint64)) func() {
	return db.maxTimeEvents.Subscribe(fn)
}

// OnReplicationInfo registers a listener for replication-index changes.
func (db *MediaStreamDB) OnReplicationInfo(fn func(ReplicationInfo)) func() {
	return db.replEvents.Subscribe(fn)
}

// ListenForMaxTimeChanges keeps the max time current by following chunk
// arrivals on every live track. With keepOpen the watched tracks stay open
// for the caller after stop; otherwise stop releases them. Stopping also
// resets the max time, since it stops being maintained.
func (db *MediaStreamDB) ListenForMaxTimeChanges(ctx context.Context, keepOpen bool) (func(), error) {
	if _, err := db.trackSet(); err != nil {
		return nil, err
	}

	type watched struct {
		track   *Track
		release func()
		unsubs  []func()
	}
	var (
		mu     sync.Mutex
		tracks = make(map[[32]byte]*watched)
	)

	queue := NewTaskQueue(func() {
		mu.Lock()
		snapshot := make([]*Track, 0, len(tracks))
		for _, w := range tracks {
			snapshot = append(snapshot, w.track)
		}
		mu.Unlock()
		for _, t := range snapshot {
			if end := t.EndTime(); end != nil {
				db.MaybeUpdateMaxTime(*end)
				continue
			}
			if c, ok := t.Source.Last(IterOptions{Local: true, Remote: true}); ok {
				db.MaybeUpdateMaxTime(t.StartTime + c.Time)
			}
		}
	})

	watch := func(t *Track) {
		mu.Lock()
		_, known := tracks[t.ID]
		mu.Unlock()
		if known || t.Ended() {
			if t.Ended() {
				if end := t.EndTime(); end != nil {
					db.MaybeUpdateMaxTime(*end)
				}
			}
			queue.Trigger()
			return
		}
		opened, release, err := db.OpenTrack(ctx, t)
		if err != nil {
			db.logger.Warn("could not open track for max time tracking",
				"track", shortID(t.ID), "err", err)
			return
		}
		w := &watched{track: opened, release: release}
		if unsub, err := opened.Source.OnChunk(func(Chunk) { queue.Trigger() }); err == nil {
			w.unsubs = append(w.unsubs, unsub)
		}
		if unsub, err := opened.Source.OnReplicatorJoin(func(string) { queue.Trigger() }); err == nil {
			w.unsubs = append(w.unsubs, unsub)
		}
		mu.Lock()
		tracks[t.ID] = w
		mu.Unlock()
		queue.Trigger()
	}
	unwatch := func(t *Track) {
		mu.Lock()
		w := tracks[t.ID]
		delete(tracks, t.ID)
		mu.Unlock()
		if w == nil {
			return
		}
		for _, unsub := range w.unsubs {
			unsub()
		}
		if !keepOpen {
			w.release()
		}
	}

	set, _ := db.trackSet()
	unsubAdd := set.OnAdded(watch)
	unsubRem := set.OnRemoved(unwatch)
	for _, t := range set.All() {
		watch(t)
	}

	// No live tracks at all: fall back to the latest closed track's end.
	mu.Lock()
	empty := len(tracks) == 0
	mu.Unlock()
	if empty {
		var latest uint64
		var found bool
		for _, t := range set.All() {
			if end := t.EndTime(); end != nil && (!found || *end > latest) {
				latest = *end
				found = true
			}
		}
		if found {
			db.MaybeUpdateMaxTime(latest)
		}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsubAdd()
			unsubRem()
			queue.Close()
			mu.Lock()
			all := tracks
			tracks = map[[32]byte]*watched{}
			mu.Unlock()
			for _, w := range all {
				for _, unsub := range w.unsubs {
					unsub()
				}
				if !keepOpen {
					w.release()
				}
			}
			db.mu.Lock()
			db.maxTime = 0
			db.maxTimeSet = false
			db.mu.Unlock()
		})
	}
	db.mu.Lock()
	db.cleanup = append(db.cleanup, stop)
	db.mu.Unlock()
	return stop, nil
}

// ListenForReplicationInfo emits a ReplicationInfo event whenever a live
// track's replication index changes. Failures here are logged and dropped;
// replication info is observational and never gates playback.
func (db *MediaStreamDB) ListenForReplicationInfo(ctx context.Context) (func(), error) {
	set, err := db.trackSet()
	if err != nil {
		return nil, err
	}

	type watched struct {
		release  func()
		unsub    func()
		lastHash uint64
	}
	var (
		mu     sync.Mutex
		tracks = make(map[[32]byte]*watched)
	)

	publish := func(t *Track, w *watched) {
		entries, err := t.Source.ReplicationEntries()
		if err != nil {
			db.logger.Debug("could not read replication entries",
				"track", shortID(t.ID), "err", err)
			return
		}
		h := hashReplicationEntries(entries)
		mu.Lock()
		changed := w.lastHash != h
		w.lastHash = h
		mu.Unlock()
		if !changed {
			return
		}
		holders := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			holders[e.Hash] = struct{}{}
		}
		db.metrics.ObserveReplicators(t.ID, len(holders))
		db.replEvents.Emit(ReplicationInfo{Track: t, Hash: h})
	}

	watch := func(t *Track) {
		if t.Ended() {
			return
		}
		mu.Lock()
		_, known := tracks[t.ID]
		mu.Unlock()
		if known {
			return
		}
		opened, release, err := db.OpenTrack(ctx, t)
		if err != nil {
			db.logger.Debug("could not open track for replication info",
				"track", shortID(t.ID), "err", err)
			return
		}
		w := &watched{release: release}
		unsub, err := opened.Source.OnReplicationChange(func() { publish(opened, w) })
		if err != nil {
			release()
			return
		}
		w.unsub = unsub
		mu.Lock()
		tracks[t.ID] = w
		mu.Unlock()
		publish(opened, w)
	}
	unwatch := func(t *Track) {
		mu.Lock()
		w := tracks[t.ID]
		delete(tracks, t.ID)
		mu.Unlock()
		if w == nil {
			return
		}
		w.unsub()
		w.release()
	}

	unsubAdd := set.OnAdded(watch)
	unsubRem := set.OnRemoved(unwatch)
	for _, t := range set.All() {
		watch(t)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsubAdd()
			unsubRem()
			mu.Lock()
			all := tracks
			tracks = map[[32]byte]*watched{}
			mu.Unlock()
			for _, w := range all {
				w.unsub()
				w.release()
			}
		})
	}
	db.mu.Lock()
	db.cleanup = append(db.cleanup, stop)
	db.mu.Unlock()
	return stop, nil
}

// SetEnd closes a track: records its end time, shrinks its live replication
// window to the elapsed length and broadcasts the updated record. A track
// that already ended is left untouched.
func (db *MediaStreamDB) SetEnd(ctx context.Context, t *Track, end *uint64) error {
	set, err := db.trackSet()
	if err != nil {
		return err
	}
	if t.Ended() {
		return nil
	}
	if !t.SetEnd(end) {
		return nil
	}
	if err := t.Source.EndPreviousLivestreamSubscription(ctx); err != nil {
		if !errors.Is(err, ErrMissingLiveSegment) && !IsClosedErr(err) {
			db.logger.Warn("could not end live subscription",
				"track", shortID(t.ID), "err", err)
		}
	}
	if err := set.Put(ctx, t, db.store.Identity().PublicKey, TargetAll); err != nil {
		return fmt.Errorf("could not broadcast track end: %w", err)
	}
	if e := t.EndTime(); e != nil {
		db.MaybeUpdateMaxTime(*e)
	}
	return nil
}

// Metrics returns the instrumentation set, possibly nil.
func (db *MediaStreamDB) Metrics() *Metrics { return db.metrics }

// Close shuts down listeners, releases held tracks and closes the track
// collection. Close is idempotent.
func (db *MediaStreamDB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	cleanup := db.cleanup
	db.cleanup = nil
	set := db.tracks
	db.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}
	if set != nil {
		return set.Close()
	}
	return nil
}

func (db *MediaStreamDB) trackSet() (TrackSet, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if db.tracks == nil {
		return nil, ErrNotOpen
	}
	return db.tracks, nil
}

// hashReplicationEntries fingerprints a replication index so consumers can
// cheaply detect real changes among redundant notifications.
func hashReplicationEntries(entries []ReplicatorRange) uint64 {
	sorted := make([]ReplicatorRange, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Hash != sorted[j].Hash {
			return sorted[i].Hash < sorted[j].Hash
		}
		return bytes.Compare(sorted[i].Range.ID[:], sorted[j].Range.ID[:]) < 0
	})
	entries = sorted
	d := xxhash.New()
	var buf [8]byte
	for _, e := range entries {
		_, _ = d.WriteString(e.Hash)
		_, _ = d.Write(e.Range.ID[:])
		binary.BigEndian.PutUint64(buf[:], e.Range.Offset)
		_, _ = d.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], e.Range.Length)
		_, _ = d.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(e.Range.Factor*1000))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
