package internal

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
)

// MemNetwork is the in-process reference implementation of the replicated
// store: a single shared "swarm" that any number of clients join with their
// own identity. Collections opened under the same id by different clients
// share state, which is what the replicated store provides across peers.
//
// It is deterministic and synchronous, which is what the tests and the cmd
// tools need. It is not a persistence layer.
type MemNetwork struct {
	mu        sync.Mutex
	logs      map[[32]byte]*memLog
	trackSets map[[32]byte]*memTrackSet
}

// NewMemNetwork creates an empty in-process swarm.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		logs:      make(map[[32]byte]*memLog),
		trackSets: make(map[[32]byte]*memTrackSet),
	}
}

// Client returns a Store handle acting as the given identity.
func (n *MemNetwork) Client(id *Identity) Store {
	return &memClient{net: n, id: id}
}

type memClient struct {
	net *MemNetwork
	id  *Identity
}

func (c *memClient) Identity() *Identity { return c.id }

func (c *memClient) OpenChunkLog(_ context.Context, id [32]byte, opts ChunkLogOptions) (ChunkLog, error) {
	c.net.mu.Lock()
	log, ok := c.net.logs[id]
	if !ok {
		log = newMemLog()
		c.net.logs[id] = log
	}
	c.net.mu.Unlock()
	return &memLogHandle{
		log:       log,
		id:        c.id,
		canAppend: opts.CanAppend,
	}, nil
}

func (c *memClient) OpenTrackSet(_ context.Context, id [32]byte, opts TrackSetOptions) (TrackSet, error) {
	c.net.mu.Lock()
	set, ok := c.net.trackSets[id]
	if !ok {
		set = newMemTrackSet()
		c.net.trackSets[id] = set
	}
	c.net.mu.Unlock()
	return &memTrackSetHandle{
		set:        set,
		id:         c.id,
		canPerform: opts.CanPerform,
		hydrated:   make(map[[32]byte]*Track),
	}, nil
}

// memLog is the shared per-track chunk collection.
type memLog struct {
	mu      sync.Mutex
	chunks  []chunkRecord
	end     *uint64 // local µs upper bound, set when the track is sealed
	ranges  map[string]map[[32]byte]ReplicationRange
	notify  chan struct{}
	closed  bool
	lastTS  Timestamp
	onChunk *Emitter[Chunk]
	onJoin  *Emitter[string]
	onRepl  *Emitter[struct{}]
}

type chunkRecord struct {
	chunk  Chunk
	signer string
}

func newMemLog() *memLog {
	return &memLog{
		ranges:  make(map[string]map[[32]byte]ReplicationRange),
		notify:  make(chan struct{}),
		onChunk: NewEmitter[Chunk](),
		onJoin:  NewEmitter[string](),
		onRepl:  NewEmitter[struct{}](),
	}
}

// wake closes and replaces the notify channel, releasing blocked iterators.
func (l *memLog) wake() {
	close(l.notify)
	l.notify = make(chan struct{})
}

type memLogHandle struct {
	log       *memLog
	id        *Identity
	canAppend func(ChunkEntry) bool

	mu     sync.Mutex
	closed bool
}

func (h *memLogHandle) Put(_ context.Context, entry ChunkEntry, _ DeliveryTarget) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()
	if h.canAppend != nil && !h.canAppend(entry) {
		return fmt.Errorf("%w for signer %s", ErrAppendDenied, PublicKeyHash(entry.Signer))
	}

	l := h.log
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.lastTS.Less(entry.Timestamp) && len(l.chunks) > 0 {
		l.mu.Unlock()
		return fmt.Errorf("timestamp not increasing: %v after %v", entry.Timestamp, l.lastTS)
	}
	l.lastTS = entry.Timestamp
	rec := chunkRecord{chunk: entry.Chunk, signer: PublicKeyHash(entry.Signer)}
	// Keep chunks sorted by local time, ties in append order; appends are
	// usually in order already.
	i := sort.Search(len(l.chunks), func(i int) bool {
		return l.chunks[i].chunk.Time > rec.chunk.Time
	})
	l.chunks = append(l.chunks, chunkRecord{})
	copy(l.chunks[i+1:], l.chunks[i:])
	l.chunks[i] = rec
	l.wake()
	l.mu.Unlock()

	l.onChunk.Emit(entry.Chunk)
	return nil
}

func (h *memLogHandle) Iterate(from uint64, opts IterOptions) ChunkIterator {
	return &memChunkIterator{h: h, next: from, opts: opts}
}

func (h *memLogHandle) Last(opts IterOptions) (Chunk, bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return Chunk{}, false
	}
	h.mu.Unlock()
	l := h.log
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.chunks) - 1; i >= 0; i-- {
		if h.visible(l.chunks[i], opts) {
			return l.chunks[i].chunk, true
		}
	}
	return Chunk{}, false
}

// visible applies the local/remote selector. Locally visible chunks are the
// ones this identity appended; remote lookups see the whole log.
func (h *memLogHandle) visible(rec chunkRecord, opts IterOptions) bool {
	if opts.Remote {
		return true
	}
	return opts.Local && rec.signer == h.id.Hash()
}

func (h *memLogHandle) Replicate(rng ReplicationRange) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()
	l := h.log
	hash := h.id.Hash()
	l.mu.Lock()
	byID, ok := l.ranges[hash]
	first := !ok
	if first {
		byID = make(map[[32]byte]ReplicationRange)
		l.ranges[hash] = byID
	}
	byID[rng.ID] = rng
	l.mu.Unlock()

	if first {
		l.onJoin.Emit(hash)
	}
	l.onRepl.Emit(struct{}{})
	return nil
}

func (h *memLogHandle) ReplicationRange(id [32]byte) (ReplicationRange, bool) {
	l := h.log
	l.mu.Lock()
	defer l.mu.Unlock()
	rng, ok := l.ranges[h.id.Hash()][id]
	return rng, ok
}

func (h *memLogHandle) ReplicationEntries() []ReplicatorRange {
	l := h.log
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ReplicatorRange
	for hash, byID := range l.ranges {
		for _, rng := range byID {
			out = append(out, ReplicatorRange{Hash: hash, Range: rng})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Range.Offset < out[j].Range.Offset
	})
	return out
}

func (h *memLogHandle) Replicators() []string {
	l := h.log
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.ranges))
	for hash := range l.ranges {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}

func (h *memLogHandle) WaitForReplicator(ctx context.Context, key ed25519.PublicKey) error {
	want := PublicKeyHash(key)
	found := make(chan struct{}, 1)
	unsub := h.log.onJoin.Subscribe(func(hash string) {
		if hash == want {
			select {
			case found <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	h.log.mu.Lock()
	_, present := h.log.ranges[want]
	h.log.mu.Unlock()
	if present {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-found:
		return nil
	}
}

func (h *memLogHandle) Seal(endLocal uint64) {
	l := h.log
	l.mu.Lock()
	if l.end == nil || *l.end < endLocal {
		l.end = &endLocal
	}
	l.wake()
	l.mu.Unlock()
}

func (h *memLogHandle) OnChunk(fn func(Chunk)) func()           { return h.log.onChunk.Subscribe(fn) }
func (h *memLogHandle) OnReplicatorJoin(fn func(string)) func() { return h.log.onJoin.Subscribe(fn) }
func (h *memLogHandle) OnReplicationChange(fn func()) func() {
	return h.log.onRepl.Subscribe(func(struct{}) { fn() })
}

func (h *memLogHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	// Wake any iterators blocked on this log so they observe the closed handle.
	h.log.mu.Lock()
	h.log.wake()
	h.log.mu.Unlock()
	return nil
}

func (h *memLogHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// memChunkIterator walks the shared log in ascending time order. Next blocks
// while the log is open-ended and no chunk at or past the cursor exists yet.
type memChunkIterator struct {
	h      *memLogHandle
	next   uint64 // cursor: smallest chunk time not yet delivered
	opts   IterOptions
	done   bool
	closed bool
}

func (it *memChunkIterator) Next(ctx context.Context, n int) ([]Chunk, error) {
	if it.closed || it.done {
		return nil, nil
	}
	for {
		if it.h.Closed() {
			return nil, ErrClosed
		}
		l := it.h.log
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		var out []Chunk
		for _, rec := range l.chunks {
			if rec.chunk.Time < it.next || !it.h.visible(rec, it.opts) {
				continue
			}
			// A full batch still takes every chunk sharing the last time
			// value, since the cursor advances past that time.
			if len(out) >= n && rec.chunk.Time != out[len(out)-1].Time {
				break
			}
			out = append(out, rec.chunk)
		}
		sealed := l.end != nil
		var end uint64
		if sealed {
			end = *l.end
		}
		wait := l.notify
		l.mu.Unlock()

		if len(out) > 0 {
			it.next = out[len(out)-1].Time + 1
			if sealed && it.next > end {
				it.done = true
			}
			return out, nil
		}
		if sealed && it.next > end {
			it.done = true
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (it *memChunkIterator) Done() bool { return it.done }
func (it *memChunkIterator) Close()    { it.closed = true }

// memTrackSet is the shared track collection for one stream.
type memTrackSet struct {
	mu        sync.Mutex
	order     [][32]byte
	byID      map[[32]byte]*Track
	onAdded   *Emitter[*Track]
	onRemoved *Emitter[*Track]
}

func newMemTrackSet() *memTrackSet {
	return &memTrackSet{
		byID:      make(map[[32]byte]*Track),
		onAdded:   NewEmitter[*Track](),
		onRemoved: NewEmitter[*Track](),
	}
}

type memTrackSetHandle struct {
	set        *memTrackSet
	id         *Identity
	canPerform func(TrackOp) bool

	hmu      sync.Mutex
	hydrated map[[32]byte]*Track
}

// hydrate returns this client's own instance of a stored track record. A
// networked store deserializes records per client; the in-memory store mimics
// that by cloning, so each client opens its own source against its own store
// handle. End-time updates on the stored record propagate into the clone.
func (h *memTrackSetHandle) hydrate(t *Track) *Track {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	local, ok := h.hydrated[t.ID]
	if !ok {
		local = &Track{
			ID:        t.ID,
			Source:    cloneTrackSource(t.Source),
			StartTime: t.StartTime,
			Sender:    t.Sender,
		}
		h.hydrated[t.ID] = local
	}
	if end := t.EndTime(); end != nil {
		local.SetEnd(end)
	}
	return local
}

func cloneTrackSource(src TrackSource) TrackSource {
	switch s := src.(type) {
	case *AudioSource:
		return NewAudioSource(s.ID(), s.SampleRate, s.Channels)
	case *VideoSource:
		return NewVideoSource(s.ID(), s.DecoderConfig)
	default:
		return src
	}
}

// Put adds or updates a track record. Updates re-emit the added event, which
// is how "track changed" notifications surface.
func (h *memTrackSetHandle) Put(_ context.Context, track *Track, signer ed25519.PublicKey, _ DeliveryTarget) error {
	if h.canPerform != nil && !h.canPerform(TrackOp{Track: track, Signer: signer}) {
		return fmt.Errorf("%w: track put by %s", ErrAppendDenied, PublicKeyHash(signer))
	}
	s := h.set
	s.mu.Lock()
	if _, ok := s.byID[track.ID]; !ok {
		s.order = append(s.order, track.ID)
	}
	s.byID[track.ID] = track
	s.mu.Unlock()
	s.onAdded.Emit(track)
	return nil
}

func (h *memTrackSetHandle) Remove(_ context.Context, id [32]byte, signer ed25519.PublicKey) error {
	s := h.set
	s.mu.Lock()
	track, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return ErrTrackNotFound
	}
	if h.canPerform != nil && !h.canPerform(TrackOp{Track: track, Signer: signer, Remove: true}) {
		return fmt.Errorf("%w: track remove by %s", ErrAppendDenied, PublicKeyHash(signer))
	}
	s.mu.Lock()
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.onRemoved.Emit(track)
	return nil
}

func (h *memTrackSetHandle) Get(id [32]byte) (*Track, bool) {
	s := h.set
	s.mu.Lock()
	t, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return h.hydrate(t), true
}

func (h *memTrackSetHandle) All() []*Track {
	s := h.set
	s.mu.Lock()
	stored := make([]*Track, 0, len(s.order))
	for _, id := range s.order {
		stored = append(stored, s.byID[id])
	}
	s.mu.Unlock()
	out := make([]*Track, len(stored))
	for i, t := range stored {
		out[i] = h.hydrate(t)
	}
	return out
}

func (h *memTrackSetHandle) IterateByStart(from, to uint64) []*Track {
	var out []*Track
	for _, t := range h.All() {
		if t.StartTime >= from && t.StartTime <= to {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime < out[j].StartTime
	})
	return out
}

func (h *memTrackSetHandle) OnAdded(fn func(*Track)) func() {
	return h.set.onAdded.Subscribe(func(t *Track) { fn(h.hydrate(t)) })
}

func (h *memTrackSetHandle) OnRemoved(fn func(*Track)) func() {
	return h.set.onRemoved.Subscribe(func(t *Track) {
		local := h.hydrate(t)
		h.hmu.Lock()
		delete(h.hydrated, t.ID)
		h.hmu.Unlock()
		fn(local)
	})
}

func (h *memTrackSetHandle) Close() error { return nil }
