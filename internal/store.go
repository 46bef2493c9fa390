package internal

import (
	"context"
	"crypto/ed25519"
)

// This file declares the contract towards the replicated append-only store
// that backs chunk logs and track collections. The production store (its
// persistence format, gossip and indexing) lives outside this module;
// memstore.go provides the in-process reference implementation used by tests
// and the cmd tools.

// Timestamp is the store's causal clock: wall time in nanoseconds plus a
// logical counter that breaks ties when two entries land on the same
// nanosecond value.
type Timestamp struct {
	WallTime uint64
	Logical  uint32
}

// Less orders timestamps by (WallTime, Logical).
func (t Timestamp) Less(o Timestamp) bool {
	if t.WallTime != o.WallTime {
		return t.WallTime < o.WallTime
	}
	return t.Logical < o.Logical
}

// DeliveryTarget hints how a mutation should be delivered.
type DeliveryTarget uint8

const (
	TargetReplicators DeliveryTarget = iota // the replicas assigned to the range
	TargetAll                               // broadcast to all known peers
)

// ReplicationRange declares which slice of a log's time axis a replica holds
// and serves. Offset and Length are in store time units (nanoseconds).
// A range with Factor > 0 instead covers "whatever partition this replica is
// assigned", the store's convention for full replication.
type ReplicationRange struct {
	ID         [32]byte
	Offset     uint64
	Length     uint64
	Factor     float64
	Normalized bool
	Strict     bool
}

// ChunkEntry is a chunk together with its signer and causal timestamp, as
// presented to append predicates.
type ChunkEntry struct {
	Chunk     Chunk
	Signer    ed25519.PublicKey
	Timestamp Timestamp
}

// ChunkLogOptions configures opening a chunk log.
type ChunkLogOptions struct {
	// CanAppend decides whether an entry may join the log. Nil allows all.
	CanAppend func(ChunkEntry) bool
}

// IterOptions selects which replicas an iteration may consult.
type IterOptions struct {
	Local  bool
	Remote bool
}

// ChunkIterator is a lazy ascending-time sequence of chunks. Next blocks when
// the underlying window is unbounded and no data is available yet; it returns
// ErrClosed (wrapped) once the log shuts down.
type ChunkIterator interface {
	// Next returns up to n chunks. An empty result with Done() true means the
	// bounded window is exhausted.
	Next(ctx context.Context, n int) ([]Chunk, error)
	// Done reports whether the iteration has delivered its full bounded window.
	Done() bool
	Close()
}

// ChunkLog is one track's replicated chunk collection.
type ChunkLog interface {
	// Put appends an entry. The entry's timestamp must be strictly greater
	// than any previously appended one.
	Put(ctx context.Context, entry ChunkEntry, target DeliveryTarget) error
	// Iterate returns chunks with Time >= from in ascending time order.
	// Each call creates a fresh sequence.
	Iterate(from uint64, opts IterOptions) ChunkIterator
	// Last returns the highest-time chunk currently visible, if any.
	Last(opts IterOptions) (Chunk, bool)

	// Replicate registers or re-registers a replication range for this
	// replica. Re-registering an existing ID replaces it.
	Replicate(rng ReplicationRange) error
	// ReplicationRange looks up a previously registered range by id.
	ReplicationRange(id [32]byte) (ReplicationRange, bool)
	// ReplicationEntries lists all ranges known across replicas.
	ReplicationEntries() []ReplicatorRange
	// Replicators returns the identity hashes of peers replicating this log.
	Replicators() []string
	// WaitForReplicator blocks until the given identity replicates this log.
	WaitForReplicator(ctx context.Context, key ed25519.PublicKey) error

	// Seal bounds the log's query window: iterations become finite once they
	// deliver every chunk with Time <= endLocal. Called when the owning track
	// ends.
	Seal(endLocal uint64)

	// OnChunk fires for every chunk that becomes visible after subscription.
	OnChunk(fn func(Chunk)) func()
	// OnReplicatorJoin fires when a new identity starts replicating the log.
	OnReplicatorJoin(fn func(hash string)) func()
	// OnReplicationChange fires whenever the replication-range index mutates.
	OnReplicationChange(fn func()) func()

	Close() error
	Closed() bool
}

// ReplicatorRange pairs a replication range with the identity that holds it.
type ReplicatorRange struct {
	Hash  string
	Range ReplicationRange
}

// TrackOp describes a mutation of the track collection for CanPerform hooks.
type TrackOp struct {
	Track  *Track
	Signer ed25519.PublicKey
	Remove bool
}

// TrackSetOptions configures opening a track collection.
type TrackSetOptions struct {
	// CanPerform decides whether a track mutation is allowed. Nil allows all.
	CanPerform func(TrackOp) bool
	// CanOpen permits the generic store machinery to open contained sources
	// implicitly. MediaStreamDB always passes false and opens tracks itself.
	CanOpen bool
}

// TrackSet is the replicated collection of track records for one stream.
type TrackSet interface {
	Put(ctx context.Context, track *Track, signer ed25519.PublicKey, target DeliveryTarget) error
	Remove(ctx context.Context, id [32]byte, signer ed25519.PublicKey) error
	Get(id [32]byte) (*Track, bool)
	// All returns every known track, in insertion order.
	All() []*Track
	// IterateByStart returns tracks with StartTime in [from, to], ascending
	// by StartTime.
	IterateByStart(from, to uint64) []*Track

	OnAdded(fn func(*Track)) func()
	OnRemoved(fn func(*Track)) func()

	Close() error
}

// Store hands out the replicated collections this module builds on.
type Store interface {
	OpenChunkLog(ctx context.Context, id [32]byte, opts ChunkLogOptions) (ChunkLog, error)
	OpenTrackSet(ctx context.Context, id [32]byte, opts TrackSetOptions) (TrackSet, error)
	// Identity is the identity this store handle acts as.
	Identity() *Identity
}
