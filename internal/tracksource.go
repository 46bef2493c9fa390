package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MediaKind separates track sources by media type.
type MediaKind uint8

const (
	KindAudio MediaKind = iota
	KindVideo
)

func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

const (
	// liveWindowLength is the nominal length of a live replication window in
	// store time units (ns). Deliberately over-provisioned; the window is
	// shrunk to the real elapsed time when the live subscription ends.
	liveWindowLength = uint64(24*time.Hour) / uint64(time.Nanosecond)

	// waitForTimeout bounds WaitForReplicators / WaitForStreamer.
	waitForTimeout = 5 * time.Second
)

// ReplicationMode selects which slice of a track's timeline this replica
// declares it will hold.
type ReplicationMode uint8

const (
	ReplicateOff      ReplicationMode = iota // end any live window
	ReplicateLive                            // open-ended window just past the last known chunk
	ReplicateStreamer                        // everything assigned (used by the broadcaster)
	ReplicateAll                             // everything assigned (used by default replication)
)

func (m ReplicationMode) String() string {
	switch m {
	case ReplicateLive:
		return "live"
	case ReplicateStreamer:
		return "streamer"
	case ReplicateAll:
		return "all"
	default:
		return "off"
	}
}

// LiveWindow is the transient in-memory state of the currently open live
// replication window. At most one live window exists per track per replica;
// ending it is a precondition for a clean handoff to a new one.
type LiveWindow struct {
	ID        [32]byte
	StartedAt time.Time
	Offset    uint64
}

// TrackSource owns one track's replicated chunk collection.
type TrackSource interface {
	Kind() MediaKind
	ID() [32]byte
	Sender() ed25519.PublicKey
	StartTime() uint64

	// Open binds sender identity and start time and opens the underlying
	// chunk log with an append predicate "only if signed by sender".
	Open(ctx context.Context, store Store, sender ed25519.PublicKey, startTime uint64) error
	Close() error

	Append(ctx context.Context, c Chunk, ts Timestamp, target DeliveryTarget) error
	Iterate(from uint64, opts IterOptions) (ChunkIterator, error)
	Last(opts IterOptions) (Chunk, bool)
	Seal(endLocal uint64)

	Replicate(ctx context.Context, mode ReplicationMode) error
	EndPreviousLivestreamSubscription(ctx context.Context) error
	Live() *LiveWindow

	WaitForReplicators(ctx context.Context) error
	WaitForStreamer(ctx context.Context) error

	OnChunk(fn func(Chunk)) (func(), error)
	OnReplicatorJoin(fn func(hash string)) (func(), error)
	OnReplicationChange(fn func()) (func(), error)
	ReplicationEntries() ([]ReplicatorRange, error)

	// Description reports codec-level metadata for selection UIs.
	Description() (MediaDescription, error)
}

// mediaSource carries the state shared by the audio and video variants.
type mediaSource struct {
	id     [32]byte
	logger *slog.Logger

	mu        sync.Mutex
	log       ChunkLog
	sender    ed25519.PublicKey
	signAs    ed25519.PublicKey
	startTime uint64
	live      *LiveWindow

	nowFn func() time.Time // wall clock, replaceable in tests
}

// AudioSource is a track source for one audio substream.
type AudioSource struct {
	mediaSource
	SampleRate uint32
	Channels   uint8
}

// VideoSource is a track source for one video substream. DecoderConfig is an
// AVC decoder configuration record (avcC payload).
type VideoSource struct {
	mediaSource
	DecoderConfig []byte
}

// NewAudioSource creates an unopened audio source for the given track id.
func NewAudioSource(id [32]byte, sampleRate uint32, channels uint8) *AudioSource {
	return &AudioSource{
		mediaSource: newMediaSource(id),
		SampleRate:  sampleRate,
		Channels:    channels,
	}
}

// NewVideoSource creates an unopened video source for the given track id.
func NewVideoSource(id [32]byte, decoderConfig []byte) *VideoSource {
	return &VideoSource{
		mediaSource:   newMediaSource(id),
		DecoderConfig: decoderConfig,
	}
}

func newMediaSource(id [32]byte) mediaSource {
	return mediaSource{
		id:     id,
		logger: slog.Default(),
		nowFn:  time.Now,
	}
}

func (s *AudioSource) Kind() MediaKind { return KindAudio }
func (s *VideoSource) Kind() MediaKind { return KindVideo }

func (s *mediaSource) ID() [32]byte { return s.id }

func (s *mediaSource) Sender() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

func (s *mediaSource) StartTime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Live returns the currently open live window, or nil.
func (s *mediaSource) Live() *LiveWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		return nil
	}
	lw := *s.live
	return &lw
}

func (s *mediaSource) Open(ctx context.Context, store Store, sender ed25519.PublicKey, startTime uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil {
		return ErrAlreadyOpen
	}
	log, err := store.OpenChunkLog(ctx, s.id, ChunkLogOptions{
		CanAppend: func(entry ChunkEntry) bool {
			return SameKey(entry.Signer, sender)
		},
	})
	if err != nil {
		return fmt.Errorf("could not open chunk log: %w", err)
	}
	s.log = log
	s.sender = sender
	s.signAs = store.Identity().PublicKey
	s.startTime = startTime
	return nil
}

// Close finalizes any open live window before closing the log. A live window
// left open would keep declaring the full nominal length for time this
// replica no longer serves.
func (s *mediaSource) Close() error {
	if err := s.EndPreviousLivestreamSubscription(context.Background()); err != nil && !IsClosedErr(err) {
		s.logger.Warn("could not finalize live window on close",
			"track", shortID(s.id), "err", err)
	}
	s.mu.Lock()
	log := s.log
	s.log = nil
	s.live = nil
	s.mu.Unlock()
	if log == nil {
		return nil
	}
	return log.Close()
}

func (s *mediaSource) openLog() (ChunkLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil, ErrNotOpen
	}
	return s.log, nil
}

func (s *mediaSource) Append(ctx context.Context, c Chunk, ts Timestamp, target DeliveryTarget) error {
	log, err := s.openLog()
	if err != nil {
		return err
	}
	s.mu.Lock()
	signer := s.signAs
	s.mu.Unlock()
	return log.Put(ctx, ChunkEntry{Chunk: c, Signer: signer, Timestamp: ts}, target)
}

func (s *mediaSource) Iterate(from uint64, opts IterOptions) (ChunkIterator, error) {
	log, err := s.openLog()
	if err != nil {
		return nil, err
	}
	return log.Iterate(from, opts), nil
}

// Last returns the highest-time chunk currently visible. A missing chunk is
// not an error; the source may be mid-close.
func (s *mediaSource) Last(opts IterOptions) (Chunk, bool) {
	log, err := s.openLog()
	if err != nil {
		return Chunk{}, false
	}
	return log.Last(opts)
}

func (s *mediaSource) Seal(endLocal uint64) {
	log, err := s.openLog()
	if err != nil {
		return
	}
	log.Seal(endLocal)
}

// Replicate declares which slice of the track's timeline this replica holds.
// ReplicateLive reuses a fixed window id, so calling it twice does not create
// two live windows, but it always reseeds the window's start bookkeeping;
// callers intending a clean handoff must end the previous live window first.
func (s *mediaSource) Replicate(ctx context.Context, mode ReplicationMode) error {
	switch mode {
	case ReplicateOff:
		return s.EndPreviousLivestreamSubscription(ctx)
	case ReplicateLive:
		log, err := s.openLog()
		if err != nil {
			return err
		}
		lastTime := uint64(0)
		if last, ok := log.Last(IterOptions{Local: true, Remote: true}); ok {
			lastTime = last.Time
		}
		s.mu.Lock()
		// Skip past the last known chunk so a fresh live session does not
		// re-deliver history.
		offset := (s.startTime + lastTime + 1) * 1000
		rng := ReplicationRange{
			ID:     s.liveWindowID(),
			Offset: offset,
			Length: liveWindowLength,
			Strict: true,
		}
		s.live = &LiveWindow{ID: rng.ID, StartedAt: s.nowFn(), Offset: offset}
		s.mu.Unlock()
		if err := log.Replicate(rng); err != nil {
			return fmt.Errorf("could not open live window: %w", err)
		}
		s.logger.Debug("opened live replication window", "track", shortID(s.id), "offset", offset)
		return nil
	case ReplicateStreamer, ReplicateAll:
		log, err := s.openLog()
		if err != nil {
			return err
		}
		rng := ReplicationRange{ID: s.fullWindowID(), Factor: 1}
		if err := log.Replicate(rng); err != nil {
			return fmt.Errorf("could not open full replication window: %w", err)
		}
		s.logger.Debug("replicating full assignment", "track", shortID(s.id), "mode", mode.String())
		return nil
	default:
		return fmt.Errorf("unknown replication mode %d", mode)
	}
}

// EndPreviousLivestreamSubscription finalizes the open live window by
// shrinking its length to the elapsed wall time since it opened. A no-op when
// no live window is open. A registered window that cannot be found indicates
// corrupted local state and is fatal to the operation.
func (s *mediaSource) EndPreviousLivestreamSubscription(_ context.Context) error {
	s.mu.Lock()
	live := s.live
	log := s.log
	s.mu.Unlock()
	if live == nil {
		return nil
	}
	if log == nil {
		return ErrNotOpen
	}
	rng, ok := log.ReplicationRange(live.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingLiveSegment, shortID(live.ID))
	}
	elapsed := s.nowFn().Sub(live.StartedAt)
	rng.Length = uint64(elapsed.Nanoseconds())
	rng.Strict = true
	if err := log.Replicate(rng); err != nil {
		return fmt.Errorf("could not finalize live window: %w", err)
	}
	s.mu.Lock()
	s.live = nil
	s.mu.Unlock()
	s.logger.Debug("finalized live replication window",
		"track", shortID(s.id), "offset", rng.Offset, "length", rng.Length)
	return nil
}

// WaitForReplicators blocks until at least one replica holds data for this
// track, or fails with ErrNoReplicators after the fixed timeout. Recoverable;
// callers retry or surface it.
func (s *mediaSource) WaitForReplicators(ctx context.Context) error {
	log, err := s.openLog()
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, waitForTimeout)
	defer cancel()

	joined := make(chan struct{}, 1)
	unsub := log.OnReplicatorJoin(func(string) {
		select {
		case joined <- struct{}{}:
		default:
		}
	})
	defer unsub()

	if len(log.Replicators()) > 0 {
		return nil
	}
	select {
	case <-joined:
		return nil
	case <-wctx.Done():
		return fmt.Errorf("%w for track %s", ErrNoReplicators, shortID(s.id))
	}
}

// WaitForStreamer blocks until the sender itself is known to hold data for
// this track, or fails with ErrSenderNotAvailable after the fixed timeout.
// Cancellation of the caller's context passes through unchanged.
func (s *mediaSource) WaitForStreamer(ctx context.Context) error {
	log, err := s.openLog()
	if err != nil {
		return err
	}
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, waitForTimeout)
	defer cancel()
	switch err := log.WaitForReplicator(wctx, sender); {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w for track %s", ErrSenderNotAvailable, shortID(s.id))
	default:
		return fmt.Errorf("wait for streamer: %w", err)
	}
}

func (s *mediaSource) OnChunk(fn func(Chunk)) (func(), error) {
	log, err := s.openLog()
	if err != nil {
		return nil, err
	}
	return log.OnChunk(fn), nil
}

func (s *mediaSource) OnReplicatorJoin(fn func(string)) (func(), error) {
	log, err := s.openLog()
	if err != nil {
		return nil, err
	}
	return log.OnReplicatorJoin(fn), nil
}

func (s *mediaSource) OnReplicationChange(fn func()) (func(), error) {
	log, err := s.openLog()
	if err != nil {
		return nil, err
	}
	return log.OnReplicationChange(fn), nil
}

func (s *mediaSource) ReplicationEntries() ([]ReplicatorRange, error) {
	log, err := s.openLog()
	if err != nil {
		return nil, err
	}
	return log.ReplicationEntries(), nil
}

func (s *mediaSource) liveWindowID() [32]byte {
	return derivedID(s.id, "livestream")
}

func (s *mediaSource) fullWindowID() [32]byte {
	return derivedID(s.id, "full")
}

func derivedID(id [32]byte, label string) [32]byte {
	h := sha256.New()
	h.Write(id[:])
	h.Write([]byte(label))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func shortID(id [32]byte) string {
	return fmt.Sprintf("%x", id[:4])
}
