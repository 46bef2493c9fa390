package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Playback tuning. Times are in stream microseconds unless noted.
const (
	defaultBufferTime uint64 = 6_000_000 // keep ~6s of media buffered ahead
	defaultBufferSize        = 160       // hard cap on buffered chunks per track
	defaultPreload    uint64 = 3_000_000 // warmup before the virtual clock starts
	bufferAheadTime   uint64 = 1_000_000 // how far ahead track discovery looks

	renderInterval = 16 * time.Millisecond
	pollInterval   = time.Second
	fillBackoff    = 200 * time.Millisecond
)

// Progress is a playback starting point: live, or a fraction of the stream's
// known maximum time.
type Progress struct {
	live     bool
	position float64
}

// LiveProgress plays at the live edge.
func LiveProgress() Progress { return Progress{live: true} }

// ProgressAt plays from the given fraction of max time, clamped to [0, 1].
func ProgressAt(position float64) Progress {
	if position < 0 {
		position = 0
	}
	if position > 1 {
		position = 1
	}
	return Progress{position: position}
}

// ChunkRelease is one chunk handed to the consumer, together with the track
// it belongs to. Chunk.Time is track-local; Track.StartTime places it on the
// stream's axis.
type ChunkRelease struct {
	Track *Track
	Chunk Chunk
}

type iterateConfig struct {
	bufferTime      uint64
	bufferSize      int
	preload         uint64
	changeProcessor TrackChangeProcessor
	onProgress      func(ChunkRelease)
	onOptionsChange func([]*Track)
	onTrackChange   func(TrackChange)
	onError         func(error)
}

// IterateOption tunes a TracksIterator.
type IterateOption func(*iterateConfig)

// WithBufferTime sets how much media to keep buffered ahead, in microseconds.
func WithBufferTime(t uint64) IterateOption {
	return func(c *iterateConfig) { c.bufferTime = t }
}

// WithBufferSize caps the number of chunks buffered per track.
func WithBufferSize(n int) IterateOption {
	return func(c *iterateConfig) { c.bufferSize = n }
}

// WithPreload sets the warmup period before the playback clock starts, in
// microseconds.
func WithPreload(t uint64) IterateOption {
	return func(c *iterateConfig) { c.preload = t }
}

// WithChangeProcessor replaces the default track selection policy.
func WithChangeProcessor(p TrackChangeProcessor) IterateOption {
	return func(c *iterateConfig) { c.changeProcessor = p }
}

// WithOnProgress registers the consumer of released chunks.
func WithOnProgress(fn func(ChunkRelease)) IterateOption {
	return func(c *iterateConfig) { c.onProgress = fn }
}

// WithOnOptionsChange registers a listener for the selectable track set.
func WithOnOptionsChange(fn func([]*Track)) IterateOption {
	return func(c *iterateConfig) { c.onOptionsChange = fn }
}

// WithOnTrackChange registers a listener for applied track changes.
func WithOnTrackChange(fn func(TrackChange)) IterateOption {
	return func(c *iterateConfig) { c.onTrackChange = fn }
}

// WithOnError registers a listener for non-fatal playback errors.
func WithOnError(fn func(error)) IterateOption {
	return func(c *iterateConfig) { c.onError = fn }
}

type playingTrack struct {
	track   *Track
	release func()
	stop    func()
	queue   []Chunk
	done    bool
}

// TracksIterator schedules playback of one stream: it discovers tracks,
// buffers their chunks and releases them against a virtual clock that pauses
// while data is missing, so positions stay meaningful under network lag.
type TracksIterator struct {
	db       *MediaStreamDB
	logger   *slog.Logger
	cfg      iterateConfig
	progress Progress
	now      Clock

	mu      sync.Mutex
	session uint64
	playing bool
	started bool
	closed  bool
	playCtx context.Context
	cancel  context.CancelFunc

	current map[MediaKind]*playingTrack
	options map[[32]byte]*Track
	pinned  map[MediaKind][32]byte

	playbackTime uint64
	startPlayAt  uint64

	accumulatedLag uint64
	stalls         map[[32]byte]uint64
}

// Iterate starts playback of the stream from the given progress and returns
// the running iterator. Stop it with Pause or Close.
func (db *MediaStreamDB) Iterate(ctx context.Context, progress Progress, opts ...IterateOption) (*TracksIterator, error) {
	if _, err := db.trackSet(); err != nil {
		return nil, err
	}
	cfg := iterateConfig{
		bufferTime:      defaultBufferTime,
		bufferSize:      defaultBufferSize,
		preload:         defaultPreload,
		changeProcessor: OneVideoAndOneAudioChangeProcessor,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	it := &TracksIterator{
		db:       db,
		logger:   db.logger.With("component", "iterator"),
		cfg:      cfg,
		progress: progress,
		now:      SystemClock,
		current:  make(map[MediaKind]*playingTrack),
		options:  make(map[[32]byte]*Track),
		pinned:   make(map[MediaKind][32]byte),
		stalls:   make(map[[32]byte]uint64),
	}
	if err := it.Play(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

// Play starts or resumes playback. Resuming continues from the position where
// Pause froze the clock.
func (it *TracksIterator) Play(ctx context.Context) error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return ErrClosed
	}
	if it.playing {
		it.mu.Unlock()
		return nil
	}
	if !it.started && !it.progress.live {
		maxTime, ok := it.db.MaxTime()
		if !ok {
			it.mu.Unlock()
			return fmt.Errorf("positional playback needs a known max time (is ListenForMaxTimeChanges running?)")
		}
		it.playbackTime = uint64(it.progress.position * float64(maxTime))
	}
	it.started = true
	it.session++
	sess := it.session
	it.playing = true
	it.startPlayAt = it.now()
	it.accumulatedLag = 0
	it.stalls = make(map[[32]byte]uint64)
	playCtx, cancel := context.WithCancel(ctx)
	it.playCtx = playCtx
	it.cancel = cancel
	it.mu.Unlock()

	if it.progress.live {
		if err := it.startLiveDiscovery(playCtx, sess); err != nil {
			it.stopSession(sess)
			return err
		}
	} else {
		go it.discoverLoop(playCtx, sess)
	}
	go it.renderLoop(playCtx, sess)
	return nil
}

// Pause freezes the playback clock, folds accumulated lag into the frozen
// position and closes the playing tracks. The selectable options survive a
// pause; Play resumes from the frozen position.
func (it *TracksIterator) Pause() {
	it.mu.Lock()
	if !it.playing {
		it.mu.Unlock()
		return
	}
	nowT := it.now()
	it.playbackTime = it.mediaTimeLocked(nowT)
	it.playing = false
	it.session++
	cancel := it.cancel
	it.cancel = nil
	current := it.current
	it.current = make(map[MediaKind]*playingTrack)
	it.accumulatedLag = 0
	it.stalls = make(map[[32]byte]uint64)
	it.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, pt := range current {
		pt.stop()
		pt.release()
	}
}

// Close ends the iterator. It is idempotent; a closed iterator cannot play.
func (it *TracksIterator) Close() {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return
	}
	it.closed = true
	it.playing = false
	it.session++
	cancel := it.cancel
	it.cancel = nil
	current := it.current
	it.current = nil
	it.options = map[[32]byte]*Track{}
	it.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, pt := range current {
		pt.stop()
		pt.release()
	}
	if it.cfg.onOptionsChange != nil {
		it.cfg.onOptionsChange(nil)
	}
}

// Time returns the current playback position.
func (it *TracksIterator) Time() MediaTime {
	it.mu.Lock()
	defer it.mu.Unlock()
	return MediaTime{Live: it.progress.live, Time: it.mediaTimeLocked(it.now())}
}

// Paused reports whether playback is stopped but not closed.
func (it *TracksIterator) Paused() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return !it.playing && !it.closed
}

// IsLagging reports whether any playing track is currently stalling the clock.
func (it *TracksIterator) IsLagging() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.stalls) > 0
}

// TotalLag returns the total time the clock has spent stalled this session,
// in microseconds, including any stall still in progress.
func (it *TracksIterator) TotalLag() uint64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.totalLagLocked(it.now())
}

// Options returns the selectable tracks, ascending by start time.
func (it *TracksIterator) Options() []*Track {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.optionsLocked()
}

// Current returns the tracks playing right now.
func (it *TracksIterator) Current() []*Track {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]*Track, 0, len(it.current))
	for _, pt := range it.current {
		out = append(out, pt.track)
	}
	return out
}

// SelectOption forces the given option to play, swapping out whatever plays
// for its media kind. Selecting the already playing option deselects it.
func (it *TracksIterator) SelectOption(id [32]byte) error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return ErrClosed
	}
	t, ok := it.options[id]
	if !ok {
		it.mu.Unlock()
		return ErrTrackNotFound
	}
	sess := it.session
	kind := t.Kind()
	cur := it.current[kind]
	deselect := cur != nil && cur.track.ID == id
	if deselect {
		delete(it.pinned, kind)
	} else {
		it.pinned[kind] = id
	}
	it.mu.Unlock()

	if deselect {
		it.propose(TrackChange{Remove: t, Force: true}, sess)
	} else {
		it.propose(TrackChange{Add: t, Force: true}, sess)
	}
	return nil
}

// --- virtual clock and lag accounting ---

// mediaTimeLocked computes the playback position: elapsed wall time since
// Play, minus the preload warmup, minus all time spent stalled.
func (it *TracksIterator) mediaTimeLocked(nowT uint64) uint64 {
	if !it.playing {
		return it.playbackTime
	}
	elapsed := nowT - it.startPlayAt
	if elapsed <= it.cfg.preload {
		return it.playbackTime
	}
	elapsed -= it.cfg.preload
	lag := it.totalLagLocked(nowT)
	if lag > elapsed {
		lag = elapsed
	}
	return it.playbackTime + elapsed - lag
}

func (it *TracksIterator) totalLagLocked(nowT uint64) uint64 {
	lag := it.accumulatedLag
	if oldest, ok := it.oldestStallLocked(); ok && nowT > oldest {
		lag += nowT - oldest
	}
	return lag
}

func (it *TracksIterator) oldestStallLocked() (uint64, bool) {
	var oldest uint64
	found := false
	for _, start := range it.stalls {
		if !found || start < oldest {
			oldest = start
			found = true
		}
	}
	return oldest, found
}

func (it *TracksIterator) setLaggyLocked(id [32]byte, nowT uint64) {
	if _, ok := it.stalls[id]; ok {
		return
	}
	it.stalls[id] = nowT
}

// clearLaggyLocked removes a stall. Overlapping stalls count once: only time
// attributed to the oldest stall folds into the accumulator, up to the start
// of the next oldest one.
func (it *TracksIterator) clearLaggyLocked(id [32]byte, nowT uint64) {
	start, ok := it.stalls[id]
	if !ok {
		return
	}
	oldest, _ := it.oldestStallLocked()
	delete(it.stalls, id)
	if start != oldest {
		return
	}
	if next, ok := it.oldestStallLocked(); ok {
		if next > start {
			it.accumulatedLag += next - start
		}
		return
	}
	if nowT > start {
		it.accumulatedLag += nowT - start
	}
}

// --- track discovery ---

// startLiveDiscovery seeds playback with the latest live tracks and follows
// additions and removals in the track collection.
func (it *TracksIterator) startLiveDiscovery(ctx context.Context, sess uint64) error {
	set, err := it.db.trackSet()
	if err != nil {
		return err
	}
	unsubAdd := set.OnAdded(func(t *Track) {
		it.registerOption(t, sess)
		it.propose(TrackChange{Add: t}, sess)
	})
	unsubRem := set.OnRemoved(func(t *Track) {
		it.dropOption(t.ID, sess)
		it.propose(TrackChange{Remove: t}, sess)
	})
	go func() {
		<-ctx.Done()
		unsubAdd()
		unsubRem()
	}()

	for _, t := range it.db.GetLatest() {
		it.registerOption(t, sess)
		it.propose(TrackChange{Add: t}, sess)
	}
	return nil
}

// discoverLoop walks the track collection around the playback position,
// proposing tracks that cover it or start within the lookahead window.
func (it *TracksIterator) discoverLoop(ctx context.Context, sess uint64) {
	for {
		it.mu.Lock()
		if !it.sessionValidLocked(sess) {
			it.mu.Unlock()
			return
		}
		t := it.mediaTimeLocked(it.now())
		it.mu.Unlock()

		candidates := it.db.TracksByStart(0, t+bufferAheadTime)
		for _, cand := range candidates {
			if !cand.Covers(t) && cand.StartTime < t {
				it.dropOption(cand.ID, sess)
				continue
			}
			it.registerOption(cand, sess)
			it.mu.Lock()
			pinnedID, pinned := it.pinned[cand.Kind()]
			it.mu.Unlock()
			if pinned && pinnedID != cand.ID {
				continue
			}
			it.propose(TrackChange{Add: cand}, sess)
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return
		}
	}
}

func (it *TracksIterator) registerOption(t *Track, sess uint64) {
	it.mu.Lock()
	if !it.sessionOpenLocked(sess) {
		it.mu.Unlock()
		return
	}
	if _, ok := it.options[t.ID]; ok {
		it.mu.Unlock()
		return
	}
	it.options[t.ID] = t
	snapshot := it.optionsLocked()
	it.mu.Unlock()
	if it.cfg.onOptionsChange != nil {
		it.cfg.onOptionsChange(snapshot)
	}
}

func (it *TracksIterator) dropOption(id [32]byte, sess uint64) {
	it.mu.Lock()
	if !it.sessionOpenLocked(sess) {
		it.mu.Unlock()
		return
	}
	if _, ok := it.options[id]; !ok {
		it.mu.Unlock()
		return
	}
	delete(it.options, id)
	delete(it.stalls, id)
	snapshot := it.optionsLocked()
	it.mu.Unlock()
	if it.cfg.onOptionsChange != nil {
		it.cfg.onOptionsChange(snapshot)
	}
}

func (it *TracksIterator) optionsLocked() []*Track {
	out := make([]*Track, 0, len(it.options))
	for _, t := range it.options {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

// --- change application ---

// propose runs the change processor over a candidate change and applies its
// decision, if the session is still the one the change belongs to.
func (it *TracksIterator) propose(change TrackChange, sess uint64) {
	it.mu.Lock()
	if !it.sessionValidLocked(sess) {
		it.mu.Unlock()
		return
	}
	var affected *Track
	if change.Add != nil {
		affected = change.Add
	} else if change.Remove != nil {
		affected = change.Remove
	} else {
		it.mu.Unlock()
		return
	}
	kind := affected.Kind()
	var current *Track
	if pt := it.current[kind]; pt != nil {
		current = pt.track
	}
	var options []*Track
	for _, t := range it.options {
		if t.Kind() == kind {
			options = append(options, t)
		}
	}
	now := MediaTime{Live: it.progress.live, Time: it.mediaTimeLocked(it.now())}
	it.mu.Unlock()

	decision, err := it.cfg.changeProcessor(change, current, options, now, it.cfg.preload)
	if err != nil {
		it.reportError(fmt.Errorf("change processor: %w", err))
		return
	}
	it.apply(decision, sess)
}

func (it *TracksIterator) apply(decision TrackChange, sess uint64) {
	if decision.Empty() {
		return
	}
	if decision.Remove != nil {
		it.stopTrack(decision.Remove, sess)
	}
	if decision.Add != nil {
		it.startTrack(decision.Add, sess)
	}
	if it.cfg.onTrackChange != nil {
		it.cfg.onTrackChange(decision)
	}
}

func (it *TracksIterator) stopTrack(t *Track, sess uint64) {
	it.mu.Lock()
	if !it.sessionValidLocked(sess) {
		it.mu.Unlock()
		return
	}
	kind := t.Kind()
	pt := it.current[kind]
	if pt == nil || pt.track.ID != t.ID {
		it.mu.Unlock()
		return
	}
	delete(it.current, kind)
	it.clearLaggyLocked(t.ID, it.now())
	it.mu.Unlock()
	pt.stop()
	pt.release()
}

func (it *TracksIterator) startTrack(t *Track, sess uint64) {
	it.mu.Lock()
	if !it.sessionValidLocked(sess) {
		it.mu.Unlock()
		return
	}
	kind := t.Kind()
	if cur := it.current[kind]; cur != nil && cur.track.ID == t.ID {
		it.mu.Unlock()
		return
	}
	ctx := it.playCtx
	it.mu.Unlock()

	opened, release, err := it.db.OpenTrack(ctx, t)
	if err != nil {
		if !IsClosedErr(err) {
			it.reportError(fmt.Errorf("could not open track %s: %w", shortID(t.ID), err))
		}
		return
	}
	it.registerOption(opened, sess)
	pt := &playingTrack{track: opened, release: release, stop: func() {}}

	if it.progress.live {
		// Play whatever arrives, and replicate the live window so this node
		// serves the stream onward while watching it.
		if err := opened.Source.Replicate(ctx, ReplicateLive); err != nil && !IsClosedErr(err) {
			it.logger.Warn("could not start live replication",
				"track", shortID(opened.ID), "err", err)
		}
		unsub, err := opened.Source.OnChunk(func(c Chunk) {
			it.mu.Lock()
			if it.sessionValidLocked(sess) && it.current[kind] == pt {
				pt.queue = append(pt.queue, c)
			}
			it.mu.Unlock()
		})
		if err != nil {
			release()
			if !IsClosedErr(err) {
				it.reportError(err)
			}
			return
		}
		pt.stop = func() {
			unsub()
			// Other holders may keep the track open past release, so the live
			// window is finalized here rather than left to the source's Close.
			if err := opened.Source.Replicate(context.Background(), ReplicateOff); err != nil && !IsClosedErr(err) {
				it.logger.Warn("could not finalize live window",
					"track", shortID(opened.ID), "err", err)
			}
		}
	} else {
		fillCtx, cancel := context.WithCancel(ctx)
		pt.stop = cancel
		it.mu.Lock()
		from := uint64(0)
		if pos := it.mediaTimeLocked(it.now()); pos > opened.StartTime {
			from = pos - opened.StartTime
		}
		it.mu.Unlock()
		go it.fillLoop(fillCtx, sess, pt, from)
	}

	it.mu.Lock()
	if !it.sessionValidLocked(sess) {
		it.mu.Unlock()
		pt.stop()
		pt.release()
		return
	}
	if cur := it.current[kind]; cur != nil {
		// A competing start won the race; keep the existing one.
		if cur.track.ID == opened.ID {
			it.mu.Unlock()
			pt.stop()
			pt.release()
			return
		}
		delete(it.current, kind)
		it.clearLaggyLocked(cur.track.ID, it.now())
		defer func() {
			cur.stop()
			cur.release()
		}()
	}
	it.current[kind] = pt
	it.mu.Unlock()
}

// fillLoop pulls chunks from the track's log into the playback buffer,
// pausing while enough media is buffered ahead of the clock.
func (it *TracksIterator) fillLoop(ctx context.Context, sess uint64, pt *playingTrack, from uint64) {
	iter, err := pt.track.Source.Iterate(from, IterOptions{Local: true, Remote: true})
	if err != nil {
		if !IsClosedErr(err) {
			it.reportError(fmt.Errorf("could not iterate track %s: %w", shortID(pt.track.ID), err))
		}
		return
	}
	defer iter.Close()

	for {
		it.mu.Lock()
		if !it.sessionValidLocked(sess) || it.current[pt.track.Kind()] != pt {
			it.mu.Unlock()
			return
		}
		t := it.mediaTimeLocked(it.now())
		full := len(pt.queue) >= it.cfg.bufferSize
		if !full && len(pt.queue) > 0 {
			lastAbs := pt.track.StartTime + pt.queue[len(pt.queue)-1].Time
			full = lastAbs >= t+it.cfg.bufferTime
		}
		room := it.cfg.bufferSize - len(pt.queue)
		it.mu.Unlock()

		if full {
			if err := sleepCtx(ctx, fillBackoff); err != nil {
				return
			}
			continue
		}
		chunks, err := iter.Next(ctx, room)
		if err != nil {
			if !IsClosedErr(err) {
				it.reportError(fmt.Errorf("track %s: %w", shortID(pt.track.ID), err))
				it.logger.Warn("chunk iteration failed",
					"track", shortID(pt.track.ID), "err", err)
			}
			return
		}
		it.mu.Lock()
		pt.queue = append(pt.queue, chunks...)
		if len(chunks) == 0 && iter.Done() {
			pt.done = true
			it.mu.Unlock()
			return
		}
		it.mu.Unlock()
	}
}

// --- rendering ---

// renderLoop releases buffered chunks whose time has come and maintains the
// stall bookkeeping that pauses the virtual clock.
func (it *TracksIterator) renderLoop(ctx context.Context, sess uint64) {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !it.renderTick(sess) {
			return
		}
	}
}

func (it *TracksIterator) renderTick(sess uint64) bool {
	var released []ChunkRelease
	var exhausted []*Track

	it.mu.Lock()
	if !it.sessionValidLocked(sess) {
		it.mu.Unlock()
		return false
	}
	nowT := it.now()
	t := it.mediaTimeLocked(nowT)
	warmingUp := nowT-it.startPlayAt <= it.cfg.preload

	for _, pt := range it.current {
		if it.progress.live {
			for _, c := range pt.queue {
				released = append(released, ChunkRelease{Track: pt.track, Chunk: c})
			}
			pt.queue = pt.queue[:0]
			continue
		}
		for len(pt.queue) > 0 && pt.track.StartTime+pt.queue[0].Time <= t {
			released = append(released, ChunkRelease{Track: pt.track, Chunk: pt.queue[0]})
			pt.queue = pt.queue[1:]
		}
		if len(pt.queue) > 0 {
			it.clearLaggyLocked(pt.track.ID, nowT)
			continue
		}
		switch {
		case pt.done, pt.track.Ended() && !pt.track.Covers(t):
			it.clearLaggyLocked(pt.track.ID, nowT)
			exhausted = append(exhausted, pt.track)
		case !warmingUp && pt.track.Covers(t):
			it.setLaggyLocked(pt.track.ID, nowT)
		}
	}
	it.db.metrics.ObserveLag(it.totalLagLocked(nowT), len(it.stalls))
	it.mu.Unlock()

	sort.Slice(released, func(i, j int) bool {
		return released[i].Track.StartTime+released[i].Chunk.Time <
			released[j].Track.StartTime+released[j].Chunk.Time
	})
	for _, r := range released {
		it.db.metrics.ObserveReleasedChunk(r.Track.Kind())
		if it.cfg.onProgress != nil {
			it.cfg.onProgress(r)
		}
	}
	for _, t := range exhausted {
		it.propose(TrackChange{Remove: t}, sess)
	}
	return true
}

func (it *TracksIterator) reportError(err error) {
	if it.cfg.onError != nil {
		it.cfg.onError(err)
	}
}

func (it *TracksIterator) sessionValidLocked(sess uint64) bool {
	return !it.closed && it.playing && it.session == sess
}

// sessionOpenLocked additionally tolerates a paused iterator, whose option
// set must stay maintained across the pause.
func (it *TracksIterator) sessionOpenLocked(sess uint64) bool {
	return !it.closed && it.session == sess
}

// stopSession aborts a session that failed during startup.
func (it *TracksIterator) stopSession(sess uint64) {
	it.mu.Lock()
	if it.session != sess {
		it.mu.Unlock()
		return
	}
	it.playing = false
	cancel := it.cancel
	it.cancel = nil
	it.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
