package internal

import "fmt"

// MediaTime is a playback position: either "live" or a microsecond offset on
// the stream's time axis.
type MediaTime struct {
	Live bool
	Time uint64
}

// LiveTime returns the live playback position.
func LiveTime() MediaTime { return MediaTime{Live: true} }

// TimeAt returns a positional playback time.
func TimeAt(t uint64) MediaTime { return MediaTime{Time: t} }

// TrackChange is both the input to and the decision of a change processor:
// which track (if any) should be added to or removed from the current set.
// Force marks an explicit user selection that bypasses policy.
type TrackChange struct {
	Add    *Track
	Remove *Track
	Force  bool
}

// Empty reports whether the change decides nothing.
func (c TrackChange) Empty() bool { return c.Add == nil && c.Remove == nil }

// TrackChangeProcessor decides how the set of currently playing tracks reacts
// to a track appearing or disappearing. current is the track currently
// playing for the affected media kind (nil if none), options the eligible
// tracks of that kind, now the playback position and preload the early-switch
// lookahead in microseconds. The returned change is what the scheduler
// applies; an error propagates to the caller unchanged.
type TrackChangeProcessor func(change TrackChange, current *Track, options []*Track, now MediaTime, preload uint64) (TrackChange, error)

// OneVideoAndOneAudioChangeProcessor is the default policy: exactly one track
// per media kind plays at a time, favoring live tracks and smooth handoff
// over visible gaps when several encodings of the same substream coexist.
func OneVideoAndOneAudioChangeProcessor(change TrackChange, current *Track, options []*Track, now MediaTime, preload uint64) (TrackChange, error) {
	switch {
	case change.Add != nil:
		if k := change.Add.Kind(); k != KindAudio && k != KindVideo {
			return TrackChange{}, fmt.Errorf("%w: %s", ErrUnsupportedMediaKind, k)
		}
		return decideAdd(change.Add, current, now, preload, change.Force), nil
	case change.Remove != nil:
		return decideRemove(change.Remove, current, options, now, change.Force), nil
	default:
		return TrackChange{}, nil
	}
}

func decideAdd(add, current *Track, now MediaTime, preload uint64, force bool) TrackChange {
	if current == nil {
		return TrackChange{Add: add, Force: force}
	}
	if current.ID == add.ID {
		return TrackChange{}
	}
	if force {
		return TrackChange{Add: add, Remove: current, Force: true}
	}
	swap := TrackChange{Add: add, Remove: current}
	curEnd := current.EndTime()
	addEnd := add.EndTime()

	if now.Live {
		if curEnd == nil {
			// Current is still live; never replace it unforced.
			return TrackChange{}
		}
		if addEnd == nil {
			return swap
		}
		return TrackChange{}
	}

	t := now.Time
	if curEnd == nil {
		return TrackChange{}
	}
	if t >= *curEnd {
		// Current no longer covers the position.
		if add.Covers(t) || add.StartTime >= t {
			return swap
		}
		return TrackChange{}
	}
	// Current still covers the position. Switch early only when the new track
	// starts within the preload window and extends past the current end.
	extendsLater := addEnd == nil || *addEnd > *curEnd
	if extendsLater && add.StartTime >= t && add.StartTime-t <= preload {
		return swap
	}
	return TrackChange{}
}

func decideRemove(rem, current *Track, options []*Track, now MediaTime, force bool) TrackChange {
	if force || current == nil || current.ID != rem.ID {
		return TrackChange{Remove: rem, Force: force}
	}
	// Promote another option of the same media kind in its place,
	// preferring a live one, then one covering the position.
	var live, covering, any *Track
	for _, opt := range options {
		if opt.ID == rem.ID || opt.Kind() != rem.Kind() {
			continue
		}
		if opt.EndTime() == nil && live == nil {
			live = opt
		}
		if !now.Live && opt.Covers(now.Time) && covering == nil {
			covering = opt
		}
		if any == nil {
			any = opt
		}
	}
	replacement := live
	if replacement == nil {
		replacement = covering
	}
	if replacement == nil {
		replacement = any
	}
	return TrackChange{Remove: rem, Add: replacement}
}
