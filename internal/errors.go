package internal

import (
	"context"
	"errors"
)

// Error definitions for the track synchronization and playback system
var (
	ErrNoReplicators        = errors.New("no replicators found")
	ErrSenderNotAvailable   = errors.New("sender not available")
	ErrMissingLiveSegment   = errors.New("missing livestreaming segment")
	ErrClosed               = errors.New("closed")
	ErrNotOpen              = errors.New("not open")
	ErrAlreadyOpen          = errors.New("already open")
	ErrTrackNotFound        = errors.New("track not found")
	ErrMissingStartTime     = errors.New("no start time given and no time origin to derive one")
	ErrAppendDenied         = errors.New("append denied")
	ErrUnsupportedMediaKind = errors.New("unsupported media kind")
)

// IsClosedErr reports whether err belongs to the closed/aborted error family.
// Loops that are expected to end when a session or store closes swallow these.
func IsClosedErr(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
