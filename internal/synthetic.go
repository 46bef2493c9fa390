package internal

import (
	"encoding/binary"
)

// Sample AVC parameter sets for a 1280x720 High profile stream, used by the
// demo tools and tests to build a valid decoder configuration without real
// encoder output.
var (
	SampleSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	SamplePPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
)

// SyntheticTimeline produces dummy chunks on a fixed cadence, for demos and
// tests that need a chunk stream without an encoder. Video timelines start
// each second with a key chunk; audio chunks are all independent.
type SyntheticTimeline struct {
	kind     MediaKind
	interval uint64 // µs between chunks
	seq      uint64
}

// NewSyntheticTimeline creates a timeline emitting one chunk per interval
// microseconds.
func NewSyntheticTimeline(kind MediaKind, interval uint64) *SyntheticTimeline {
	return &SyntheticTimeline{kind: kind, interval: interval}
}

// Next returns the next chunk. Time is track-local.
func (s *SyntheticTimeline) Next() Chunk {
	t := s.seq * s.interval
	kind := ChunkKey
	if s.kind == KindVideo && t%1_000_000 != 0 {
		kind = ChunkDelta
	}
	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload, s.seq)
	binary.BigEndian.PutUint64(payload[8:], t)
	s.seq++
	return Chunk{Kind: kind, Time: t, Payload: payload}
}
