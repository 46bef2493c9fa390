package internal

import "strconv"

// ChunkKind marks whether a chunk is independently decodable.
type ChunkKind uint8

const (
	ChunkUnspecified ChunkKind = iota
	ChunkKey
	ChunkDelta
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkKey:
		return "key"
	case ChunkDelta:
		return "delta"
	default:
		return "unspecified"
	}
}

// Chunk is one immutable unit of media payload. Time is in microseconds
// relative to the owning track's start time. A chunk's identity within one
// track is its Time.
type Chunk struct {
	Kind    ChunkKind
	Time    uint64
	Payload []byte
}

// ID returns the chunk's identity within its track.
func (c Chunk) ID() string {
	return strconv.FormatUint(c.Time, 10)
}
