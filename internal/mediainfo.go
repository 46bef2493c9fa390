package internal

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"
)

// MediaDescription is the codec-level metadata a selection UI needs to label
// track options.
type MediaDescription struct {
	Kind       MediaKind
	Codec      string
	MimeType   string
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

const videoTimescale = 90000

// AVCDecoderConfig assembles an AVC decoder configuration record (avcC
// payload) from raw SPS and PPS NAL units, with 4-byte NALU lengths.
func AVCDecoderConfig(sps, pps []byte) []byte {
	b := make([]byte, 0, 11+len(sps)+len(pps))
	b = append(b, 1, sps[1], sps[2], sps[3], 0xff, 0xe1)
	b = append(b, byte(len(sps)>>8), byte(len(sps)))
	b = append(b, sps...)
	b = append(b, 1, byte(len(pps)>>8), byte(len(pps)))
	b = append(b, pps...)
	return b
}

// Description derives codec string and picture size from the AVC decoder
// configuration record.
func (s *VideoSource) Description() (MediaDescription, error) {
	rec, err := avc.DecodeAVCDecConfRec(s.DecoderConfig)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("could not decode AVC decoder config: %w", err)
	}
	desc := MediaDescription{
		Kind:     KindVideo,
		MimeType: "video/mp4",
		Codec: fmt.Sprintf("avc1.%02X%02X%02X",
			rec.AVCProfileIndication, rec.ProfileCompatibility, rec.AVCLevelIndication),
	}
	if len(rec.SPSnalus) > 0 {
		sps, err := avc.ParseSPSNALUnit(rec.SPSnalus[0], false)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("could not parse SPS: %w", err)
		}
		desc.Width = int(sps.Width)
		desc.Height = int(sps.Height)
	}
	return desc, nil
}

// InitSegment generates a CMAF initialization segment matching the source's
// decoder configuration, so a player can be primed before chunks arrive.
func (s *VideoSource) InitSegment() ([]byte, error) {
	rec, err := avc.DecodeAVCDecConfRec(s.DecoderConfig)
	if err != nil {
		return nil, fmt.Errorf("could not decode AVC decoder config: %w", err)
	}
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(videoTimescale, "video", "und")
	init.Moov.Trak.SetAVCDescriptor("avc3", rec.SPSnalus, rec.PPSnalus, false)
	return encodeInit(init)
}

// Description reports the audio codec metadata.
func (s *AudioSource) Description() (MediaDescription, error) {
	return MediaDescription{
		Kind:       KindAudio,
		MimeType:   "audio/mp4",
		Codec:      "mp4a.40.2",
		SampleRate: int(s.SampleRate),
		Channels:   int(s.Channels),
	}, nil
}

// InitSegment generates a CMAF initialization segment for AAC-LC audio with
// the source's sample rate and channel count.
func (s *AudioSource) InitSegment() ([]byte, error) {
	asc, err := audioSpecificConfig(s.SampleRate, s.Channels)
	if err != nil {
		return nil, err
	}
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(s.SampleRate, "audio", "und")
	esds := mp4.CreateEsdsBox(asc)
	mp4a := mp4.CreateAudioSampleEntryBox("mp4a",
		uint16(s.Channels), 16, uint16(s.SampleRate), esds)
	init.Moov.Trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4a)
	return encodeInit(init)
}

func encodeInit(init *mp4.InitSegment) ([]byte, error) {
	sw := bits.NewFixedSliceWriter(int(init.Size()))
	if err := init.EncodeSW(sw); err != nil {
		return nil, fmt.Errorf("could not encode init segment: %w", err)
	}
	return sw.Bytes(), nil
}

var aacSamplingFrequencies = map[uint32]byte{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11, 7350: 12,
}

// audioSpecificConfig builds a two-byte AAC-LC AudioSpecificConfig.
func audioSpecificConfig(sampleRate uint32, channels uint8) ([]byte, error) {
	freqIdx, ok := aacSamplingFrequencies[sampleRate]
	if !ok {
		return nil, fmt.Errorf("unsupported audio sample rate %d", sampleRate)
	}
	const objectTypeAACLC = 2
	b0 := byte(objectTypeAACLC<<3) | (freqIdx >> 1)
	b1 := ((freqIdx & 1) << 7) | (channels << 3)
	return []byte{b0, b1}, nil
}
