package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVideoDescription(t *testing.T) {
	src := NewVideoSource(id32(1), AVCDecoderConfig(SampleSPS, SamplePPS))
	desc, err := src.Description()
	require.NoError(t, err)
	require.Equal(t, KindVideo, desc.Kind)
	require.Equal(t, "avc1.64001F", desc.Codec)
	require.Equal(t, "video/mp4", desc.MimeType)
	require.Equal(t, 1280, desc.Width)
	require.Equal(t, 720, desc.Height)
}

func TestAudioDescription(t *testing.T) {
	src := NewAudioSource(id32(1), 48000, 2)
	desc, err := src.Description()
	require.NoError(t, err)
	require.Equal(t, KindAudio, desc.Kind)
	require.Equal(t, "mp4a.40.2", desc.Codec)
	require.Equal(t, "audio/mp4", desc.MimeType)
	require.Equal(t, 48000, desc.SampleRate)
	require.Equal(t, 2, desc.Channels)
}

func TestInitSegments(t *testing.T) {
	testCases := []struct {
		desc string
		src  interface{ InitSegment() ([]byte, error) }
	}{
		{desc: "video", src: NewVideoSource(id32(1), AVCDecoderConfig(SampleSPS, SamplePPS))},
		{desc: "audio", src: NewAudioSource(id32(2), 48000, 2)},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			data, err := tc.src.InitSegment()
			require.NoError(t, err)
			require.Greater(t, len(data), 8)
			require.Equal(t, "ftyp", string(data[4:8]))
		})
	}
}

func TestAudioSpecificConfig(t *testing.T) {
	asc, err := audioSpecificConfig(48000, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x90}, asc)

	_, err = audioSpecificConfig(47999, 2)
	require.Error(t, err, "non-standard rates are rejected")
}

func TestAVCDecoderConfigRoundtrip(t *testing.T) {
	cfg := AVCDecoderConfig(SampleSPS, SamplePPS)
	require.Equal(t, byte(1), cfg[0])
	require.Equal(t, SampleSPS[1], cfg[1], "profile from SPS")
	require.Equal(t, SampleSPS[3], cfg[3], "level from SPS")
}
