package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pcmBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func pcmSamples(p []byte) []int16 {
	out := make([]int16, len(p)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	return out
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("audio/x-mulaw", 0)
	require.NoError(t, err)
	require.Equal(t, Telephony, f)

	f, err = ParseFormat("pcm16", 0)
	require.NoError(t, err)
	require.Equal(t, Format{Encoding: EncodingPCM16, SampleRate: 24000}, f)

	_, err = ParseFormat("opus", 48000)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = ParseFormat("g711_ulaw", 16000)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = ParseFormat("pcm16", 11025)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFrameSize(t *testing.T) {
	require.Equal(t, 160, FrameSize(Telephony, DefaultFrameDuration))
	require.Equal(t, 960, FrameSize(Format{EncodingPCM16, 24000}, DefaultFrameDuration))
	require.Equal(t, 20*time.Millisecond, Duration(Telephony, 160))
	require.Equal(t, time.Second, Duration(Format{EncodingPCM16, 24000}, 48000))
}

func TestNewCodec_Unsupported(t *testing.T) {
	_, err := NewCodec(Telephony, Format{Encoding: "opus", SampleRate: 48000}, Telephony)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = NewCodec(Format{EncodingMulaw, 16000}, Format{EncodingPCM16, 24000}, Format{EncodingPCM16, 24000})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestCodec_Identity(t *testing.T) {
	c, err := NewCodec(Telephony, Telephony, Telephony)
	require.NoError(t, err)

	in := make([]byte, 160)
	for i := range in {
		in[i] = byte(i)
	}
	out, err := c.DecodeInbound(in)
	require.NoError(t, err)
	require.Equal(t, in, out)

	out, err = c.EncodeOutbound(in)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestCodec_MulawPCMRoundTrip(t *testing.T) {
	voice := Format{Encoding: EncodingPCM16, SampleRate: 8000}
	c, err := NewCodec(Telephony, voice, voice)
	require.NoError(t, err)

	src := sine(160, 8000, 440)
	ulaw, err := c.EncodeOutbound(pcmBytes(src))
	require.NoError(t, err)
	require.Len(t, ulaw, 160)

	back, err := c.DecodeInbound(ulaw)
	require.NoError(t, err)
	require.Len(t, back, 320)

	for i, v := range pcmSamples(back) {
		// quantization error grows with magnitude
		tol := 32 + int(abs16(src[i]))/8
		require.InDelta(t, src[i], v, float64(tol), "sample %d", i)
	}
}

func TestCodec_AlawRoundTrip(t *testing.T) {
	alaw := Format{Encoding: EncodingAlaw, SampleRate: 8000}
	src := sine(160, 8000, 300)

	enc, err := Convert(pcmBytes(src), Format{EncodingPCM16, 8000}, alaw)
	require.NoError(t, err)
	require.Len(t, enc, 160)

	dec, err := Convert(enc, alaw, Format{EncodingPCM16, 8000})
	require.NoError(t, err)
	for i, v := range pcmSamples(dec) {
		tol := 32 + int(abs16(src[i]))/8
		require.InDelta(t, src[i], v, float64(tol), "sample %d", i)
	}
}

func TestCodec_ResampledLength(t *testing.T) {
	pcm := Format{EncodingPCM16, 24000}
	c, err := NewCodec(Telephony, pcm, pcm)
	require.NoError(t, err)

	var inbound int
	for i := 0; i < 50; i++ {
		out, err := c.DecodeInbound(make([]byte, 160))
		require.NoError(t, err)
		inbound += len(out)
	}
	// 1s of telephony audio becomes ~1s of 24kHz pcm16
	require.InDelta(t, 48000, inbound, 6)

	var outbound int
	for i := 0; i < 50; i++ {
		out, err := c.EncodeOutbound(make([]byte, 960))
		require.NoError(t, err)
		outbound += len(out)
	}
	require.InDelta(t, 8000, outbound, 1)
}

func TestCodec_AsymmetricFormats(t *testing.T) {
	c, err := NewCodec(Telephony, Format{EncodingPCM16, 16000}, Telephony)
	require.NoError(t, err)
	require.Equal(t, Format{EncodingPCM16, 16000}, c.VoiceInput())
	require.Equal(t, Telephony, c.VoiceOutput())

	in, err := c.DecodeInbound(make([]byte, 160))
	require.NoError(t, err)
	require.InDelta(t, 640, len(in), 4)

	out, err := c.EncodeOutbound(make([]byte, 160))
	require.NoError(t, err)
	require.Len(t, out, 160)
}

func TestTranscoder_CarriesOddByte(t *testing.T) {
	tr, err := NewTranscoder(Format{EncodingPCM16, 8000}, Telephony)
	require.NoError(t, err)

	p := pcmBytes([]int16{1000, -1000, 2000})
	a, err := tr.Transcode(p[:3])
	require.NoError(t, err)
	require.Len(t, a, 1)

	b, err := tr.Transcode(p[3:])
	require.NoError(t, err)
	require.Len(t, b, 2)

	whole, err := Convert(p, Format{EncodingPCM16, 8000}, Telephony)
	require.NoError(t, err)
	require.Equal(t, whole, append(a, b...))
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
