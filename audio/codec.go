package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

// Transcoder converts a byte stream from one Format to another. It keeps
// resampler state and any trailing half sample between calls and is not safe
// for concurrent use; a session owns one per direction.
type Transcoder struct {
	src, dst Format
	rs       *Resampler
	carry    []byte
	samples  []int16
}

func NewTranscoder(src, dst Format) (*Transcoder, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	t := &Transcoder{src: src, dst: dst}
	if src.SampleRate != dst.SampleRate {
		t.rs = NewResampler(src.SampleRate, dst.SampleRate)
	}
	return t, nil
}

func (t *Transcoder) Source() Format { return t.src }
func (t *Transcoder) Target() Format { return t.dst }

func (t *Transcoder) Transcode(p []byte) ([]byte, error) {
	if t.src == t.dst {
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	}

	if len(t.carry) > 0 {
		p = append(t.carry, p...)
		t.carry = nil
	}
	if bps := t.src.BytesPerSample(); len(p)%bps != 0 {
		cut := len(p) - len(p)%bps
		t.carry = append([]byte(nil), p[cut:]...)
		p = p[:cut]
	}

	in := decodeSamples(t.samples[:0], t.src.Encoding, p)
	t.samples = in

	if t.rs != nil {
		in = t.rs.Resample(make([]int16, 0, len(in)*t.dst.SampleRate/t.src.SampleRate+1), in)
	}

	return encodeSamples(t.dst.Encoding, in), nil
}

// Reset discards buffered state so the next call starts a fresh stream.
func (t *Transcoder) Reset() {
	t.carry = nil
	if t.rs != nil {
		t.rs.Reset()
	}
}

func decodeSamples(dst []int16, enc Encoding, p []byte) []int16 {
	switch enc {
	case EncodingPCM16:
		for i := 0; i+1 < len(p); i += 2 {
			dst = append(dst, int16(binary.LittleEndian.Uint16(p[i:])))
		}
	case EncodingMulaw:
		for _, b := range p {
			dst = append(dst, g711.DecodeUlawFrame(b))
		}
	case EncodingAlaw:
		for _, b := range p {
			dst = append(dst, g711.DecodeAlawFrame(b))
		}
	}
	return dst
}

func encodeSamples(enc Encoding, s []int16) []byte {
	switch enc {
	case EncodingPCM16:
		out := make([]byte, len(s)*2)
		for i, v := range s {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		}
		return out
	case EncodingMulaw:
		out := make([]byte, len(s))
		for i, v := range s {
			out[i] = g711.EncodeUlawFrame(v)
		}
		return out
	case EncodingAlaw:
		out := make([]byte, len(s))
		for i, v := range s {
			out[i] = g711.EncodeAlawFrame(v)
		}
		return out
	}
	return nil
}

// Codec is the per-session audio bridge between the telephony media stream
// and the voice API. The voice API may use different input and output formats.
type Codec struct {
	telephony   Format
	voiceInput  Format
	voiceOutput Format
	inbound     *Transcoder
	outbound    *Transcoder
}

// NewCodec negotiates the bridge. Any format outside the supported set fails
// with ErrUnsupportedFormat.
func NewCodec(telephony, voiceInput, voiceOutput Format) (*Codec, error) {
	in, err := NewTranscoder(telephony, voiceInput)
	if err != nil {
		return nil, err
	}
	out, err := NewTranscoder(voiceOutput, telephony)
	if err != nil {
		return nil, err
	}
	return &Codec{
		telephony:   telephony,
		voiceInput:  voiceInput,
		voiceOutput: voiceOutput,
		inbound:     in,
		outbound:    out,
	}, nil
}

func (c *Codec) Telephony() Format   { return c.telephony }
func (c *Codec) VoiceInput() Format  { return c.voiceInput }
func (c *Codec) VoiceOutput() Format { return c.voiceOutput }

// DecodeInbound converts caller audio (telephony format) to the voice API format.
func (c *Codec) DecodeInbound(p []byte) ([]byte, error) {
	return c.inbound.Transcode(p)
}

// EncodeOutbound converts agent audio (voice API format) to the telephony format.
func (c *Codec) EncodeOutbound(p []byte) ([]byte, error) {
	return c.outbound.Transcode(p)
}

// ResetOutbound drops partially converted agent audio, used on barge-in.
func (c *Codec) ResetOutbound() {
	c.outbound.Reset()
}

// Convert is a one-shot conversion of a complete buffer.
func Convert(p []byte, src, dst Format) ([]byte, error) {
	t, err := NewTranscoder(src, dst)
	if err != nil {
		return nil, err
	}
	return t.Transcode(p)
}
