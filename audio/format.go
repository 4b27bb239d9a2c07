package audio

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "g711_ulaw"
	EncodingAlaw  Encoding = "g711_alaw"
)

const (
	TelephonySampleRate = 8_000
	// DefaultPCMSampleRate is the rate the voice API uses for pcm16 when none is configured.
	DefaultPCMSampleRate = 24_000
)

var supportedPCMRates = map[int]bool{
	8_000:  true,
	16_000: true,
	24_000: true,
	48_000: true,
}

// Format describes one side of the audio bridge. Only mono is supported.
type Format struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
}

// Telephony is the media stream format: 8kHz mu-law.
var Telephony = Format{Encoding: EncodingMulaw, SampleRate: TelephonySampleRate}

func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// BytesPerSample returns the encoded size of a single mono sample.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingPCM16 {
		return 2
	}
	return 1
}

func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingMulaw, EncodingAlaw:
		if f.SampleRate != TelephonySampleRate {
			return fmt.Errorf("%w: %s must be sampled at %d Hz", ErrUnsupportedFormat, f.Encoding, TelephonySampleRate)
		}
	case EncodingPCM16:
		if !supportedPCMRates[f.SampleRate] {
			return fmt.Errorf("%w: pcm16 sample rate %d", ErrUnsupportedFormat, f.SampleRate)
		}
	default:
		return fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, f.Encoding)
	}
	return nil
}

// ValidateVoice checks f as a voice API format. The voice API names formats
// without a rate and reads pcm16 as 24kHz, so no other pcm16 rate can be
// negotiated.
func (f Format) ValidateVoice() error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Encoding == EncodingPCM16 && f.SampleRate != DefaultPCMSampleRate {
		return fmt.Errorf("%w: voice api pcm16 is %d Hz, not %d Hz", ErrUnsupportedFormat, DefaultPCMSampleRate, f.SampleRate)
	}
	return nil
}

// ParseFormat maps the names used by the voice API and the media stream
// ("pcm16", "g711_ulaw", "audio/x-mulaw", ...) to a Format. A zero sampleRate
// selects the natural rate of the encoding.
func ParseFormat(name string, sampleRate int) (Format, error) {
	var enc Encoding
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pcm16", "pcm", "audio/x-l16", "l16":
		enc = EncodingPCM16
		if sampleRate == 0 {
			sampleRate = DefaultPCMSampleRate
		}
	case "g711_ulaw", "ulaw", "mulaw", "audio/x-mulaw", "pcmu":
		enc = EncodingMulaw
	case "g711_alaw", "alaw", "audio/x-alaw", "pcma":
		enc = EncodingAlaw
	default:
		return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
	if enc != EncodingPCM16 && sampleRate == 0 {
		sampleRate = TelephonySampleRate
	}

	f := Format{Encoding: enc, SampleRate: sampleRate}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}
