package audio

import (
	"time"

	"github.com/faiface/beep"
)

// DefaultFrameDuration is the packet duration the media stream sends and expects.
const DefaultFrameDuration = 20 * time.Millisecond

// FrameSize returns the number of encoded bytes covering d in format f.
// 20ms of telephony audio is 160 bytes.
func FrameSize(f Format, d time.Duration) int {
	frames := beep.SampleRate(f.SampleRate).N(d)
	return frames * f.BytesPerSample()
}

// Duration returns the playback length of n encoded bytes in format f.
func Duration(f Format, n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return beep.SampleRate(f.SampleRate).D(n / f.BytesPerSample())
}
