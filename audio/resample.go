package audio

// Resampler converts a stream of mono int16 samples between two rates using
// linear interpolation. It is stateful: the last input sample and the
// fractional read position are carried across calls, so feeding a stream in
// arbitrary chunks yields the same output as feeding it at once and the
// output length never drifts from total_in*to/from.
//
// Positions are kept as integers in units of 1/to input samples, which keeps
// the arithmetic exact for arbitrarily long calls.
type Resampler struct {
	from, to int
	pos      int64 // next output position, in 1/to steps, relative to buf[0]
	prev     int16
	hasPrev  bool
	buf      []int16
}

func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{from: fromRate, to: toRate}
}

// Resample appends the resampled output of in to dst and returns it.
func (r *Resampler) Resample(dst []int16, in []int16) []int16 {
	if len(in) == 0 {
		return dst
	}
	if r.from == r.to {
		return append(dst, in...)
	}

	r.buf = r.buf[:0]
	if r.hasPrev {
		r.buf = append(r.buf, r.prev)
	}
	r.buf = append(r.buf, in...)

	to := int64(r.to)
	last := int64(len(r.buf) - 1)
	for {
		i := r.pos / to
		if i >= last {
			break
		}
		frac := r.pos % to
		a, b := int64(r.buf[i]), int64(r.buf[i+1])
		dst = append(dst, int16(a+(b-a)*frac/to))
		r.pos += int64(r.from)
	}

	// rebase so that the last sample becomes index 0 of the next call
	r.pos -= last * to
	r.prev = r.buf[last]
	r.hasPrev = true

	return dst
}

// Reset drops the carried sample and position, e.g. after the output was cleared.
func (r *Resampler) Reset() {
	r.pos = 0
	r.hasPrev = false
	r.buf = r.buf[:0]
}
