package audio

import "math"

// Resampler converts mono audio of any rate to [TargetRate] by linear
// interpolation. Fractional read position and the last input sample are
// carried across calls so consecutive blocks join without dropped or repeated
// samples.
//
// A Resampler belongs to one stream and is not safe for concurrent use.
type Resampler struct {
	// phase is the read position of the next output sample relative to the
	// start of the next input block. It stays within [-1, ratio); -1 refers to
	// lastSample.
	phase      float64
	lastSample float32
	sourceRate int
}

// Push resamples one block captured at sourceRate and returns the produced
// 16 kHz samples. When sourceRate is already [TargetRate] the input is
// returned unchanged. A change of sourceRate between calls, including to and
// from [TargetRate], resets the carried state.
func (r *Resampler) Push(samples []float32, sourceRate int) []float32 {
	if sourceRate <= 0 {
		return samples
	}
	if sourceRate == TargetRate {
		if r.sourceRate != TargetRate {
			r.Reset()
			r.sourceRate = TargetRate
		}
		return samples
	}
	if sourceRate != r.sourceRate {
		r.Reset()
		r.sourceRate = sourceRate
	}
	n := len(samples)
	if n == 0 {
		return nil
	}

	ratio := float64(sourceRate) / float64(TargetRate)
	out := make([]float32, 0, int(float64(n)/ratio)+1)

	pos := r.phase
	for pos <= float64(n-1) {
		i0 := int(math.Floor(pos))
		s0 := r.lastSample
		if i0 >= 0 {
			s0 = samples[i0]
		}
		// pos == n-1 lands exactly on the final sample, so frac is zero.
		s1 := s0
		if i0+1 < n {
			s1 = samples[i0+1]
		}
		frac := float32(pos - float64(i0))
		out = append(out, s0+(s1-s0)*frac)
		pos += ratio
	}

	r.phase = pos - float64(n)
	r.lastSample = samples[n-1]
	return out
}

// Reset discards the carried phase and boundary sample.
func (r *Resampler) Reset() {
	r.phase = 0
	r.lastSample = 0
	r.sourceRate = 0
}
