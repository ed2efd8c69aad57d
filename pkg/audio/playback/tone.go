package playback

import (
	"math"
	"time"
)

// fadeDuration is the linear fade applied to both ends of a tone to avoid
// clicks.
const fadeDuration = 10 * time.Millisecond

// Tone returns a sine tone of freq Hz lasting d at rate, scaled by gain and
// faded in and out.
func Tone(freq float64, d time.Duration, rate int, gain float32) []float32 {
	n := int(math.Round(d.Seconds() * float64(rate)))
	if n <= 0 {
		return nil
	}
	fade := min(int(math.Round(fadeDuration.Seconds()*float64(rate))), n/2)

	out := make([]float32, n)
	for i := range out {
		env := float32(1)
		switch {
		case fade > 0 && i < fade:
			env = float32(i) / float32(fade)
		case fade > 0 && i >= n-fade:
			env = float32(n-1-i) / float32(fade)
		}
		out[i] = gain * env * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// Chime returns the two-note rising tone played when the satellite starts
// listening.
func Chime(rate int) []float32 {
	first := Tone(880, 90*time.Millisecond, rate, 0.3)
	second := Tone(1320, 120*time.Millisecond, rate, 0.3)
	return append(first, second...)
}
