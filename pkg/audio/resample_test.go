package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/hearken/pkg/audio"
)

// sine returns n samples of a 440 Hz tone at rate.
func sine(n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.8 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestResampler_PassThroughAtTargetRate(t *testing.T) {
	var r audio.Resampler
	in := sine(320, audio.TargetRate)
	out := r.Push(in, audio.TargetRate)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	if &out[0] != &in[0] {
		t.Error("16 kHz input should be passed through without copying")
	}
}

func TestResampler_OutputCount(t *testing.T) {
	rates := []int{8000, 11025, 22050, 24000, 32000, 44100, 48000, 96000}
	blockSizes := []int{128, 441, 480, 1024, 4096}

	for _, rate := range rates {
		for _, block := range blockSizes {
			var r audio.Resampler
			total := rate // one second of input
			in := sine(total, rate)

			produced := 0
			for off := 0; off < total; off += block {
				end := min(off+block, total)
				produced += len(r.Push(in[off:end], rate))
			}

			want := total * audio.TargetRate / rate
			if produced < want-1 || produced > want+1 {
				t.Errorf("rate=%d block=%d: produced %d samples, want %d±1", rate, block, produced, want)
			}
		}
	}
}

func TestResampler_ChunkedMatchesSingleCall(t *testing.T) {
	for _, rate := range []int{22050, 44100, 48000} {
		in := sine(rate/2, rate)

		var whole audio.Resampler
		want := whole.Push(in, rate)

		var chunked audio.Resampler
		var got []float32
		for off := 0; off < len(in); off += 333 {
			end := min(off+333, len(in))
			got = append(got, chunked.Push(in[off:end], rate)...)
		}

		if len(got) != len(want) {
			t.Fatalf("rate=%d: chunked produced %d samples, single call %d", rate, len(got), len(want))
		}
		for i := range want {
			if math.Abs(float64(got[i]-want[i])) > 1e-4 {
				t.Fatalf("rate=%d: sample %d differs: %v vs %v", rate, i, got[i], want[i])
			}
		}
	}
}

func TestResampler_NoDiscontinuityAtBoundaries(t *testing.T) {
	const rate = 44100
	in := sine(rate, rate)

	var r audio.Resampler
	var out []float32
	for off := 0; off < len(in); off += 512 {
		end := min(off+512, len(in))
		out = append(out, r.Push(in[off:end], rate)...)
	}

	// Largest step between adjacent input samples bounds any jump at a
	// block join.
	var maxStep float64
	for i := 1; i < len(in); i++ {
		maxStep = max(maxStep, math.Abs(float64(in[i]-in[i-1])))
	}
	for i := 1; i < len(out); i++ {
		step := math.Abs(float64(out[i] - out[i-1]))
		if step > 3*maxStep {
			t.Fatalf("jump of %v at output %d exceeds %v", step, i, 3*maxStep)
		}
	}
}

func TestResampler_InterpolatesAcrossBoundary(t *testing.T) {
	var r audio.Resampler
	// 32 kHz halves the sample count; positions 0, 2, 4 of a ramp.
	first := r.Push([]float32{0, 1, 2}, 32000)
	if len(first) != 2 || first[0] != 0 || first[1] != 2 {
		t.Fatalf("first block = %v, want [0 2]", first)
	}
	// Next output position is 4, i.e. index 1 of the new block.
	second := r.Push([]float32{3, 4, 5}, 32000)
	if len(second) != 1 || second[0] != 4 {
		t.Fatalf("second block = %v, want [4]", second)
	}
}

func TestResampler_UsesPreviousSampleForNegativeIndex(t *testing.T) {
	var r audio.Resampler
	// 24 kHz: ratio 1.5, outputs at 0, 1.5, 3.0 ...
	first := r.Push([]float32{0, 1}, 24000)
	if len(first) != 1 {
		t.Fatalf("first block = %v, want one sample", first)
	}
	// Carried phase is 1.5-2 = -0.5, halfway between the previous 1 and
	// the new 3.
	second := r.Push([]float32{3, 3}, 24000)
	if len(second) == 0 || math.Abs(float64(second[0]-2)) > 1e-6 {
		t.Fatalf("second block = %v, want first sample 2", second)
	}
}

func TestResampler_RateChangeResets(t *testing.T) {
	var r audio.Resampler
	r.Push([]float32{1, 1}, 24000)

	// After switching rate the boundary sample from the old stream must not
	// leak into the new one.
	out := r.Push([]float32{0, 0, 0, 0}, 48000)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %v, want 0 after rate change", i, s)
		}
	}
}

func TestResampler_PassThroughBetweenRatesResets(t *testing.T) {
	var r audio.Resampler
	r.Push([]float32{0.5, 0.5, 0.5}, 44100)
	r.Push([]float32{0.1, 0.2}, audio.TargetRate)

	// Back at 44.1 kHz the stream starts fresh, so the first output is the
	// first input sample rather than a blend with the earlier 0.5.
	out := r.Push([]float32{0, 0, 0, 0, 0, 0}, 44100)
	var fresh audio.Resampler
	want := fresh.Push([]float32{0, 0, 0, 0, 0, 0}, 44100)
	if len(out) != len(want) {
		t.Fatalf("got %d samples, want %d", len(out), len(want))
	}
	for i := range out {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResampler_EmptyInput(t *testing.T) {
	var r audio.Resampler
	if out := r.Push(nil, 48000); len(out) != 0 {
		t.Errorf("Push(nil) returned %d samples", len(out))
	}
}
