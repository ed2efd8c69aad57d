package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// wavHeaderSize is the length of a canonical PCM RIFF/WAVE header.
const wavHeaderSize = 44

var riffMagic = []byte("RIFF")

// StripWAVHeader removes a canonical 44-byte RIFF header when data starts with
// the "RIFF" magic. Anything else is returned unchanged.
func StripWAVHeader(data []byte) []byte {
	if len(data) >= 4 && bytes.Equal(data[:4], riffMagic) {
		if len(data) <= wavHeaderSize {
			return nil
		}
		return data[wavHeaderSize:]
	}
	return data
}

// PCM16ToFloat decodes little-endian int16 PCM into float samples in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatToPCM16 encodes float samples as little-endian int16 PCM. Samples are
// clamped to [-1, 1] and scaled by 32767.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// FloatToInt16 clamps s to [-1, 1] and scales it to the int16 range.
func FloatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}

// Level returns the RMS and absolute peak of samples. Both are zero for an
// empty slice.
func Level(samples []float32) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}
