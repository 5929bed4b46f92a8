package audio

import (
	"encoding/binary"
	"math"
)

// Downmix averages interleaved channels into a single mono channel.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts samples from one rate to another by linear interpolation
// over the index space. It is not band-limited. Equal rates return the input.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	n := int(float64(len(samples)) * float64(to) / float64(from))
	if n <= 0 || len(samples) == 0 {
		return []float32{}
	}
	out := make([]float32, n)
	if n == 1 {
		out[0] = samples[0]
		return out
	}
	step := float64(len(samples)-1) / float64(n-1)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// RootMeanSquare returns the RMS amplitude of samples, or 0 for no samples.
func RootMeanSquare(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Float32LE parses raw little-endian float32 PCM, ignoring a trailing partial sample.
func Float32LE(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// AppendFloat32LE appends samples to dst as little-endian float32 PCM.
func AppendFloat32LE(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}
