package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// decodeWAVStream decodes one or more back-to-back WAV files into mono
// samples at targetRate. Clients that stream WAV chunks produce exactly this
// layout once the chunks are concatenated.
func decodeWAVStream(data []byte, targetRate int) ([]float32, error) {
	var out []float32
	rest := data
	for len(rest) > 0 {
		if !IsWAV(rest) {
			return nil, errors.New("not a wav stream")
		}
		size := int(binary.LittleEndian.Uint32(rest[4:8])) + 8
		if size < 12 || size > len(rest) {
			size = len(rest)
		}
		samples, rate, err := decodeWAV(rest[:size])
		if err != nil {
			return nil, err
		}
		out = append(out, Resample(samples, rate, targetRate)...)
		rest = rest[size:]
	}
	return out, nil
}

func decodeWAV(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	switch dec.WavAudioFormat {
	case wavFormatPCM, wavFormatExtensible:
	case wavFormatFloat:
		return decodeFloatWAV(dec)
	default:
		return nil, 0, fmt.Errorf("unsupported wav format %d", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read pcm: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, errors.New("wav has no pcm data")
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	samples := make([]float32, len(buf.Data))
	switch {
	case bitDepth == 8:
		for i, v := range buf.Data {
			samples[i] = float32(v-128) / 128
		}
	case bitDepth > 8 && bitDepth <= 32:
		scale := float32(int64(1) << (bitDepth - 1))
		for i, v := range buf.Data {
			samples[i] = float32(v) / scale
		}
	default:
		return nil, 0, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	return Downmix(samples, channels), buf.Format.SampleRate, nil
}

// decodeFloatWAV reads IEEE float data directly; go-audio only produces
// integer buffers.
func decodeFloatWAV(dec *wav.Decoder) ([]float32, int, error) {
	if dec.BitDepth != 32 {
		return nil, 0, fmt.Errorf("unsupported float bit depth %d", dec.BitDepth)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, 0, fmt.Errorf("read pcm: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(dec.PCMChunk, int64(dec.PCMSize)))
	if err != nil {
		return nil, 0, fmt.Errorf("read pcm: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	return Downmix(Float32LE(raw), channels), int(dec.SampleRate), nil
}

// EncodeFloatWAV encodes mono float samples as 32-bit IEEE float WAV.
func EncodeFloatWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	// The encoder writes each int as int32, so the float bits pass through.
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(int32(math.Float32bits(s)))
	}
	return encode(data, sampleRate, 1, 32, wavFormatFloat)
}

// EncodeWAV encodes mono float samples as 16-bit PCM WAV.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(math.Round(float64(s) * 32767))
	}
	return encodeInts(data, sampleRate, 1)
}

// PCM16ToWAV wraps little-endian signed 16-bit PCM in a WAV container.
func PCM16ToWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return encodeInts(data, sampleRate, channels)
}

func encodeInts(data []int, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return encode(data, sampleRate, channels, 16, wavFormatPCM)
}

func encode(data []int, sampleRate, channels, bitDepth, format int) ([]byte, error) {
	out := &writeSeeker{}
	enc := wav.NewEncoder(out, sampleRate, bitDepth, channels, format)
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(abs)
	return abs, nil
}

func (w *writeSeeker) Bytes() []byte {
	return w.buf
}
