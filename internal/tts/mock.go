package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

// Each rune of text becomes this much silence.
const mockRuneDuration = 10 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that emits silence sized to the text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) SampleRate() int { return m.sampleRate }

func (m *mockSynth) Voices() []string {
	return []string{"af_heart", "af_bella", "am_adam", "bf_emma", "bm_george"}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		frames := int(time.Duration(utf8.RuneCountInString(req.Text)) * mockRuneDuration * time.Duration(m.sampleRate) / time.Second)
		frameBytes := 2 * m.channels
		// One chunk per second of audio.
		perChunk := m.sampleRate
		sequence := 0
		for frames > 0 {
			n := min(frames, perChunk)
			frames -= n
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- SynthChunk{
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, n*frameBytes),
				Final:      frames == 0,
			}:
			}
			sequence++
		}
	}()
	return chunks, errs
}
