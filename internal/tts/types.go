package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/speech-bridge/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text     string
	Voice    string
	LangCode string
}

// SynthChunk contains 16-bit little-endian PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
	SampleRate() int
}

// VoiceLister is implemented by synthesizers that can enumerate their voices.
type VoiceLister interface {
	Voices() []string
}

// NewSynthesizer builds the synthesizer selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, 1), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, 1)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
