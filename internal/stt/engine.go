package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/speech-bridge/internal/audio"
	"github.com/loqalabs/speech-bridge/internal/config"
)

// Result captures engine output. Confidence is nil when the engine has none.
type Result struct {
	Text       string
	Language   string
	Confidence *float64
}

// Engine abstracts STT backends.
type Engine interface {
	Transcribe(ctx context.Context, audio []byte, language string, beamSize int) (Result, error)
	RMS(ctx context.Context, chunk []byte) float64
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.STTConfig, decoder *audio.Decoder) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(decoder), nil
	case "exec":
		return NewExecEngine(cfg, decoder)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
