package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/speech-bridge/internal/audio"
)

// mockSpeechFloor is the RMS below which the mock engine hears nothing.
const mockSpeechFloor = 1e-4

type mockEngine struct {
	decoder *audio.Decoder
}

// NewMockEngine returns an engine that decodes audio for real but reports a
// synthetic transcript instead of running a model.
func NewMockEngine(decoder *audio.Decoder) Engine {
	return &mockEngine{decoder: decoder}
}

func (m *mockEngine) Transcribe(ctx context.Context, data []byte, language string, _ int) (Result, error) {
	samples, err := m.decoder.Decode(ctx, data)
	if err != nil {
		return Result{}, err
	}
	if audio.RootMeanSquare(samples) < mockSpeechFloor {
		return Result{Language: language}, nil
	}
	return Result{
		Text:     fmt.Sprintf("[transcript language=%s samples=%d]", language, len(samples)),
		Language: language,
	}, nil
}

func (m *mockEngine) RMS(ctx context.Context, chunk []byte) float64 {
	return m.decoder.RMS(ctx, chunk)
}
