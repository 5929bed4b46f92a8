package stt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/speech-bridge/internal/audio"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/errorsx"
	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/loqalabs/speech-bridge/internal/worker"
)

// scriptedEngine replays transcripts in order and reports the RMS values
// queued in rms, one per chunk.
type scriptedEngine struct {
	texts   []string
	rms     []float64
	err     error
	delay   time.Duration
	calls   int
	lastLen int
	lastArg struct {
		language string
		beam     int
	}
}

func (e *scriptedEngine) Transcribe(ctx context.Context, data []byte, language string, beamSize int) (Result, error) {
	e.lastLen = len(data)
	e.lastArg.language = language
	e.lastArg.beam = beamSize
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if e.err != nil {
		return Result{}, e.err
	}
	text := ""
	if e.calls < len(e.texts) {
		text = e.texts[e.calls]
	}
	e.calls++
	return Result{Text: text, Language: language}, nil
}

func (e *scriptedEngine) RMS(context.Context, []byte) float64 {
	if len(e.rms) == 0 {
		return 1
	}
	v := e.rms[0]
	e.rms = e.rms[1:]
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSTTConfig() config.STTConfig {
	return config.STTConfig{
		Language:         "en",
		BeamSize:         5,
		SilenceThreshold: 0.01,
		SilenceChunks:    2,
		MinAudioBytes:    1000,
		TimeoutMS:        1000,
	}
}

func newTestController(cfg config.STTConfig, engine Engine) *Controller {
	return NewController(cfg, engine, worker.New(2), testLogger())
}

func eventTypes(events []protocol.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestHandleAudioBelowMinimumEmitsNothing(t *testing.T) {
	engine := &scriptedEngine{texts: []string{"hello"}}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")

	if events := c.HandleAudio(context.Background(), s, make([]byte, 500)); len(events) != 0 {
		t.Fatalf("expected no events, got %v", eventTypes(events))
	}
	if engine.calls != 0 {
		t.Fatalf("engine should not run below the minimum, ran %d times", engine.calls)
	}
	if s.Size() != 500 {
		t.Fatalf("chunk should still be buffered, size=%d", s.Size())
	}
}

func TestHandleAudioInterimOverWholeBuffer(t *testing.T) {
	engine := &scriptedEngine{texts: []string{"hel", "hello"}}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "de")

	events := c.HandleAudio(context.Background(), s, make([]byte, 1200))
	if len(events) != 1 || events[0].Type != protocol.TypeSTTInterim {
		t.Fatalf("expected one interim, got %v", eventTypes(events))
	}
	if events[0].Text != "hel" || events[0].ID != "s1" {
		t.Fatalf("unexpected interim %+v", events[0])
	}
	if events[0].Confidence == nil || *events[0].Confidence != DefaultInterimConfidence {
		t.Fatalf("expected default interim confidence, got %v", events[0].Confidence)
	}

	events = c.HandleAudio(context.Background(), s, make([]byte, 300))
	if len(events) != 1 || events[0].Text != "hello" {
		t.Fatalf("expected updated interim, got %+v", events)
	}
	if engine.lastLen != 1500 {
		t.Fatalf("expected the whole buffer to be transcribed, got %d bytes", engine.lastLen)
	}
	if engine.lastArg.language != "de" || engine.lastArg.beam != 5 {
		t.Fatalf("unexpected engine args %+v", engine.lastArg)
	}
}

func TestHandleAudioSilenceFinalizes(t *testing.T) {
	engine := &scriptedEngine{
		texts: []string{"hello", "hello world", "hello world"},
		rms:   []float64{0.5, 0.001, 0.002},
	}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")
	ctx := context.Background()

	if got := eventTypes(c.HandleAudio(ctx, s, make([]byte, 1000))); len(got) != 1 || got[0] != protocol.TypeSTTInterim {
		t.Fatalf("expected interim, got %v", got)
	}
	if got := eventTypes(c.HandleAudio(ctx, s, make([]byte, 100))); len(got) != 1 || got[0] != protocol.TypeSTTInterim {
		t.Fatalf("one silent chunk should not finalize, got %v", got)
	}

	events := c.HandleAudio(ctx, s, make([]byte, 100))
	got := eventTypes(events)
	if len(got) != 2 || got[0] != protocol.TypeSTTFinal || got[1] != protocol.TypeSTTEndOfSpeech {
		t.Fatalf("expected final then end-of-speech, got %v", got)
	}
	if events[0].Text != "hello world" || *events[0].Confidence != DefaultFinalConfidence {
		t.Fatalf("unexpected final %+v", events[0])
	}
	if s.Size() != 0 || s.SilentChunks() != 0 {
		t.Fatalf("buffer should be cleared, size=%d silent=%d", s.Size(), s.SilentChunks())
	}
}

func TestHandleAudioSpeechResetsSilenceRun(t *testing.T) {
	engine := &scriptedEngine{
		texts: []string{"a", "b", "c"},
		rms:   []float64{0.001, 0.5, 0.001},
	}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")

	for i := 0; i < 3; i++ {
		events := c.HandleAudio(context.Background(), s, make([]byte, 1000))
		if len(events) != 1 || events[0].Type != protocol.TypeSTTInterim {
			t.Fatalf("chunk %d: expected interim, got %v", i, eventTypes(events))
		}
	}
	if s.SilentChunks() != 1 {
		t.Fatalf("expected silence run of 1, got %d", s.SilentChunks())
	}
}

func TestHandleAudioEmptyTranscriptEmitsNothing(t *testing.T) {
	engine := &scriptedEngine{rms: []float64{0.001, 0.001}}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")

	c.HandleAudio(context.Background(), s, make([]byte, 1000))
	if events := c.HandleAudio(context.Background(), s, make([]byte, 1000)); len(events) != 0 {
		t.Fatalf("expected silence with no text to stay quiet, got %v", eventTypes(events))
	}
	if s.Size() != 2000 {
		t.Fatalf("buffer should be kept without a transcript, size=%d", s.Size())
	}
}

func TestHandleAudioEngineErrorKeepsSession(t *testing.T) {
	engine := &scriptedEngine{err: errors.New("model exploded")}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")

	events := c.HandleAudio(context.Background(), s, make([]byte, 1000))
	if len(events) != 1 || events[0].Type != protocol.TypeSTTError {
		t.Fatalf("expected stt:error, got %v", eventTypes(events))
	}
	if !strings.Contains(events[0].Error, "model exploded") || events[0].ID != "s1" {
		t.Fatalf("unexpected error event %+v", events[0])
	}
	if s.Size() != 1000 {
		t.Fatalf("session audio should survive an engine error, size=%d", s.Size())
	}

	engine.err = nil
	engine.texts = []string{"recovered"}
	events = c.HandleAudio(context.Background(), s, make([]byte, 10))
	if len(events) != 1 || events[0].Text != "recovered" {
		t.Fatalf("expected recovery, got %+v", events)
	}
}

func TestHandleAudioTimeout(t *testing.T) {
	cfg := testSTTConfig()
	cfg.TimeoutMS = 20
	engine := &scriptedEngine{texts: []string{"late"}, delay: time.Second}
	c := newTestController(cfg, engine)

	start := time.Now()
	events := c.HandleAudio(context.Background(), NewSession("s1", "en"), make([]byte, 1000))
	if len(events) != 1 || events[0].Type != protocol.TypeSTTError {
		t.Fatalf("expected stt:error on timeout, got %v", eventTypes(events))
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("timeout not applied")
	}
}

func TestStopWithoutAudio(t *testing.T) {
	for _, minBytes := range []int{1000, 0} {
		engine := &scriptedEngine{texts: []string{"ghost"}}
		cfg := testSTTConfig()
		cfg.MinAudioBytes = minBytes
		c := newTestController(cfg, engine)
		if events := c.Stop(context.Background(), NewSession("s1", "en")); len(events) != 0 {
			t.Fatalf("min %d: expected no events, got %v", minBytes, eventTypes(events))
		}
		if engine.calls != 0 || engine.lastLen != 0 {
			t.Fatalf("min %d: engine should not run for an empty session", minBytes)
		}
	}
}

func TestStopBelowMinimum(t *testing.T) {
	engine := &scriptedEngine{texts: []string{"ghost"}}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")
	s.Append(make([]byte, 999))
	if events := c.Stop(context.Background(), s); len(events) != 0 {
		t.Fatalf("expected no events, got %v", eventTypes(events))
	}
}

func TestStopEmitsFinal(t *testing.T) {
	engine := &scriptedEngine{texts: []string{"goodbye"}}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")
	s.Append(make([]byte, 1500))

	events := c.Stop(context.Background(), s)
	if len(events) != 1 || events[0].Type != protocol.TypeSTTFinal || events[0].Text != "goodbye" {
		t.Fatalf("expected a single final, got %+v", events)
	}
	if s.Size() != 0 {
		t.Fatal("stop should release the buffer")
	}
}

func TestStopError(t *testing.T) {
	engine := &scriptedEngine{err: errorsx.New(errorsx.KindDecode, "bad container")}
	c := newTestController(testSTTConfig(), engine)
	s := NewSession("s1", "en")
	s.Append(make([]byte, 1500))

	events := c.Stop(context.Background(), s)
	if len(events) != 1 || events[0].Type != protocol.TypeSTTError {
		t.Fatalf("expected stt:error, got %v", eventTypes(events))
	}
}

func TestTranscribeFailureLogLevel(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		level string
		kind  string
	}{
		{"decode", errorsx.New(errorsx.KindDecode, "bad container"), "level=INFO", "kind=decode"},
		{"provider", errors.New("model crashed"), "level=WARN", "kind=provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			c := NewController(testSTTConfig(), &scriptedEngine{err: tc.err}, worker.New(1), logger)
			s := NewSession("s1", "en")
			s.Append(make([]byte, 1500))

			events := c.Stop(context.Background(), s)
			if len(events) != 1 || events[0].Type != protocol.TypeSTTError {
				t.Fatalf("expected stt:error, got %v", eventTypes(events))
			}
			var line string
			for _, l := range strings.Split(buf.String(), "\n") {
				if strings.Contains(l, "stt transcription failed") {
					line = l
				}
			}
			if !strings.Contains(line, tc.level) || !strings.Contains(line, tc.kind) {
				t.Fatalf("expected %s %s, got %q", tc.level, tc.kind, line)
			}
		})
	}
}

func TestMockEngineOverWAV(t *testing.T) {
	dec, err := audio.NewDecoder(config.DecoderConfig{SampleRate: 16000}, testLogger())
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	engine := NewMockEngine(dec)

	loud := make([]float32, 1600)
	for i := range loud {
		loud[i] = 0.4
	}
	data, err := audio.EncodeWAV(loud, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := engine.Transcribe(context.Background(), data, "en", 5)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(res.Text, "samples=1600") || res.Confidence != nil {
		t.Fatalf("unexpected result %+v", res)
	}

	quiet, _ := audio.EncodeWAV(make([]float32, 1600), 16000)
	res, err = engine.Transcribe(context.Background(), quiet, "en", 5)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("expected no text for silence, got %q", res.Text)
	}
	if rms := engine.RMS(context.Background(), data); rms < 0.39 {
		t.Fatalf("expected loud rms, got %f", rms)
	}
}

func TestNewEngineModes(t *testing.T) {
	dec, _ := audio.NewDecoder(config.DecoderConfig{SampleRate: 16000}, testLogger())
	if _, err := NewEngine(config.STTConfig{Mode: "mock"}, dec); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewEngine(config.STTConfig{Mode: "exec"}, dec); err == nil {
		t.Fatal("expected exec without command to fail")
	}
	if _, err := NewEngine(config.STTConfig{Mode: "cloud"}, dec); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}
