package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/speech-bridge/internal/audio"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/loqalabs/speech-bridge/internal/stt"
	"github.com/loqalabs/speech-bridge/internal/tts"
	"github.com/loqalabs/speech-bridge/internal/worker"
)

type frame struct {
	messageType int
	data        []byte
}

type fakeWriter struct {
	frames []frame
}

func (f *fakeWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWriter) WriteMessage(messageType int, data []byte) error {
	f.frames = append(f.frames, frame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

// take returns the frames written since the last call.
func (f *fakeWriter) take() []frame {
	out := f.frames
	f.frames = nil
	return out
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (m *memoryRecorder) Record(_ context.Context, evt protocol.Event) {
	m.mu.Lock()
	m.events = append(m.events, evt)
	m.mu.Unlock()
}

func (m *memoryRecorder) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, server config.ServerConfig, rec Recorder) *Handler {
	t.Helper()
	cfg := config.Default()
	logger := testLogger()
	dec, err := audio.NewDecoder(config.DecoderConfig{SampleRate: 16000}, logger)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	pool := worker.New(2)
	return NewHandler(Options{
		Server:   server,
		Language: cfg.STT.Language,
		STT:      stt.NewController(cfg.STT, stt.NewMockEngine(dec), pool, logger),
		TTS:      tts.NewHandler(cfg.TTS, tts.NewMockSynth(cfg.TTS.SampleRate, 1), pool, logger),
		Recorder: rec,
		Logger:   logger,
	})
}

// wavOfSize encodes a constant-level mono 16 kHz WAV exactly n bytes long.
func wavOfSize(t *testing.T, n int, level float32) []byte {
	t.Helper()
	samples := make([]float32, (n-44)/2)
	for i := range samples {
		samples[i] = level
	}
	data, err := audio.EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if len(data) != n {
		t.Fatalf("expected %d wav bytes, got %d", n, len(data))
	}
	return data
}

func text(t *testing.T, c *conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.handleFrame(context.Background(), websocket.TextMessage, data)
}

func binary(c *conn, data []byte) {
	c.handleFrame(context.Background(), websocket.BinaryMessage, data)
}

func decodeFrames(t *testing.T, frames []frame) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, f := range frames {
		if f.messageType != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(f.data, &m); err != nil {
			t.Fatalf("decode frame %q: %v", f.data, err)
		}
		out = append(out, m)
	}
	return out
}

func typesOf(events []map[string]any) []any {
	out := make([]any, len(events))
	for i, e := range events {
		out[i] = e["type"]
	}
	return out
}

func newTestConn(t *testing.T, rec Recorder) (*conn, *fakeWriter) {
	t.Helper()
	h := newTestHandler(t, config.Default().Server, rec)
	w := &fakeWriter{}
	return newConn(h, w, "test"), w
}

func TestStreamingTranscriptionScenario(t *testing.T) {
	c, w := newTestConn(t, nil)

	text(t, c, map[string]any{"type": "stt:start", "id": "s1"})
	if frames := w.take(); len(frames) != 0 {
		t.Fatalf("stt:start should be silent, got %d frames", len(frames))
	}

	text(t, c, map[string]any{"type": "stt:audio", "id": "s1"})
	binary(c, wavOfSize(t, 2000, 0.3))
	events := decodeFrames(t, w.take())
	if len(events) != 1 || events[0]["type"] != "stt:interim" || events[0]["id"] != "s1" {
		t.Fatalf("expected one interim for s1, got %v", events)
	}
	if events[0]["confidence"] != 0.8 || events[0]["text"] == "" {
		t.Fatalf("unexpected interim %v", events[0])
	}

	text(t, c, map[string]any{"type": "stt:stop", "id": "s1"})
	events = decodeFrames(t, w.take())
	if len(events) != 1 || events[0]["type"] != "stt:final" || events[0]["confidence"] != 1.0 {
		t.Fatalf("expected one final, got %v", events)
	}
	if c.sessions.Len() != 0 {
		t.Fatal("session should be removed after stop")
	}
}

func TestSilenceEndsUtterance(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "stt:start", "id": "s1"})

	text(t, c, map[string]any{"type": "stt:audio", "id": "s1"})
	binary(c, wavOfSize(t, 2000, 0.3))
	text(t, c, map[string]any{"type": "stt:audio", "id": "s1"})
	binary(c, wavOfSize(t, 500, 0))
	text(t, c, map[string]any{"type": "stt:audio", "id": "s1"})
	binary(c, wavOfSize(t, 500, 0))

	got := typesOf(decodeFrames(t, w.take()))
	want := []any{"stt:interim", "stt:interim", "stt:final", "stt:end-of-speech"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	session, ok := c.sessions.Get("s1")
	if !ok || session.Size() != 0 {
		t.Fatal("session should stay open with an empty buffer")
	}
	text(t, c, map[string]any{"type": "stt:stop", "id": "s1"})
	if frames := w.take(); len(frames) != 0 {
		t.Fatalf("stop on an empty buffer should be silent, got %d frames", len(frames))
	}
}

func TestBinaryWithoutAudioHeaderDropped(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "stt:start", "id": "s1"})
	binary(c, wavOfSize(t, 2000, 0.3))

	if frames := w.take(); len(frames) != 0 {
		t.Fatalf("expected no output, got %d frames", len(frames))
	}
	if s, _ := c.sessions.Get("s1"); s.Size() != 0 {
		t.Fatal("stray binary frame must not reach the session")
	}
}

func TestControlFrameDisarmsAudioSlot(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "stt:start", "id": "s1"})
	text(t, c, map[string]any{"type": "stt:audio", "id": "s1"})
	text(t, c, map[string]any{"type": "ping"})
	binary(c, wavOfSize(t, 2000, 0.3))

	got := typesOf(decodeFrames(t, w.take()))
	if len(got) != 1 || got[0] != "pong" {
		t.Fatalf("expected only pong, got %v", got)
	}
	if s, _ := c.sessions.Get("s1"); s.Size() != 0 {
		t.Fatal("binary after a control frame must be dropped")
	}
}

func TestUnknownSession(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "stt:audio", "id": "nope"})
	binary(c, wavOfSize(t, 2000, 0.3))
	text(t, c, map[string]any{"type": "stt:stop", "id": "nope"})

	events := decodeFrames(t, w.take())
	if len(events) != 2 {
		t.Fatalf("expected 2 errors, got %v", events)
	}
	for _, e := range events {
		if e["type"] != "stt:error" || e["id"] != "nope" || e["error"] != "unknown session" {
			t.Fatalf("unexpected event %v", e)
		}
	}
}

func TestStopTwice(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "stt:start", "id": "s1"})
	text(t, c, map[string]any{"type": "stt:stop", "id": "s1"})
	text(t, c, map[string]any{"type": "stt:stop", "id": "s1"})

	events := decodeFrames(t, w.take())
	if len(events) != 1 || events[0]["type"] != "stt:error" {
		t.Fatalf("expected a single stt:error for the second stop, got %v", events)
	}
}

func TestRestartReplacesSession(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "stt:start", "id": "s1"})
	text(t, c, map[string]any{"type": "stt:audio", "id": "s1"})
	binary(c, wavOfSize(t, 800, 0.3))
	text(t, c, map[string]any{"type": "stt:start", "id": "s1", "language": "de"})
	w.take()

	s, ok := c.sessions.Get("s1")
	if !ok || s.Size() != 0 || s.Language != "de" {
		t.Fatalf("expected a fresh german session, got %+v", s)
	}
	if c.sessions.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", c.sessions.Len())
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "stt:start", "id": "a"})
	text(t, c, map[string]any{"type": "stt:start", "id": "b"})
	text(t, c, map[string]any{"type": "stt:audio", "id": "a"})
	binary(c, wavOfSize(t, 600, 0.3))
	text(t, c, map[string]any{"type": "stt:audio", "id": "b"})
	binary(c, wavOfSize(t, 600, 0.3))

	if frames := w.take(); len(frames) != 0 {
		t.Fatalf("neither session reached the minimum, got %d frames", len(frames))
	}
	a, _ := c.sessions.Get("a")
	b, _ := c.sessions.Get("b")
	if a.Size() != 600 || b.Size() != 600 {
		t.Fatalf("expected 600 bytes each, got a=%d b=%d", a.Size(), b.Size())
	}
}

func TestSynthesizeWritesMetadataThenAudio(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "tts:synthesize", "id": "t1", "text": "Hello there"})

	frames := w.take()
	if len(frames) != 2 {
		t.Fatalf("expected metadata and audio frames, got %d", len(frames))
	}
	if frames[0].messageType != websocket.TextMessage || frames[1].messageType != websocket.BinaryMessage {
		t.Fatal("metadata must precede the binary payload")
	}
	meta := decodeFrames(t, frames[:1])[0]
	if meta["type"] != "tts:result" || meta["id"] != "t1" || meta["format"] != "wav" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if meta["sampleRate"] != float64(24000) {
		t.Fatalf("expected sampleRate 24000, got %v", meta["sampleRate"])
	}
	if meta["byteLength"] != float64(len(frames[1].data)) {
		t.Fatalf("byteLength %v does not match payload %d", meta["byteLength"], len(frames[1].data))
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "tts:synthesize", "id": "t1", "text": "  "})

	frames := w.take()
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	evt := decodeFrames(t, frames)[0]
	if evt["type"] != "tts:error" || evt["error"] != "Empty text" || evt["id"] != "t1" {
		t.Fatalf("unexpected event %v", evt)
	}
}

func TestProtocolErrors(t *testing.T) {
	c, w := newTestConn(t, nil)
	c.handleFrame(context.Background(), websocket.TextMessage, []byte("{not json"))
	text(t, c, map[string]any{"type": "stt:dance", "id": "x1"})

	events := decodeFrames(t, w.take())
	if len(events) != 2 {
		t.Fatalf("expected 2 errors, got %v", events)
	}
	if events[0]["type"] != "error" || events[0]["error"] == "" {
		t.Fatalf("unexpected malformed-json event %v", events[0])
	}
	if events[1]["type"] != "error" || events[1]["id"] != "x1" {
		t.Fatalf("unexpected unknown-type event %v", events[1])
	}
}

func TestMissingIDGetsOne(t *testing.T) {
	c, w := newTestConn(t, nil)
	text(t, c, map[string]any{"type": "tts:synthesize", "text": ""})
	evt := decodeFrames(t, w.take())[0]
	if id, _ := evt["id"].(string); len(id) != 36 {
		t.Fatalf("expected a generated uuid, got %v", evt["id"])
	}
}

func TestRecorderSeesLifecycle(t *testing.T) {
	rec := &memoryRecorder{}
	c, _ := newTestConn(t, rec)
	text(t, c, map[string]any{"type": "stt:start", "id": "s1"})
	text(t, c, map[string]any{"type": "stt:audio", "id": "s1"})
	binary(c, wavOfSize(t, 2000, 0.3))
	text(t, c, map[string]any{"type": "stt:stop", "id": "s1"})

	got := rec.types()
	want := []string{"stt:start", "stt:interim", "stt:final", "stt:stop"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
