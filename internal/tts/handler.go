package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/speech-bridge/internal/audio"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/errorsx"
	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/loqalabs/speech-bridge/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/speech-bridge/tts"

// ErrEmptyText is reported for requests without any text to speak.
var ErrEmptyText = errorsx.New(errorsx.KindValidation, "Empty text")

// Handler turns synthesize requests into a tts:result event carrying the
// encoded audio, or a tts:error event.
type Handler struct {
	cfg     config.TTSConfig
	synth   Synthesizer
	pool    *worker.Pool
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics handlerMetrics
}

type handlerMetrics struct {
	syntheses metric.Int64Counter
	latency   metric.Float64Histogram
	bytes     metric.Int64Counter
}

func NewHandler(cfg config.TTSConfig, synth Synthesizer, pool *worker.Pool, logger *slog.Logger) *Handler {
	h := &Handler{
		cfg:    cfg,
		synth:  synth,
		pool:   pool,
		logger: logger.With(slog.String("component", "tts-handler")),
		tracer: otel.Tracer(instrumentationName),
	}
	m, err := newHandlerMetrics(otel.Meter(instrumentationName))
	if err != nil {
		h.logger.Warn("failed to initialize metrics", slogError(err))
		m, _ = newHandlerMetrics(noop.Meter{})
	}
	h.metrics = m
	return h
}

func newHandlerMetrics(meter metric.Meter) (handlerMetrics, error) {
	var m handlerMetrics
	var err error
	if m.syntheses, err = meter.Int64Counter("speech.tts.syntheses",
		metric.WithDescription("Synthesis requests by outcome")); err != nil {
		return m, err
	}
	if m.latency, err = meter.Float64Histogram("speech.tts.synthesis.duration",
		metric.WithDescription("Synthesis latency"), metric.WithUnit("s")); err != nil {
		return m, err
	}
	if m.bytes, err = meter.Int64Counter("speech.tts.audio_bytes",
		metric.WithDescription("Encoded audio bytes returned to clients"), metric.WithUnit("By")); err != nil {
		return m, err
	}
	return m, nil
}

// Format is the encoding of audio returned by Handle.
func (h *Handler) Format() string {
	if h.cfg.OutputFormat == "" {
		return "wav"
	}
	return h.cfg.OutputFormat
}

// SampleRate is the rate reported for synthesized audio.
func (h *Handler) SampleRate() int {
	if rate := h.synth.SampleRate(); rate > 0 {
		return rate
	}
	return 24000
}

// Voice is the voice used when a request names none.
func (h *Handler) Voice() string { return h.cfg.Voice }

// Voices lists the synthesizer's voices, or nil when it cannot enumerate them.
func (h *Handler) Voices() []string {
	if lister, ok := h.synth.(VoiceLister); ok {
		return lister.Voices()
	}
	return nil
}

// Handle synthesizes text and returns the event to send. A successful event
// carries the audio in Event.Audio.
func (h *Handler) Handle(ctx context.Context, id, text, voice string) protocol.Event {
	if strings.TrimSpace(text) == "" {
		h.metrics.syntheses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
		return protocol.TTSError(id, ErrEmptyText.Error())
	}
	if voice == "" {
		voice = h.cfg.Voice
	}

	if h.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(h.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx, span := h.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("tts.voice", voice),
		attribute.Int("tts.text_runes", len([]rune(text))),
	))
	defer span.End()

	start := time.Now()
	req := SynthRequest{Text: text, Voice: voice, LangCode: h.cfg.LangCode}
	out, err := worker.Submit(ctx, h.pool, func(ctx context.Context) (rendered, error) {
		return h.render(ctx, req)
	})
	h.metrics.latency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		err = errorsx.Wrap(err, errorsx.KindProvider)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.syntheses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		h.logger.Warn("tts synthesis failed",
			slog.String("id", id),
			slog.String("voice", voice),
			slogError(err))
		return protocol.TTSError(id, err.Error())
	}

	h.metrics.syntheses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	h.metrics.bytes.Add(ctx, int64(len(out.data)))
	span.SetAttributes(attribute.Int("audio.bytes", len(out.data)))
	return protocol.TTSResult(id, h.Format(), out.sampleRate, out.data)
}

type rendered struct {
	data       []byte
	sampleRate int
}

// render drains the synthesizer and encodes the collected PCM.
func (h *Handler) render(ctx context.Context, req SynthRequest) (rendered, error) {
	chunks, errs := h.synth.Synthesize(ctx, req)
	var pcm []byte
	sampleRate := h.SampleRate()
	channels := 1
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil {
				return rendered{}, err
			}
			errs = nil
		case <-ctx.Done():
			return rendered{}, ctx.Err()
		}
	}
	if len(pcm) == 0 {
		return rendered{}, errors.New("synthesizer produced no audio")
	}
	if h.Format() == "pcm" {
		return rendered{data: pcm, sampleRate: sampleRate}, nil
	}
	data, err := audio.PCM16ToWAV(pcm, sampleRate, channels)
	if err != nil {
		return rendered{}, fmt.Errorf("encode wav: %w", err)
	}
	return rendered{data: data, sampleRate: sampleRate}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
