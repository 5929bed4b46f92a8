package stt

import (
	"context"
	"log/slog"
	"time"

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

const instrumentationName = "github.com/loqalabs/speech-bridge/stt"

// Confidence reported when the engine does not supply one.
const (
	DefaultFinalConfidence   = 1.0
	DefaultInterimConfidence = 0.8
)

// Controller drives the per-session transcription state machine: every chunk
// re-transcribes the whole accumulated buffer, and a run of silent chunks
// turns the next non-empty transcript into a final result plus end-of-speech.
type Controller struct {
	cfg     config.STTConfig
	engine  Engine
	pool    *worker.Pool
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics controllerMetrics
}

type controllerMetrics struct {
	transcriptions metric.Int64Counter
	latency        metric.Float64Histogram
	endOfSpeech    metric.Int64Counter
	errors         metric.Int64Counter
}

func NewController(cfg config.STTConfig, engine Engine, pool *worker.Pool, logger *slog.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		engine: engine,
		pool:   pool,
		logger: logger.With(slog.String("component", "stt-controller")),
		tracer: otel.Tracer(instrumentationName),
	}
	m, err := newControllerMetrics(otel.Meter(instrumentationName))
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
		m, _ = newControllerMetrics(noop.Meter{})
	}
	c.metrics = m
	return c
}

func newControllerMetrics(meter metric.Meter) (controllerMetrics, error) {
	var m controllerMetrics
	var err error
	if m.transcriptions, err = meter.Int64Counter("speech.stt.transcriptions",
		metric.WithDescription("Transcription calls by outcome")); err != nil {
		return m, err
	}
	if m.latency, err = meter.Float64Histogram("speech.stt.transcription.duration",
		metric.WithDescription("Transcription latency"), metric.WithUnit("s")); err != nil {
		return m, err
	}
	if m.endOfSpeech, err = meter.Int64Counter("speech.stt.end_of_speech",
		metric.WithDescription("Utterances closed by silence detection")); err != nil {
		return m, err
	}
	if m.errors, err = meter.Int64Counter("speech.stt.errors",
		metric.WithDescription("Transcription failures by kind")); err != nil {
		return m, err
	}
	return m, nil
}

// HandleAudio appends chunk to the session and returns the events to emit.
func (c *Controller) HandleAudio(ctx context.Context, s *Session, chunk []byte) []protocol.Event {
	s.Append(chunk)

	rms, err := worker.Submit(ctx, c.pool, func(ctx context.Context) (float64, error) {
		return c.engine.RMS(ctx, chunk), nil
	})
	if err != nil {
		// Only a cancelled connection gets here; RMS itself never fails.
		c.logger.Debug("energy measurement abandoned", slog.String("session_id", s.ID), slogError(err))
		return nil
	}
	if rms < c.cfg.SilenceThreshold {
		s.silentChunks++
	} else {
		s.silentChunks = 0
	}

	if s.Size() < c.cfg.MinAudioBytes {
		return nil
	}

	result, err := c.transcribe(ctx, s)
	if err != nil {
		return []protocol.Event{protocol.STTError(s.ID, err.Error())}
	}
	if result.Text == "" {
		return nil
	}

	if s.silentChunks >= c.cfg.SilenceChunks {
		events := []protocol.Event{
			protocol.Final(s.ID, result.Text, confidenceOr(result.Confidence, DefaultFinalConfidence)),
			protocol.EndOfSpeech(s.ID),
		}
		s.Clear()
		c.metrics.endOfSpeech.Add(ctx, 1)
		return events
	}
	return []protocol.Event{
		protocol.Interim(s.ID, result.Text, confidenceOr(result.Confidence, DefaultInterimConfidence)),
	}
}

// Stop runs one last transcription over whatever the session still holds.
// The caller is responsible for removing the session from its registry.
func (c *Controller) Stop(ctx context.Context, s *Session) []protocol.Event {
	defer s.Clear()
	// min_audio_bytes may be 0; an empty buffer is never transcribed.
	if s.Size() == 0 || s.Size() < c.cfg.MinAudioBytes {
		return nil
	}
	result, err := c.transcribe(ctx, s)
	if err != nil {
		return []protocol.Event{protocol.STTError(s.ID, err.Error())}
	}
	if result.Text == "" {
		return nil
	}
	return []protocol.Event{
		protocol.Final(s.ID, result.Text, confidenceOr(result.Confidence, DefaultFinalConfidence)),
	}
}

func (c *Controller) transcribe(ctx context.Context, s *Session) (Result, error) {
	if c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.language", s.Language),
		attribute.Int("audio.bytes", s.Size()),
		attribute.Int("audio.chunks", s.Chunks()),
	))
	defer span.End()

	data := s.Audio()
	start := time.Now()
	result, err := worker.Submit(ctx, c.pool, func(ctx context.Context) (Result, error) {
		return c.engine.Transcribe(ctx, data, s.Language, c.cfg.BeamSize)
	})
	c.metrics.latency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		err = errorsx.Wrap(err, errorsx.KindProvider)
		kind := errorsx.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		c.metrics.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		level := slog.LevelWarn
		if errorsx.Is(err, errorsx.KindDecode) {
			// Undecodable client audio, not a provider fault.
			level = slog.LevelInfo
		}
		c.logger.Log(ctx, level, "stt transcription failed",
			slog.String("session_id", s.ID),
			slog.String("kind", string(kind)),
			slogError(err))
		return Result{}, err
	}
	c.metrics.transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	return result, nil
}

func confidenceOr(value *float64, fallback float64) float64 {
	if value == nil {
		return fallback
	}
	return *value
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
