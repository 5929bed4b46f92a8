package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/errorsx"
	"github.com/mattn/go-shellwords"
)

const (
	placeholderInput = "{input}"
	placeholderRate  = "{rate}"
)

// ErrDecode is returned (wrapped) for input that no decode path accepts.
var ErrDecode = errorsx.New(errorsx.KindDecode, "audio decode failed")

// Decoder normalizes arbitrary audio into mono float32 samples at a fixed rate.
// WAV input is decoded in-process; everything else goes through an external
// decoder command that must write raw little-endian float32 PCM to stdout.
type Decoder struct {
	cmd               []string
	sampleRate        int
	transcribeTimeout time.Duration
	energyTimeout     time.Duration
	log               *slog.Logger
}

func NewDecoder(cfg config.DecoderConfig, logger *slog.Logger) (*Decoder, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("decoder sample rate must be positive, got %d", cfg.SampleRate)
	}
	var args []string
	if strings.TrimSpace(cfg.Command) != "" {
		parser := shellwords.NewParser()
		parsed, err := parser.Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse decoder command: %w", err)
		}
		args = parsed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		cmd:               args,
		sampleRate:        cfg.SampleRate,
		transcribeTimeout: msOrDefault(cfg.TranscribeTimeoutMS, 10*time.Second),
		energyTimeout:     msOrDefault(cfg.EnergyTimeoutMS, 5*time.Second),
		log:               logger.With(slog.String("component", "audio-decoder")),
	}, nil
}

// SampleRate is the rate of every buffer the decoder returns.
func (d *Decoder) SampleRate() int {
	return d.sampleRate
}

// Decode converts raw into samples, trying the in-process WAV path first and
// falling back to the external decoder.
func (d *Decoder) Decode(ctx context.Context, raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if IsWAV(raw) {
		samples, err := decodeWAVStream(raw, d.sampleRate)
		if err == nil {
			return samples, nil
		}
		d.log.Debug("direct wav decode failed, falling back", slogError(err))
	}
	return d.decodeExternal(ctx, raw, d.transcribeTimeout)
}

// RMS measures the energy of a single chunk. Any decode failure yields 0,
// which callers treat as silence.
func (d *Decoder) RMS(ctx context.Context, chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}
	if IsWAV(chunk) {
		if samples, err := decodeWAVStream(chunk, d.sampleRate); err == nil {
			return RootMeanSquare(samples)
		}
	}
	samples, err := d.decodeExternal(ctx, chunk, d.energyTimeout)
	if err != nil {
		d.log.Debug("energy decode failed, treating chunk as silent", slogError(err))
		return 0
	}
	return RootMeanSquare(samples)
}

func (d *Decoder) decodeExternal(ctx context.Context, raw []byte, timeout time.Duration) ([]float32, error) {
	if len(d.cmd) == 0 {
		return nil, fmt.Errorf("%w: no external decoder configured", ErrDecode)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(d.cmd))
	var tmpPath string
	for _, arg := range d.cmd {
		if strings.Contains(arg, placeholderInput) {
			if tmpPath == "" {
				path, err := writeTemp(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrDecode, err)
				}
				tmpPath = path
				defer os.Remove(tmpPath)
			}
			arg = strings.ReplaceAll(arg, placeholderInput, tmpPath)
		}
		arg = strings.ReplaceAll(arg, placeholderRate, strconv.Itoa(d.sampleRate))
		args = append(args, arg)
	}

	command := exec.CommandContext(ctx, args[0], args[1:]...)
	command.WaitDelay = time.Second
	if tmpPath == "" {
		command.Stdin = bytes.NewReader(raw)
	}
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: external decoder timed out after %s", ErrDecode, timeout)
		}
		return nil, fmt.Errorf("%w: external decoder failed: %v: %s", ErrDecode, err, truncate(stderr.String(), 200))
	}
	if stdout.Len() < 4 {
		return nil, fmt.Errorf("%w: external decoder produced no audio", ErrDecode)
	}
	return Float32LE(stdout.Bytes()), nil
}

func writeTemp(raw []byte) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), "speech_audio_*.webm")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(raw); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return file.Name(), nil
}

func msOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
