package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loqalabs/speech-bridge/internal/audio"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/errorsx"
	"github.com/mattn/go-shellwords"
)

// execEngine runs a whisper-style CLI once per transcription. The command
// receives a 16-bit mono WAV path and prints {"text","language","confidence"}.
type execEngine struct {
	cmd     []string
	cfg     config.STTConfig
	decoder *audio.Decoder
}

type execResult struct {
	Text       string   `json:"text"`
	Language   string   `json:"language"`
	Confidence *float64 `json:"confidence"`
}

func NewExecEngine(cfg config.STTConfig, decoder *audio.Decoder) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg, decoder: decoder}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, data []byte, language string, beamSize int) (Result, error) {
	samples, err := e.decoder.Decode(ctx, data)
	if err != nil {
		return Result{}, err
	}
	if len(samples) == 0 {
		return Result{Language: language}, nil
	}

	wavData, err := audio.EncodeWAV(samples, e.decoder.SampleRate())
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.KindDecode)
	}
	file, err := os.CreateTemp(os.TempDir(), "speech_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	_, err = file.Write(wavData)
	file.Close()
	if err != nil {
		return Result{}, fmt.Errorf("write temp wav: %w", err)
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.Model != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.Model)
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}
	if beamSize > 0 {
		cmdArgs = append(cmdArgs, "--beam-size", strconv.Itoa(beamSize))
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String())), errorsx.KindProvider)
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("decode stt response: %w", err), errorsx.KindProvider)
	}
	if resp.Language == "" {
		resp.Language = language
	}
	return Result{Text: strings.TrimSpace(resp.Text), Language: resp.Language, Confidence: resp.Confidence}, nil
}

func (e *execEngine) RMS(ctx context.Context, chunk []byte) float64 {
	return e.decoder.RMS(ctx, chunk)
}
