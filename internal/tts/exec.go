package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a kokoro-style CLI per request. The command reads one JSON
// request on stdin and writes JSON lines carrying base64 PCM.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	LangCode   string `json:"lang_code,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if channels <= 0 {
		channels = 1
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) SampleRate() int { return e.sampleRate }

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			LangCode:   req.LangCode,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}

		abort := func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16<<20)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode tts response: %w", err)
				abort()
				return
			}
			if resp.Error != "" {
				errs <- fmt.Errorf("tts command: %s", resp.Error)
				abort()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- fmt.Errorf("decode tts pcm: %w", err)
				abort()
				return
			}
			rate := resp.SampleRate
			if rate <= 0 {
				rate = e.sampleRate
			}
			select {
			case schunks <- SynthChunk{
				Sequence:   sequence,
				SampleRate: rate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				abort()
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			errs <- fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return schunks, errs
}
