package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/speech-bridge/internal/errorsx"
)

// Client message types.
const (
	TypeTTSSynthesize = "tts:synthesize"
	TypeSTTStart      = "stt:start"
	TypeSTTAudio      = "stt:audio"
	TypeSTTStop       = "stt:stop"
	TypePing          = "ping"
)

// Server event types.
const (
	TypeTTSResult      = "tts:result"
	TypeTTSError       = "tts:error"
	TypeSTTInterim     = "stt:interim"
	TypeSTTFinal       = "stt:final"
	TypeSTTEndOfSpeech = "stt:end-of-speech"
	TypeSTTError       = "stt:error"
	TypePong           = "pong"
	TypeError          = "error"
)

// ClientMessage is a JSON control frame sent by the client.
type ClientMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Text     string `json:"text,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

// DecodeClientMessage parses a control frame, assigning a fresh id when the
// client did not supply one.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, errorsx.Wrap(fmt.Errorf("invalid control message: %w", err), errorsx.KindProtocol)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return msg, errorsx.Wrap(errors.New("control message missing type"), errorsx.KindProtocol)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg, nil
}

// Event is a server-to-client message. Audio, when set, is written as a
// binary frame directly after the JSON frame.
type Event struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Text       string   `json:"text,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Format     string   `json:"format,omitempty"`
	SampleRate int      `json:"sampleRate,omitempty"`
	ByteLength *int     `json:"byteLength,omitempty"`
	Error      string   `json:"error,omitempty"`

	Audio []byte `json:"-"`
}

func Interim(id, text string, confidence float64) Event {
	return Event{Type: TypeSTTInterim, ID: id, Text: text, Confidence: &confidence}
}

func Final(id, text string, confidence float64) Event {
	return Event{Type: TypeSTTFinal, ID: id, Text: text, Confidence: &confidence}
}

func EndOfSpeech(id string) Event {
	return Event{Type: TypeSTTEndOfSpeech, ID: id}
}

func STTError(id, msg string) Event {
	return Event{Type: TypeSTTError, ID: id, Error: msg}
}

// TTSResult carries synthesis metadata; byteLength always equals len(audio).
func TTSResult(id, format string, sampleRate int, audio []byte) Event {
	n := len(audio)
	return Event{Type: TypeTTSResult, ID: id, Format: format, SampleRate: sampleRate, ByteLength: &n, Audio: audio}
}

func TTSError(id, msg string) Event {
	return Event{Type: TypeTTSError, ID: id, Error: msg}
}

func Pong() Event {
	return Event{Type: TypePong}
}

func ProtocolError(id, msg string) Event {
	return Event{Type: TypeError, ID: id, Error: msg}
}

// IsError reports whether the event is one of the error events.
func (e Event) IsError() bool {
	switch e.Type {
	case TypeTTSError, TypeSTTError, TypeError:
		return true
	}
	return false
}
