package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/speech-bridge/internal/protocol"
)

// Subjects below the configured prefix.
const (
	SubjectFinal       = "stt.final"
	SubjectEndOfSpeech = "stt.end_of_speech"
)

// Transcript is the payload published for finished utterances.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Type       string    `json:"type"`
	Text       string    `json:"text,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher forwards final transcripts and end-of-speech markers to NATS so
// other local processes can react to utterances without holding a websocket.
type Publisher struct {
	client *Client
	prefix string
	clock  func() time.Time
}

func NewPublisher(client *Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: strings.TrimSuffix(prefix, "."), clock: time.Now}
}

// Subject returns the full subject for a suffix such as SubjectFinal.
func (p *Publisher) Subject(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

// Record publishes evt when it closes an utterance and ignores everything else.
func (p *Publisher) Record(_ context.Context, evt protocol.Event) {
	var suffix string
	switch evt.Type {
	case protocol.TypeSTTFinal:
		suffix = SubjectFinal
	case protocol.TypeSTTEndOfSpeech:
		suffix = SubjectEndOfSpeech
	default:
		return
	}
	data, err := json.Marshal(Transcript{
		SessionID:  evt.ID,
		Type:       evt.Type,
		Text:       evt.Text,
		Confidence: evt.Confidence,
		Timestamp:  p.clock().UTC(),
	})
	if err != nil {
		p.client.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	subject := p.Subject(suffix)
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.client.log.Warn("failed to publish transcript", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
