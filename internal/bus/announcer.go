package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Capability is one service the bridge offers to other local processes.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Endpoint     string       `json:"endpoint,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID      string    `json:"node_id"`
	Connections int       `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

// Announcer advertises the bridge on the bus: one announce message at start
// and a heartbeat on every tick.
type Announcer struct {
	client       *Client
	prefix       string
	nodeID       string
	endpoint     string
	capabilities []Capability
	connections  func() int
}

// NewAnnouncer returns an announcer with a fresh node id. connections may be
// nil.
func NewAnnouncer(client *Client, prefix, endpoint string, capabilities []Capability, connections func() int) *Announcer {
	return &Announcer{
		client:       client,
		prefix:       prefix,
		nodeID:       uuid.NewString(),
		endpoint:     endpoint,
		capabilities: capabilities,
		connections:  connections,
	}
}

func (a *Announcer) NodeID() string { return a.nodeID }

func (a *Announcer) AnnounceSubject() string { return a.prefix + ".node.announce" }

func (a *Announcer) HeartbeatSubject() string {
	return fmt.Sprintf("%s.node.heartbeat.%s", a.prefix, a.nodeID)
}

// Run announces and then heartbeats every interval until ctx ends. A zero
// interval announces once and returns.
func (a *Announcer) Run(ctx context.Context, interval time.Duration) {
	if err := a.announce(); err != nil {
		a.client.log.Warn("failed to announce node", slogError(err))
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.heartbeat(); err != nil {
				a.client.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (a *Announcer) announce() error {
	payload, err := json.Marshal(announceMessage{
		NodeID:       a.nodeID,
		Role:         "speech-bridge",
		Endpoint:     a.endpoint,
		Capabilities: a.capabilities,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := a.client.Conn().Publish(a.AnnounceSubject(), payload); err != nil {
		return err
	}
	a.client.log.Info("announced node", slog.String("node_id", a.nodeID), slog.Int("capabilities", len(a.capabilities)))
	return nil
}

func (a *Announcer) heartbeat() error {
	msg := heartbeatMessage{NodeID: a.nodeID, Timestamp: time.Now().UTC()}
	if a.connections != nil {
		msg.Connections = a.connections()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.client.Conn().Publish(a.HeartbeatSubject(), payload)
}
