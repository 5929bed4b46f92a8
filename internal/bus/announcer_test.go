package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestAnnouncerPublishesAnnounceAndHeartbeats(t *testing.T) {
	client := connectEmbedded(t)
	sub, err := client.Conn().SubscribeSync("speech.node.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	a := NewAnnouncer(client, "speech", "ws://127.0.0.1:8765/ws",
		[]Capability{{Name: "tts", Attributes: map[string]string{"voice": "af_heart"}}, {Name: "stt"}},
		func() int { return 3 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, 20*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if msg.Subject != "speech.node.announce" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	var announce announceMessage
	if err := json.Unmarshal(msg.Data, &announce); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if announce.NodeID != a.NodeID() || len(announce.Capabilities) != 2 || announce.Role != "speech-bridge" {
		t.Fatalf("unexpected announce %+v", announce)
	}

	msg, err = sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if msg.Subject != a.HeartbeatSubject() {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hb.Connections != 3 {
		t.Fatalf("expected 3 connections, got %d", hb.Connections)
	}
}
