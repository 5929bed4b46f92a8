package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/loqalabs/speech-bridge/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const errUnknownSession = "unknown session"

type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
}

type frameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// conn is the sequential processing context of one websocket. Everything
// below runs on the read goroutine; only keepalive pings run elsewhere.
type conn struct {
	h        *Handler
	ws       frameWriter
	remote   string
	log      *slog.Logger
	sessions *stt.Registry

	// pending holds the session id armed by the last stt:audio frame. Only
	// the next frame may fill it.
	pending string
}

func newConn(h *Handler, ws frameWriter, remote string) *conn {
	return &conn{
		h:        h,
		ws:       ws,
		remote:   remote,
		log:      h.logger.With(slog.String("remote", remote)),
		sessions: stt.NewRegistry(),
	}
}

func (c *conn) serve(parent context.Context, ws frameReader) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.h.metrics.connections.Add(ctx, 1)
	c.log.Info("connection opened")
	defer func() {
		c.h.metrics.connections.Add(context.Background(), -1)
		if n := c.sessions.Discard(); n > 0 {
			c.h.metrics.sessions.Add(context.Background(), int64(-n))
			c.log.Info("connection closed", slog.Int("discarded_sessions", n))
			return
		}
		c.log.Info("connection closed")
	}()

	ping := c.h.pingInterval()
	pongWait := 2 * ping
	if ping > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		for {
			if ping > 0 {
				_ = ws.SetReadDeadline(time.Now().Add(pongWait))
			}
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return err
			}
			c.handleFrame(gctx, mt, data)
		}
	})
	if ping > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(ping)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.writeTimeout())); err != nil {
						// Unblocks the reader.
						_ = ws.Close()
						return err
					}
				}
			}
		})
	}
	err := g.Wait()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.log.Debug("connection ended", slogError(err))
	}
}

func (c *conn) handleFrame(ctx context.Context, messageType int, data []byte) {
	switch messageType {
	case websocket.TextMessage:
		c.handleText(ctx, data)
	case websocket.BinaryMessage:
		c.handleBinary(ctx, data)
	}
}

func (c *conn) handleText(ctx context.Context, data []byte) {
	if c.pending != "" {
		c.log.Debug("audio slot disarmed by control frame", slog.String("session_id", c.pending))
		c.pending = ""
	}

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.frameIn(ctx, "invalid")
		c.send(ctx, protocol.ProtocolError("", err.Error()))
		return
	}
	c.frameIn(ctx, msg.Type)

	switch msg.Type {
	case protocol.TypeTTSSynthesize:
		c.send(ctx, c.h.opts.TTS.Handle(ctx, msg.ID, msg.Text, msg.Voice))

	case protocol.TypeSTTStart:
		language := msg.Language
		if language == "" {
			language = c.h.opts.Language
		}
		_, replaced := c.sessions.Open(msg.ID, language)
		if replaced {
			c.log.Info("stt session restarted", slog.String("session_id", msg.ID))
		} else {
			c.h.metrics.sessions.Add(ctx, 1)
		}
		c.record(ctx, protocol.Event{Type: protocol.TypeSTTStart, ID: msg.ID})

	case protocol.TypeSTTAudio:
		if _, ok := c.sessions.Get(msg.ID); !ok {
			c.send(ctx, protocol.STTError(msg.ID, errUnknownSession))
			return
		}
		c.pending = msg.ID

	case protocol.TypeSTTStop:
		session, ok := c.sessions.Remove(msg.ID)
		if !ok {
			c.send(ctx, protocol.STTError(msg.ID, errUnknownSession))
			return
		}
		c.h.metrics.sessions.Add(ctx, -1)
		for _, evt := range c.h.opts.STT.Stop(ctx, session) {
			c.send(ctx, evt)
		}
		c.record(ctx, protocol.Event{Type: protocol.TypeSTTStop, ID: msg.ID})

	case protocol.TypePing:
		c.send(ctx, protocol.Pong())

	default:
		c.send(ctx, protocol.ProtocolError(msg.ID, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (c *conn) handleBinary(ctx context.Context, data []byte) {
	c.frameIn(ctx, "binary")
	id := c.pending
	c.pending = ""
	if id == "" {
		c.h.metrics.dropped.Add(ctx, 1)
		c.log.Debug("dropping binary frame without stt:audio", slog.Int("bytes", len(data)))
		return
	}
	session, ok := c.sessions.Get(id)
	if !ok {
		c.h.metrics.dropped.Add(ctx, 1)
		return
	}
	for _, evt := range c.h.opts.STT.HandleAudio(ctx, session, data) {
		c.send(ctx, evt)
	}
}

// send records the event, then writes it as a JSON frame followed by its
// audio as a binary frame when it carries any.
func (c *conn) send(ctx context.Context, evt protocol.Event) {
	c.record(ctx, evt)
	if err := c.write(evt); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.log.Debug("write failed", slog.String("type", evt.Type), slogError(err))
		}
		return
	}
	c.h.metrics.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evt.Type)))
}

func (c *conn) write(evt protocol.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.Type, err)
	}
	deadline := time.Now().Add(c.h.writeTimeout())
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if evt.Audio == nil {
		return nil
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, evt.Audio)
}

func (c *conn) record(ctx context.Context, evt protocol.Event) {
	if c.h.opts.Recorder != nil {
		c.h.opts.Recorder.Record(ctx, evt)
	}
}

func (c *conn) frameIn(ctx context.Context, kind string) {
	c.h.metrics.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}
