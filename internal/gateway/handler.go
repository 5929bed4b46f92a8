// Package gateway speaks the bridge's websocket protocol: it routes JSON
// control frames and their paired binary audio frames to the stt controller
// and the tts handler, one sequential context per connection.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/stt"
	"github.com/loqalabs/speech-bridge/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/speech-bridge/gateway"

type Options struct {
	Server config.ServerConfig
	// Language applied to stt:start requests that do not name one.
	Language string
	STT      *stt.Controller
	TTS      *tts.Handler
	Recorder Recorder
	Logger   *slog.Logger
}

// Handler upgrades HTTP requests to websocket connections and serves them.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  gatewayMetrics

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

type gatewayMetrics struct {
	connections metric.Int64UpDownCounter
	sessions    metric.Int64UpDownCounter
	frames      metric.Int64Counter
	events      metric.Int64Counter
	dropped     metric.Int64Counter
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := newOriginPolicy(opts.Server.AllowedOrigins)
	h := &Handler{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     policy.checkOrigin,
		},
		logger: logger.With(slog.String("component", "gateway")),
		conns:  make(map[*websocket.Conn]struct{}),
	}
	m, err := newGatewayMetrics(otel.Meter(instrumentationName))
	if err != nil {
		h.logger.Warn("failed to initialize metrics", slogError(err))
		m, _ = newGatewayMetrics(noop.Meter{})
	}
	h.metrics = m
	return h
}

func newGatewayMetrics(meter metric.Meter) (gatewayMetrics, error) {
	var m gatewayMetrics
	var err error
	if m.connections, err = meter.Int64UpDownCounter("speech.gateway.connections",
		metric.WithDescription("Open websocket connections")); err != nil {
		return m, err
	}
	if m.sessions, err = meter.Int64UpDownCounter("speech.gateway.stt_sessions",
		metric.WithDescription("Open streaming transcription sessions")); err != nil {
		return m, err
	}
	if m.frames, err = meter.Int64Counter("speech.gateway.frames_in",
		metric.WithDescription("Inbound frames by message type")); err != nil {
		return m, err
	}
	if m.events, err = meter.Int64Counter("speech.gateway.events_out",
		metric.WithDescription("Outbound events by type")); err != nil {
		return m, err
	}
	if m.dropped, err = meter.Int64Counter("speech.gateway.binary_dropped",
		metric.WithDescription("Binary frames with no armed stt:audio")); err != nil {
		return m, err
	}
	return m, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slogError(err), slog.String("remote", r.RemoteAddr))
		return
	}
	if !h.track(ws) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	defer h.untrack(ws)
	defer ws.Close()

	if h.opts.Server.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.opts.Server.MaxMessageBytes)
	}

	// The request context is not cancelled when a hijacked connection closes;
	// serve derives its own and cancels it on exit.
	ctx := context.WithoutCancel(r.Context())
	c := newConn(h, ws, r.RemoteAddr)
	c.serve(ctx, ws)
}

// Close sends a going-away close frame to every open connection and refuses
// new ones.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for ws := range h.conns {
		conns = append(conns, ws)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, ws := range conns {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		_ = ws.Close()
	}
}

// Connections reports the number of open websocket connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) track(ws *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[ws] = struct{}{}
	return true
}

func (h *Handler) untrack(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, ws)
	h.mu.Unlock()
}

func (h *Handler) pingInterval() time.Duration {
	return time.Duration(h.opts.Server.PingIntervalMS) * time.Millisecond
}

func (h *Handler) writeTimeout() time.Duration {
	if h.opts.Server.WriteTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(h.opts.Server.WriteTimeoutMS) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
