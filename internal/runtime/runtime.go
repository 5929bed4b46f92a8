package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speech-bridge/internal/audio"
	"github.com/loqalabs/speech-bridge/internal/bus"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/eventstore"
	"github.com/loqalabs/speech-bridge/internal/gateway"
	"github.com/loqalabs/speech-bridge/internal/natsserver"
	"github.com/loqalabs/speech-bridge/internal/stt"
	"github.com/loqalabs/speech-bridge/internal/tts"
	"github.com/loqalabs/speech-bridge/internal/worker"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	pool    *worker.Pool
	stt     *stt.Controller
	tts     *tts.Handler
	gateway *gateway.Handler
	store   *eventstore.Store
	nats    *natsserver.EmbeddedServer
	bus     *bus.Client

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	addr        atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the bridge until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.build(ctx); err != nil {
		r.closeComponents()
		return err
	}
	defer r.closeComponents()

	addr := net.JoinHostPort(r.cfg.Server.Bind, strconv.Itoa(r.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	if r.bus != nil {
		endpoint := "ws://" + listener.Addr().String() + r.cfg.Server.WebsocketPath
		announcer := bus.NewAnnouncer(r.bus, r.cfg.Bus.SubjectPrefix, endpoint, r.capabilities(), r.gateway.Connections)
		g.Go(func() error {
			announcer.Run(gctx, time.Duration(r.cfg.Bus.HeartbeatMS)*time.Millisecond)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		r.gateway.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("ws_path", r.cfg.Server.WebsocketPath),
		slog.Int("workers", r.pool.Size()))

	return g.Wait()
}

// Addr is the address the HTTP server listens on, once started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// build constructs every component from configuration.
func (r *Runtime) build(ctx context.Context) error {
	r.pool = worker.New(r.cfg.Workers.Size)

	decoder, err := audio.NewDecoder(r.cfg.Decoder, r.logger)
	if err != nil {
		return fmt.Errorf("audio decoder: %w", err)
	}
	engine, err := stt.NewEngine(r.cfg.STT, decoder)
	if err != nil {
		return fmt.Errorf("stt engine: %w", err)
	}
	r.stt = stt.NewController(r.cfg.STT, engine, r.pool, r.logger)

	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("tts synthesizer: %w", err)
	}
	r.tts = tts.NewHandler(r.cfg.TTS, synth, r.pool, r.logger)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	r.store = store
	recorders := gateway.Recorders{store}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			ns, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return err
			}
			r.nats = ns
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
		recorders = append(recorders, bus.NewPublisher(client, busCfg.SubjectPrefix))
	}

	r.gateway = gateway.NewHandler(gateway.Options{
		Server:   r.cfg.Server,
		Language: r.cfg.STT.Language,
		STT:      r.stt,
		TTS:      r.tts,
		Recorder: recorders,
		Logger:   r.logger,
	})
	return nil
}

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(r.cfg.Server.WebsocketPath, r.gateway)
	mux.Handle("/health", gateway.CORS(r.cfg.Server.AllowedOrigins, http.HandlerFunc(r.handleStatus)))
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	if metricsHandler != nil && r.cfg.Telemetry.MetricsPath != "" {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	return mux
}

func (r *Runtime) capabilities() []bus.Capability {
	return []bus.Capability{
		{Name: "tts", Attributes: map[string]string{
			"voice":       r.tts.Voice(),
			"sample_rate": strconv.Itoa(r.tts.SampleRate()),
			"format":      r.tts.Format(),
		}},
		{Name: "stt", Attributes: map[string]string{
			"model":    r.cfg.STT.Model,
			"language": r.cfg.STT.Language,
		}},
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if !r.store.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) closeComponents() {
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

type statusTTS struct {
	Voice      string   `json:"voice"`
	LangCode   string   `json:"langCode,omitempty"`
	SampleRate int      `json:"sampleRate"`
	Format     string   `json:"format"`
	Voices     []string `json:"voices,omitempty"`
}

type statusSTT struct {
	Model    string `json:"model"`
	Language string `json:"language"`
}

type statusWorkers struct {
	Size     int   `json:"size"`
	InFlight int64 `json:"inFlight"`
	Queued   int64 `json:"queued"`
}

type statusResponse struct {
	Status      string        `json:"status"`
	TTS         statusTTS     `json:"tts"`
	STT         statusSTT     `json:"stt"`
	Connections int           `json:"connections"`
	Workers     statusWorkers `json:"workers"`
	Bus         string        `json:"bus,omitempty"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Status: "ok",
		TTS: statusTTS{
			Voice:      r.tts.Voice(),
			LangCode:   r.cfg.TTS.LangCode,
			SampleRate: r.tts.SampleRate(),
			Format:     r.tts.Format(),
			Voices:     r.tts.Voices(),
		},
		STT: statusSTT{
			Model:    r.cfg.STT.Model,
			Language: r.cfg.STT.Language,
		},
		Connections: r.gateway.Connections(),
		Workers: statusWorkers{
			Size:     r.pool.Size(),
			InFlight: r.pool.InFlight(),
			Queued:   r.pool.Queued(),
		},
	}
	if r.cfg.Bus.Enabled {
		resp.Bus = "disconnected"
		if r.bus.Healthy() {
			resp.Bus = "connected"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if !r.store.Enabled() {
		http.Error(w, "event store is ephemeral", http.StatusNotFound)
		return
	}
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Error("list session events failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	out := make([]sessionEvent, 0, len(events))
	for _, e := range events {
		out = append(out, sessionEvent{ID: e.ID, Type: e.Type, Payload: json.RawMessage(e.Payload), CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": req.PathValue("id"), "events": out})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
