package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	MetricsPath   string `yaml:"metrics_path"`
}

type ServerConfig struct {
	Bind            string   `yaml:"bind"`
	Port            int      `yaml:"port"`
	WebsocketPath   string   `yaml:"ws_path"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	PingIntervalMS  int      `yaml:"ping_interval_ms"`
	WriteTimeoutMS  int      `yaml:"write_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Decoder     DecoderConfig    `yaml:"decoder"`
	Workers     WorkersConfig    `yaml:"workers"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

type DecoderConfig struct {
	Command             string `yaml:"command"`
	SampleRate          int    `yaml:"sample_rate"`
	TranscribeTimeoutMS int    `yaml:"transcribe_timeout_ms"`
	EnergyTimeoutMS     int    `yaml:"energy_timeout_ms"`
}

type WorkersConfig struct {
	Size int `yaml:"size"`
}

type STTConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec
	Command          string  `yaml:"command"`
	Model            string  `yaml:"model"`
	Language         string  `yaml:"language"`
	BeamSize         int     `yaml:"beam_size"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SilenceChunks    int     `yaml:"silence_chunks"`
	MinAudioBytes    int     `yaml:"min_audio_bytes"`
	TimeoutMS        int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, exec
	Command      string `yaml:"command"`
	Voice        string `yaml:"voice"`
	LangCode     string `yaml:"lang_code"`
	SampleRate   int    `yaml:"sample_rate"`
	OutputFormat string `yaml:"output_format"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	HeartbeatMS    int      `yaml:"heartbeat_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "speech-bridge",
		Environment: "development",
		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            8765,
			WebsocketPath:   "/ws",
			MaxMessageBytes: 10 << 20,
			PingIntervalMS:  30000,
			WriteTimeoutMS:  10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPInsecure:  true,
			MetricsPath:   "/metrics",
		},
		Decoder: DecoderConfig{
			Command:             "ffmpeg -hide_banner -loglevel error -i {input} -ar {rate} -ac 1 -f f32le -",
			SampleRate:          16000,
			TranscribeTimeoutMS: 10000,
			EnergyTimeoutMS:     5000,
		},
		Workers: WorkersConfig{
			Size: 0,
		},
		STT: STTConfig{
			Mode:             "mock",
			Model:            "base.en",
			Language:         "en",
			BeamSize:         5,
			SilenceThreshold: 0.01,
			SilenceChunks:    2,
			MinAudioBytes:    1000,
			TimeoutMS:        45000,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Voice:        "af_heart",
			LangCode:     "a",
			SampleRate:   24000,
			OutputFormat: "wav",
			TimeoutMS:    45000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/speech-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "speech",
			HeartbeatMS:    10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEECH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECH_ENVIRONMENT")
	overrideString(&cfg.Server.Bind, "SPEECH_HOST")
	overrideInt(&cfg.Server.Port, "SPEECH_PORT")
	overrideString(&cfg.Server.WebsocketPath, "SPEECH_WS_PATH")
	overrideStringSlice(&cfg.Server.AllowedOrigins, "SPEECH_CORS_ORIGINS")
	overrideInt64(&cfg.Server.MaxMessageBytes, "SPEECH_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Server.PingIntervalMS, "SPEECH_PING_INTERVAL_MS")
	overrideInt(&cfg.Server.WriteTimeoutMS, "SPEECH_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECH_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "SPEECH_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECH_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECH_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "SPEECH_METRICS_PATH")
	overrideString(&cfg.Decoder.Command, "SPEECH_DECODER_COMMAND")
	overrideInt(&cfg.Decoder.SampleRate, "SPEECH_DECODER_SAMPLE_RATE")
	overrideInt(&cfg.Decoder.TranscribeTimeoutMS, "SPEECH_DECODER_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.Decoder.EnergyTimeoutMS, "SPEECH_DECODER_ENERGY_TIMEOUT_MS")
	overrideInt(&cfg.Workers.Size, "SPEECH_WORKERS")
	overrideString(&cfg.STT.Mode, "SPEECH_STT_MODE")
	overrideString(&cfg.STT.Command, "SPEECH_STT_COMMAND")
	overrideString(&cfg.STT.Model, "SPEECH_STT_MODEL_SIZE")
	overrideString(&cfg.STT.Language, "SPEECH_STT_LANGUAGE")
	overrideInt(&cfg.STT.BeamSize, "SPEECH_STT_BEAM_SIZE")
	overrideFloat(&cfg.STT.SilenceThreshold, "SPEECH_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.SilenceChunks, "SPEECH_STT_SILENCE_CHUNKS")
	overrideInt(&cfg.STT.MinAudioBytes, "SPEECH_STT_MIN_AUDIO_BYTES")
	overrideInt(&cfg.STT.TimeoutMS, "SPEECH_STT_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "SPEECH_TTS_MODE")
	overrideString(&cfg.TTS.Command, "SPEECH_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "SPEECH_TTS_VOICE")
	overrideString(&cfg.TTS.LangCode, "SPEECH_TTS_LANG_CODE")
	overrideInt(&cfg.TTS.SampleRate, "SPEECH_TTS_SAMPLE_RATE")
	overrideString(&cfg.TTS.OutputFormat, "SPEECH_TTS_OUTPUT_FORMAT")
	overrideInt(&cfg.TTS.TimeoutMS, "SPEECH_TTS_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SPEECH_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SPEECH_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SPEECH_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SPEECH_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SPEECH_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "SPEECH_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SPEECH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECH_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SPEECH_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "SPEECH_BUS_SUBJECT_PREFIX")
	overrideInt(&cfg.Bus.HeartbeatMS, "SPEECH_BUS_HEARTBEAT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebsocketPath, "/") {
		return errors.New("server.ws_path must start with /")
	}
	if cfg.Server.MaxMessageBytes < 0 {
		return errors.New("server.max_message_bytes must be >= 0")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Decoder.SampleRate <= 0 {
		return errors.New("decoder.sample_rate must be positive")
	}
	if cfg.Decoder.TranscribeTimeoutMS <= 0 || cfg.Decoder.EnergyTimeoutMS <= 0 {
		return errors.New("decoder timeouts must be positive")
	}
	if cfg.Workers.Size < 0 {
		return errors.New("workers.size must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.STT.BeamSize <= 0 {
		return errors.New("stt.beam_size must be positive")
	}
	if cfg.STT.SilenceThreshold < 0 {
		return errors.New("stt.silence_threshold must be >= 0")
	}
	if cfg.STT.SilenceChunks <= 0 {
		return errors.New("stt.silence_chunks must be positive")
	}
	if cfg.STT.MinAudioBytes < 0 {
		return errors.New("stt.min_audio_bytes must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Voice == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	switch cfg.TTS.OutputFormat {
	case "wav", "pcm":
	default:
		return errors.New("tts.output_format must be one of wav|pcm")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Bus.HeartbeatMS < 0 {
			return errors.New("bus.heartbeat_ms must be >= 0")
		}
	}
	return nil
}
