package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Node        NodeConfig       `yaml:"node"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Capture     CaptureConfig    `yaml:"capture"`
	Extraction  ExtractionConfig `yaml:"extraction"`
	Router      RouterConfig     `yaml:"router"`
	Readback    ReadbackConfig   `yaml:"readback"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this daemon to the other nodes on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func (c NodeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c NodeConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	// MockTranscript is what the mock recognizer "hears" for every utterance.
	MockTranscript string `yaml:"mock_transcript"`
}

// ReadbackConfig controls spoken confirmation of ready drafts.
type ReadbackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	ChunkMS    int    `yaml:"chunk_ms"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

func (c ReadbackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CaptureConfig drives the capture session controller.
type CaptureConfig struct {
	TriggerPhrase    string `yaml:"trigger_phrase"`
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
	Language         string `yaml:"language"`
	// Timezone resolves the reference date handed to extraction ("hoje").
	Timezone string `yaml:"timezone"`
}

func (c CaptureConfig) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMS) * time.Millisecond
}

// Location returns the configured timezone, falling back to UTC.
func (c CaptureConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type ExtractionConfig struct {
	Mode      string `yaml:"mode"`      // rules, ollama, openai, exec
	Transport string `yaml:"transport"` // local, bus
	// Serve exposes the local engine to other nodes over the bus.
	Serve       bool    `yaml:"serve"`
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Command     string  `yaml:"command"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

func (c ExtractionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
	// Journal records session transitions in the event store.
	Journal bool `yaml:"journal"`
}

func Default() Config {
	return Config{
		RuntimeName: "stockcount",
		Environment: "development",
		Node: NodeConfig{
			ID:                  "stockcount-node-1",
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/stockcount-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			Language:        "pt-BR",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			PublishInterim:  true,
		},
		Capture: CaptureConfig{
			TriggerPhrase:    "confirmar contagem",
			SilenceTimeoutMS: 5000,
			Language:         "pt-BR",
			Timezone:         "America/Sao_Paulo",
		},
		Extraction: ExtractionConfig{
			Mode:        "rules",
			Transport:   "local",
			Endpoint:    "http://localhost:11434",
			Model:       "",
			Temperature: 0.1,
			MaxTokens:   256,
			TimeoutMS:   30000,
		},
		Router: RouterConfig{
			Enabled: true,
			Journal: true,
		},
		Readback: ReadbackConfig{
			Enabled:    false,
			Mode:       "mock",
			Voice:      "pt-BR",
			SampleRate: 16000,
			Channels:   1,
			ChunkMS:    200,
			TimeoutMS:  30000,
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
	overrideString(&cfg.RuntimeName, "STOCKCOUNT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "STOCKCOUNT_ENVIRONMENT")
	overrideString(&cfg.Node.ID, "STOCKCOUNT_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "STOCKCOUNT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "STOCKCOUNT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.HTTP.Bind, "STOCKCOUNT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STOCKCOUNT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "STOCKCOUNT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STOCKCOUNT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STOCKCOUNT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "STOCKCOUNT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "STOCKCOUNT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "STOCKCOUNT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "STOCKCOUNT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STOCKCOUNT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STOCKCOUNT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STOCKCOUNT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STOCKCOUNT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STOCKCOUNT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "STOCKCOUNT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "STOCKCOUNT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "STOCKCOUNT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "STOCKCOUNT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "STOCKCOUNT_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "STOCKCOUNT_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "STOCKCOUNT_STT_MODE")
	overrideString(&cfg.STT.Command, "STOCKCOUNT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "STOCKCOUNT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "STOCKCOUNT_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "STOCKCOUNT_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "STOCKCOUNT_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "STOCKCOUNT_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "STOCKCOUNT_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "STOCKCOUNT_STT_PUBLISH_INTERIM")
	overrideString(&cfg.STT.MockTranscript, "STOCKCOUNT_STT_MOCK_TRANSCRIPT")
	overrideString(&cfg.Capture.TriggerPhrase, "STOCKCOUNT_CAPTURE_TRIGGER_PHRASE")
	overrideInt(&cfg.Capture.SilenceTimeoutMS, "STOCKCOUNT_CAPTURE_SILENCE_TIMEOUT_MS")
	overrideString(&cfg.Capture.Language, "STOCKCOUNT_CAPTURE_LANGUAGE")
	overrideBool(&cfg.Readback.Enabled, "STOCKCOUNT_READBACK_ENABLED")
	overrideString(&cfg.Readback.Mode, "STOCKCOUNT_READBACK_MODE")
	overrideString(&cfg.Readback.Command, "STOCKCOUNT_READBACK_COMMAND")
	overrideString(&cfg.Readback.Voice, "STOCKCOUNT_READBACK_VOICE")
	overrideString(&cfg.Capture.Timezone, "STOCKCOUNT_CAPTURE_TIMEZONE")
	overrideString(&cfg.Extraction.Mode, "STOCKCOUNT_EXTRACTION_MODE")
	overrideString(&cfg.Extraction.Transport, "STOCKCOUNT_EXTRACTION_TRANSPORT")
	overrideBool(&cfg.Extraction.Serve, "STOCKCOUNT_EXTRACTION_SERVE")
	overrideString(&cfg.Extraction.Endpoint, "STOCKCOUNT_EXTRACTION_ENDPOINT")
	overrideString(&cfg.Extraction.APIKey, "STOCKCOUNT_EXTRACTION_API_KEY")
	overrideString(&cfg.Extraction.Model, "STOCKCOUNT_EXTRACTION_MODEL")
	overrideString(&cfg.Extraction.Command, "STOCKCOUNT_EXTRACTION_COMMAND")
	overrideFloat(&cfg.Extraction.Temperature, "STOCKCOUNT_EXTRACTION_TEMPERATURE")
	overrideInt(&cfg.Extraction.MaxTokens, "STOCKCOUNT_EXTRACTION_MAX_TOKENS")
	overrideInt(&cfg.Extraction.TimeoutMS, "STOCKCOUNT_EXTRACTION_TIMEOUT_MS")
	overrideBool(&cfg.Router.Enabled, "STOCKCOUNT_ROUTER_ENABLED")
	overrideBool(&cfg.Router.Journal, "STOCKCOUNT_ROUTER_JOURNAL")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.Readback.Enabled {
		switch cfg.Readback.Mode {
		case "mock", "exec":
		default:
			return errors.New("readback.mode must be one of mock|exec")
		}
		if cfg.Readback.Mode == "exec" && cfg.Readback.Command == "" {
			return errors.New("readback.command must be set when mode=exec")
		}
		if cfg.Readback.SampleRate <= 0 || cfg.Readback.Channels <= 0 || cfg.Readback.ChunkMS <= 0 {
			return errors.New("readback.sample_rate, readback.channels and readback.chunk_ms must be positive")
		}
		if cfg.Readback.TimeoutMS <= 0 {
			return errors.New("readback.timeout_ms must be positive")
		}
		if !cfg.Router.Enabled {
			return errors.New("readback requires router.enabled")
		}
	}
	if cfg.Capture.SilenceTimeoutMS <= 0 {
		return errors.New("capture.silence_timeout_ms must be positive")
	}
	if cfg.Capture.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Capture.Timezone); err != nil {
			return fmt.Errorf("capture.timezone is invalid: %w", err)
		}
	}
	switch cfg.Extraction.Mode {
	case "rules", "ollama", "openai", "exec":
	default:
		return errors.New("extraction.mode must be one of rules|ollama|openai|exec")
	}
	switch cfg.Extraction.Transport {
	case "local", "bus":
	default:
		return errors.New("extraction.transport must be one of local|bus")
	}
	if cfg.Extraction.Mode == "ollama" && cfg.Extraction.Endpoint == "" {
		return errors.New("extraction.endpoint must be set when mode=ollama")
	}
	if cfg.Extraction.Mode == "openai" && cfg.Extraction.APIKey == "" {
		return errors.New("extraction.api_key must be set when mode=openai")
	}
	if cfg.Extraction.Mode == "exec" && cfg.Extraction.Command == "" {
		return errors.New("extraction.command must be set when mode=exec")
	}
	if cfg.Extraction.MaxTokens < 0 {
		return errors.New("extraction.max_tokens must be >= 0")
	}
	if cfg.Extraction.Temperature < 0 || cfg.Extraction.Temperature > 2 {
		return errors.New("extraction.temperature must be between 0 and 2")
	}
	if cfg.Extraction.TimeoutMS <= 0 {
		return errors.New("extraction.timeout_ms must be positive")
	}
	if cfg.Extraction.Transport == "bus" && cfg.Extraction.Serve {
		return errors.New("extraction.serve requires transport=local")
	}
	return nil
}
