package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.TriggerPhrase != "confirmar contagem" {
		t.Fatalf("expected default trigger phrase, got %q", cfg.Capture.TriggerPhrase)
	}
	if cfg.Capture.SilenceTimeout() != 5*time.Second {
		t.Fatalf("expected 5s silence timeout, got %s", cfg.Capture.SilenceTimeout())
	}
	if cfg.Node.HeartbeatInterval() != 5*time.Second || cfg.Node.HeartbeatTimeout() != 15*time.Second {
		t.Fatalf("unexpected node heartbeat defaults: %+v", cfg.Node)
	}
	if cfg.Extraction.Mode != "rules" || cfg.Extraction.Temperature != 0.1 {
		t.Fatalf("unexpected extraction defaults: %+v", cfg.Extraction)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STOCKCOUNT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("STOCKCOUNT_BUS_USERNAME", "alice")
	t.Setenv("STOCKCOUNT_BUS_PASSWORD", "secret")
	t.Setenv("STOCKCOUNT_BUS_TLS_INSECURE", "true")
	t.Setenv("STOCKCOUNT_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("STOCKCOUNT_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("STOCKCOUNT_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("STOCKCOUNT_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("STOCKCOUNT_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("STOCKCOUNT_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("STOCKCOUNT_CAPTURE_TRIGGER_PHRASE", "fim da contagem")
	t.Setenv("STOCKCOUNT_CAPTURE_SILENCE_TIMEOUT_MS", "3000")
	t.Setenv("STOCKCOUNT_EXTRACTION_MODE", "openai")
	t.Setenv("STOCKCOUNT_EXTRACTION_API_KEY", "sk-test")
	t.Setenv("STOCKCOUNT_EXTRACTION_TEMPERATURE", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Capture.TriggerPhrase != "fim da contagem" {
		t.Fatalf("expected trigger phrase override, got %q", cfg.Capture.TriggerPhrase)
	}
	if cfg.Capture.SilenceTimeoutMS != 3000 {
		t.Fatalf("expected silence timeout override")
	}
	if cfg.Extraction.Mode != "openai" || cfg.Extraction.APIKey != "sk-test" {
		t.Fatalf("expected extraction overrides, got %+v", cfg.Extraction)
	}
	if cfg.Extraction.Temperature != 0.2 {
		t.Fatalf("expected temperature override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockcount.yaml")
	data := []byte(`
runtime_name: dock-3
capture:
  trigger_phrase: ""
  silence_timeout_ms: 8000
  timezone: UTC
extraction:
  mode: ollama
  model: qwen2.5:7b
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "dock-3" {
		t.Fatalf("expected runtime name from file")
	}
	if cfg.Capture.TriggerPhrase != "" {
		t.Fatalf("expected trigger detection disabled, got %q", cfg.Capture.TriggerPhrase)
	}
	if cfg.Capture.Location() != time.UTC {
		t.Fatalf("expected UTC location")
	}
	if cfg.Extraction.Model != "qwen2.5:7b" || cfg.Extraction.Endpoint != "http://localhost:11434" {
		t.Fatalf("unexpected extraction config: %+v", cfg.Extraction)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"STOCKCOUNT_EXTRACTION_MODE":            "telepathy",
		"STOCKCOUNT_EXTRACTION_TRANSPORT":       "carrier-pigeon",
		"STOCKCOUNT_CAPTURE_SILENCE_TIMEOUT_MS": "0",
		"STOCKCOUNT_CAPTURE_TIMEZONE":           "Mars/Olympus",
		"STOCKCOUNT_EVENT_STORE_RETENTION_MODE": "forever",
		"STOCKCOUNT_NODE_HEARTBEAT_TIMEOUT_MS":  "1000",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}

func TestValidateRequiresOpenAIKey(t *testing.T) {
	t.Setenv("STOCKCOUNT_EXTRACTION_MODE", "openai")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when api key missing")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateReadback(t *testing.T) {
	t.Setenv("STOCKCOUNT_READBACK_ENABLED", "true")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Readback.Mode != "mock" || cfg.Readback.Timeout() != 30*time.Second {
		t.Fatalf("unexpected readback defaults: %+v", cfg.Readback)
	}

	t.Setenv("STOCKCOUNT_READBACK_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when readback command missing")
	}

	t.Setenv("STOCKCOUNT_READBACK_MODE", "mock")
	t.Setenv("STOCKCOUNT_ROUTER_ENABLED", "false")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when readback runs without the router")
	}
}
