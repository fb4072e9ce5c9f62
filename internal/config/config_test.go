package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.LLMAdapterMode != "auto" || cfg.LLMAPIURL != "" {
		t.Fatalf("adapter = %q url %q, want auto with empty url", cfg.LLMAdapterMode, cfg.LLMAPIURL)
	}
	if cfg.ContextTTL != time.Hour || cfg.ContextMaxMessages != 10 {
		t.Fatalf("context defaults = %v / %d", cfg.ContextTTL, cfg.ContextMaxMessages)
	}
	if cfg.LLMConnectTimeout != 5*time.Second || cfg.LLMResponseTimeout != 30*time.Second {
		t.Fatalf("timeouts = %v / %v", cfg.LLMConnectTimeout, cfg.LLMResponseTimeout)
	}
	if cfg.LLMTemperature != 0.7 || cfg.LLMMaxTokens != 500 {
		t.Fatalf("generation defaults = %v / %d", cfg.LLMTemperature, cfg.LLMMaxTokens)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("LLM_ADAPTER_MODE", "http")
	t.Setenv("LLM_API_URL", " https://api.example.com/v1/chat/completions ")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("CONTEXT_TTL", "30m")
	t.Setenv("HISTORY_REDACT_PII", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.LLMAPIURL != "https://api.example.com/v1/chat/completions" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.LLMTemperature != 0.2 || cfg.ContextTTL != 30*time.Minute || !cfg.HistoryRedactPII {
		t.Fatalf("unexpected parsed values: %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"LLM_ADAPTER_MODE":     "grpc",
		"LLM_TEMPERATURE":      "hot",
		"CONTEXT_MAX_MESSAGES": "1",
		"CONTEXT_TTL":          "10ms",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s error = nil", key, value)
			}
		})
	}

	setCoreEnvEmpty(t)
	t.Setenv("LLM_ADAPTER_MODE", "http")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "LLM_API_URL") {
		t.Fatalf("Load() error = %v, want LLM_API_URL requirement", err)
	}
}

func TestLoadFileIsOverriddenByEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	body := `
app:
  bind_addr: ":7000"
  log_format: text
llm:
  model: gpt-4o-mini
  max_tokens: 64
context:
  ttl: 10m
history:
  redact_pii: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("LLM_MODEL", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7000" || cfg.LogFormat != "text" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.LLMModel != "from-env" {
		t.Fatalf("LLMModel = %q, want env override", cfg.LLMModel)
	}
	if cfg.LLMMaxTokens != 64 || cfg.ContextTTL != 10*time.Minute || !cfg.HistoryRedactPII {
		t.Fatalf("typed file values not applied: %+v", cfg)
	}
}

func TestLoadFileErrors(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with missing file error = nil")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"LLM_ADAPTER_MODE",
		"LLM_API_URL",
		"LLM_API_KEY",
		"LLM_MODEL",
		"LLM_MAX_TOKENS",
		"LLM_TEMPERATURE",
		"LLM_SYSTEM_PROMPT",
		"LLM_CONNECT_TIMEOUT",
		"LLM_RESPONSE_TIMEOUT",
		"LLM_STREAM_IDLE_TIMEOUT",
		"REDIS_URL",
		"CONTEXT_TTL",
		"CONTEXT_MAX_MESSAGES",
		"CONTEXT_CAS_RETRIES",
		"HISTORY_DATABASE_URL",
		"HISTORY_REDACT_PII",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
