package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the chat relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	LogFormat        string

	LLMAdapterMode       string
	LLMAPIURL            string
	LLMAPIKey            string
	LLMModel             string
	LLMMaxTokens         int
	LLMTemperature       float64
	LLMSystemPrompt      string
	LLMConnectTimeout    time.Duration
	LLMResponseTimeout   time.Duration
	LLMStreamIdleTimeout time.Duration

	RedisURL           string
	ContextTTL         time.Duration
	ContextMaxMessages int
	ContextCASRetries  int

	HistoryDatabaseURL string
	HistoryRedactPII   bool
}

// Load reads environment variables and applies safe defaults. When
// APP_CONFIG_FILE names a YAML file its values sit between the defaults and
// the environment: a set variable always wins.
func Load() (Config, error) {
	src := source{}
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		BindAddr:           src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   src.envOrDefault("APP_METRICS_NAMESPACE", "chatrelay"),
		LogLevel:           src.envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:          src.envOrDefault("APP_LOG_FORMAT", "json"),
		LLMAdapterMode:     src.envOrDefault("LLM_ADAPTER_MODE", "auto"),
		LLMAPIURL:          src.trimmed("LLM_API_URL"),
		LLMAPIKey:          src.trimmed("LLM_API_KEY"),
		LLMModel:           src.envOrDefault("LLM_MODEL", "gpt-3.5-turbo"),
		LLMSystemPrompt:    src.envOrDefault("LLM_SYSTEM_PROMPT", "You are a helpful assistant."),
		RedisURL:           src.trimmed("REDIS_URL"),
		HistoryDatabaseURL: src.trimmed("HISTORY_DATABASE_URL"),

		ShutdownTimeout:      15 * time.Second,
		LLMMaxTokens:         500,
		LLMTemperature:       0.7,
		LLMConnectTimeout:    5 * time.Second,
		LLMResponseTimeout:   30 * time.Second,
		LLMStreamIdleTimeout: 30 * time.Second,
		ContextTTL:           time.Hour,
		ContextMaxMessages:   10,
		ContextCASRetries:    16,
	}

	var err error
	cfg.ShutdownTimeout, err = src.durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxTokens, err = src.intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTemperature, err = src.floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMConnectTimeout, err = src.durationFromEnv("LLM_CONNECT_TIMEOUT", cfg.LLMConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMResponseTimeout, err = src.durationFromEnv("LLM_RESPONSE_TIMEOUT", cfg.LLMResponseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMStreamIdleTimeout, err = src.durationFromEnv("LLM_STREAM_IDLE_TIMEOUT", cfg.LLMStreamIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextTTL, err = src.durationFromEnv("CONTEXT_TTL", cfg.ContextTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextMaxMessages, err = src.intFromEnv("CONTEXT_MAX_MESSAGES", cfg.ContextMaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextCASRetries, err = src.intFromEnv("CONTEXT_CAS_RETRIES", cfg.ContextCASRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryRedactPII, err = src.boolFromEnv("HISTORY_REDACT_PII", cfg.HistoryRedactPII)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(cfg.LLMAdapterMode) {
	case "auto", "mock":
	case "http":
		if cfg.LLMAPIURL == "" {
			return Config{}, fmt.Errorf("LLM_API_URL is required when LLM_ADAPTER_MODE=http")
		}
	default:
		return Config{}, fmt.Errorf("LLM_ADAPTER_MODE must be auto, http or mock")
	}
	if cfg.LLMMaxTokens < 0 {
		return Config{}, fmt.Errorf("LLM_MAX_TOKENS must be >= 0")
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		return Config{}, fmt.Errorf("LLM_TEMPERATURE must be within [0, 2]")
	}
	if cfg.LLMConnectTimeout <= 0 || cfg.LLMResponseTimeout <= 0 || cfg.LLMStreamIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("LLM timeouts must be positive")
	}
	if cfg.ContextTTL < time.Second {
		return Config{}, fmt.Errorf("CONTEXT_TTL must be at least 1s")
	}
	if cfg.ContextMaxMessages < 2 {
		return Config{}, fmt.Errorf("CONTEXT_MAX_MESSAGES must be at least 2")
	}
	if cfg.ContextCASRetries <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_CAS_RETRIES must be positive")
	}

	return cfg, nil
}

// loadFile reads a sectioned YAML file and flattens it to the matching
// variable names: llm.api_url becomes LLM_API_URL.
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var sections map[string]map[string]any
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string)
	for section, values := range sections {
		for name, v := range values {
			if v == nil {
				continue
			}
			key := strings.ToUpper(section + "_" + name)
			out[key] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) envOrDefault(key, fallback string) string {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) trimmed(key string) string {
	return strings.TrimSpace(s.lookup(key))
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) floatFromEnv(key string, fallback float64) (float64, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
