package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the credential backend and the voice client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	// OpenAIAPIKey is the long-lived provider secret. Only the backend reads it.
	OpenAIAPIKey        string
	RealtimeSessionsURL string
	RealtimeURL         string
	RealtimeModel       string
	RealtimeVoice       string
	ProviderTimeout     time.Duration

	ServerBaseURL      string
	ICEServers         []string
	ICEGatherTimeout   time.Duration
	LevelFrameInterval time.Duration
	LevelFFTSize       int
	VizBindAddr        string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":3001"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		AllowAnyOrigin:      true,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "console"),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeSessionsURL: envOrDefault("REALTIME_SESSIONS_URL", "https://api.openai.com/v1/realtime/sessions"),
		RealtimeURL:         envOrDefault("REALTIME_URL", "https://api.openai.com/v1/realtime"),
		RealtimeModel:       envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		RealtimeVoice:       envOrDefault("REALTIME_VOICE", "verse"),
		ServerBaseURL:       strings.TrimRight(envOrDefault("SERVER_BASE_URL", "http://localhost:3001"), "/"),
		VizBindAddr:         stringsTrimSpace("VIZ_BIND_ADDR"),
		ShutdownTimeout:     15 * time.Second,
		ProviderTimeout:     15 * time.Second,
		ICEGatherTimeout:    5 * time.Second,
		// Roughly one display frame at 60Hz.
		LevelFrameInterval: 16 * time.Millisecond,
		LevelFFTSize:       512,
	}
	cfg.ICEServers = listFromEnv("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"})

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderTimeout, err = durationFromEnv("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEGatherTimeout, err = durationFromEnv("ICE_GATHER_TIMEOUT", cfg.ICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LevelFrameInterval, err = durationFromEnv("LEVEL_FRAME_INTERVAL", cfg.LevelFrameInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.LevelFFTSize, err = intFromEnv("LEVEL_FFT_SIZE", cfg.LevelFFTSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ProviderTimeout < time.Second {
		return Config{}, fmt.Errorf("PROVIDER_TIMEOUT must be at least 1s")
	}
	if cfg.ICEGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("ICE_GATHER_TIMEOUT must be positive")
	}
	if cfg.LevelFrameInterval <= 0 {
		return Config{}, fmt.Errorf("LEVEL_FRAME_INTERVAL must be positive")
	}
	if cfg.LevelFFTSize < 64 || cfg.LevelFFTSize&(cfg.LevelFFTSize-1) != 0 {
		return Config{}, fmt.Errorf("LEVEL_FFT_SIZE must be a power of two >= 64")
	}
	if len(cfg.ICEServers) == 0 {
		return Config{}, fmt.Errorf("ICE_SERVERS must list at least one discovery/relay server")
	}
	if u, err := url.Parse(cfg.ServerBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("SERVER_BASE_URL must be an absolute URL, got %q", cfg.ServerBaseURL)
	}

	return cfg, nil
}

// HasProviderKey reports whether the long-lived provider secret is configured.
func (c Config) HasProviderKey() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
