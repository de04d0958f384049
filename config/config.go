package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultDoubaoURL  = "wss://openspeech.bytedance.com/api/v3/realtime/dialogue"
	DefaultResourceID = "volc.speech.dialog"
	DefaultAppKey     = "PlgvMymc7f3tQnJ6"
)

// Config holds all server configuration
type Config struct {
	Port             int
	MaxSessions      int
	SessionTimeout   time.Duration
	AllowedOrigins   []string
	HandshakeTimeout time.Duration // upper bound for each upstream acknowledgement
	WriteTimeout     time.Duration
	RedisURL         string // empty disables the registry mirror
	RedisPassword    string
	LogLevel         string

	Upstream UpstreamConfig
	Relay    RelayConfig
	Session  SessionConfig
}

// UpstreamConfig describes how to reach the dialogue service
type UpstreamConfig struct {
	URL        string
	AppID      string
	AccessKey  string
	ResourceID string
	AppKey     string
}

// RelayConfig tunes chunking and pacing of audio sent to the client
type RelayConfig struct {
	ChunkSize     int
	ChunkPacing   time.Duration // pause between consecutive chunks
	TurnGrace     time.Duration // wait after end-of-turn before flushing
	FlushSettle   time.Duration // wait after the flushed remainder
	SilenceSettle time.Duration // wait after the trailing silence block
	SilenceBytes  int
	ResampleMode  string // "quality" or "decimate"
}

// DefaultRelayConfig returns the pacing used against the embedded client
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ChunkSize:     1600,
		ChunkPacing:   10 * time.Millisecond,
		TurnGrace:     200 * time.Millisecond,
		FlushSettle:   100 * time.Millisecond,
		SilenceSettle: 50 * time.Millisecond,
		SilenceBytes:  1024,
		ResampleMode:  "quality",
	}
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:             8888,
		MaxSessions:      100,
		SessionTimeout:   30 * time.Minute,
		AllowedOrigins:   []string{"*"},
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		LogLevel:         "info",
		Upstream: UpstreamConfig{
			URL:        DefaultDoubaoURL,
			ResourceID: DefaultResourceID,
			AppKey:     DefaultAppKey,
		},
		Relay:   DefaultRelayConfig(),
		Session: DefaultSessionConfig(),
	}

	// Required: DOUBAO_APP_ID, DOUBAO_ACCESS_KEY
	config.Upstream.AppID = os.Getenv("DOUBAO_APP_ID")
	if config.Upstream.AppID == "" {
		return nil, fmt.Errorf("DOUBAO_APP_ID environment variable is required")
	}
	config.Upstream.AccessKey = os.Getenv("DOUBAO_ACCESS_KEY")
	if config.Upstream.AccessKey == "" {
		return nil, fmt.Errorf("DOUBAO_ACCESS_KEY environment variable is required")
	}

	if v := os.Getenv("DOUBAO_URL"); v != "" {
		config.Upstream.URL = v
	}
	if v := os.Getenv("DOUBAO_RESOURCE_ID"); v != "" {
		config.Upstream.ResourceID = v
	}
	if v := os.Getenv("DOUBAO_APP_KEY"); v != "" {
		config.Upstream.AppKey = v
	}

	var err error
	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}
	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	if config.HandshakeTimeout, err = secondsEnv("HANDSHAKE_TIMEOUT", config.HandshakeTimeout); err != nil {
		return nil, err
	}
	if config.WriteTimeout, err = secondsEnv("WRITE_TIMEOUT", config.WriteTimeout); err != nil {
		return nil, err
	}

	config.RedisURL = os.Getenv("REDIS_URL")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	if config.Relay.ChunkSize, err = intEnv("CHUNK_SIZE", config.Relay.ChunkSize); err != nil {
		return nil, err
	}
	if config.Relay.ChunkSize <= 0 || config.Relay.ChunkSize%2 != 0 {
		return nil, fmt.Errorf("invalid CHUNK_SIZE: must be a positive even number of bytes")
	}
	if config.Relay.ChunkPacing, err = millisEnv("CHUNK_PACING_MS", config.Relay.ChunkPacing); err != nil {
		return nil, err
	}
	if config.Relay.TurnGrace, err = millisEnv("TURN_GRACE_MS", config.Relay.TurnGrace); err != nil {
		return nil, err
	}

	// Optional: RESAMPLE_MODE ("quality" or "decimate")
	if mode := os.Getenv("RESAMPLE_MODE"); mode != "" {
		switch mode {
		case "quality", "decimate":
			config.Relay.ResampleMode = mode
		default:
			return nil, fmt.Errorf("invalid RESAMPLE_MODE: must be 'quality' or 'decimate'")
		}
	}

	// Optional: SESSION_CONFIG_FILE (TOML overlay on the default persona)
	if path := os.Getenv("SESSION_CONFIG_FILE"); path != "" {
		if err := config.Session.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.Session.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func secondsEnv(key string, def time.Duration) (time.Duration, error) {
	v, err := intEnv(key, -1)
	if err != nil || v < 0 {
		return def, err
	}
	return time.Duration(v) * time.Second, nil
}

func millisEnv(key string, def time.Duration) (time.Duration, error) {
	v, err := intEnv(key, -1)
	if err != nil || v < 0 {
		return def, err
	}
	return time.Duration(v) * time.Millisecond, nil
}
