// Package config loads gateway and client settings from the environment and
// hot-reloads the tutoring profile from disk.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// HistoryBackend selects where finalized utterances are persisted.
const (
	HistoryMemory   = "memory"
	HistoryPostgres = "postgres"
)

// Server holds gateway configuration, loaded from environment variables.
type Server struct {
	Port int

	// Signing credentials for room tokens.
	APIKey    string
	APISecret string

	// RoomURL is the media-room endpoint advertised to clients.
	RoomURL string

	TokenTTL time.Duration

	Topic   string
	Subject string
	Style   string

	// ProfilePath, when set, points at a JSON file whose topic/subject/style
	// override the env values and are hot-reloaded on change.
	ProfilePath string

	HistoryBackend string
	PostgresDSN    string

	// TokenRatePerMinute limits token requests per remote address.
	TokenRatePerMinute int
}

// Client holds session client configuration.
type Client struct {
	GatewayURL     string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	EnableAudio    bool
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "TRUE"
}

// LoadServer reads all gateway env vars and builds the config.
func LoadServer() *Server {
	cfg := &Server{
		Port: getIntEnv("TUTOR_PORT", 5001),

		APIKey:    getEnv("TUTOR_API_KEY", ""),
		APISecret: getEnv("TUTOR_API_SECRET", ""),

		RoomURL:  getEnv("TUTOR_ROOM_URL", "ws://localhost:7880"),
		TokenTTL: time.Duration(getIntEnv("TUTOR_TOKEN_TTL_HOURS", 2)) * time.Hour,

		Topic:   getEnv("TUTOR_TOPIC", "artificial intelligence"),
		Subject: getEnv("TUTOR_SUBJECT", "machine learning basics"),
		Style:   getEnv("TUTOR_STYLE", "friendly and encouraging"),

		ProfilePath: getEnv("TUTOR_PROFILE_PATH", ""),

		HistoryBackend: getEnv("TUTOR_HISTORY_BACKEND", HistoryMemory),
		PostgresDSN:    getEnv("TUTOR_POSTGRES_DSN", ""),

		TokenRatePerMinute: getIntEnv("TUTOR_TOKEN_RATE_PER_MINUTE", 10),
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		log.Fatal("TUTOR_API_KEY and TUTOR_API_SECRET must be set")
	}
	if cfg.HistoryBackend == HistoryPostgres && cfg.PostgresDSN == "" {
		log.Fatal("TUTOR_POSTGRES_DSN must be set for the postgres history backend")
	}

	return cfg
}

// LoadClient reads session client env vars and builds the config.
func LoadClient() *Client {
	return &Client{
		GatewayURL:     getEnv("TUTOR_GATEWAY_URL", "http://localhost:5001"),
		RequestTimeout: time.Duration(getIntEnv("TUTOR_REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		ConnectTimeout: time.Duration(getIntEnv("TUTOR_CONNECT_TIMEOUT_SECONDS", 15)) * time.Second,
		EnableAudio:    getBoolEnv("TUTOR_ENABLE_AUDIO", true),
	}
}
