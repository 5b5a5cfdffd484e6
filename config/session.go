package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SessionConfig holds the tunables for the voice session server.
type SessionConfig struct {
	Port         string
	InstanceID   string
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Providers selects the backing stack: "google" or "mock".
	Providers string

	// Google provider settings (ignored for mock).
	GCPProject  string
	GCPLocation string
	GeminiModel string
	STTLanguage string
}

// LoadSession reads the session configuration from the environment.
func LoadSession() (*SessionConfig, error) {
	cfg := &SessionConfig{
		Port:         envOr("PORT", "8080"),
		InstanceID:   envOr("INSTANCE_ID", uuid.NewString()),
		IdleTimeout:  envDurationMs("VOICE_IDLE_TIMEOUT_MS", 5*time.Minute),
		PingInterval: envDurationMs("CLIENT_PING_INTERVAL_MS", 60*time.Second),
		Providers:    envOr("PROVIDERS", "mock"),
		GCPProject:   os.Getenv("GCP_PROJECT"),
		GCPLocation:  envOr("GCP_LOCATION", "us-central1"),
		GeminiModel:  envOr("GEMINI_MODEL", "gemini-2.0-flash"),
		STTLanguage:  envOr("STT_LANGUAGE", "en-US"),
	}

	switch cfg.Providers {
	case "mock":
	case "google":
		if cfg.GCPProject == "" {
			return nil, errors.New("PROVIDERS=google requires GCP_PROJECT")
		}
	default:
		return nil, errors.New("PROVIDERS must be \"google\" or \"mock\"")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
