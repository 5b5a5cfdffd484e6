package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/voicegate/voicegate/config"
	"github.com/voicegate/voicegate/internal/api/handlers"
	"github.com/voicegate/voicegate/internal/api/middleware"
	"github.com/voicegate/voicegate/internal/api/routes"
	"github.com/voicegate/voicegate/internal/logger"
	"github.com/voicegate/voicegate/internal/presence"
	"github.com/voicegate/voicegate/internal/providers/agent"
	"github.com/voicegate/voicegate/internal/providers/speech"
	"github.com/voicegate/voicegate/internal/providers/transcription"
	"github.com/voicegate/voicegate/internal/session"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	cfg, err := config.LoadSession()
	if err != nil {
		log.WithError(err).Fatal("config")
	}

	ctx := context.Background()

	// Presence: cross-instance single-connection tracking when redis is
	// configured, in-process only otherwise.
	var guard presence.Guard = presence.Noop{}
	if config.RedisConfigured() {
		if err := config.InitRedis(); err != nil {
			log.WithError(err).Fatal("redis init")
		}
		guard = presence.NewRedisGuard(config.RedisClient)
		log.Info("redis connected")
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("providers init")
	}
	log.WithField("providers", cfg.Providers).Info("providers ready")

	registry := session.NewRegistry()
	ws := handlers.NewWSHandler(registry, guard, providers, cfg.IdleTimeout, cfg.InstanceID, log)
	sessions := handlers.NewSessionHandler(registry)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{WS: ws, Sessions: sessions})

	log.WithField("port", cfg.Port).Info("listening")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("server")
	}
}

func buildProviders(ctx context.Context, cfg *config.SessionConfig) (handlers.Providers, error) {
	if cfg.Providers == "mock" {
		return handlers.Providers{
			Transcription: &transcription.Mock{},
			Agent:         &agent.Mock{},
			Speech:        &speech.Mock{},
		}, nil
	}

	stt, err := transcription.NewGoogleSpeech(ctx)
	if err != nil {
		return handlers.Providers{}, err
	}
	stt.Language = cfg.STTLanguage
	gemini, err := agent.NewVertexGemini(ctx, cfg.GCPProject, cfg.GCPLocation, cfg.GeminiModel)
	if err != nil {
		return handlers.Providers{}, err
	}
	tts, err := speech.NewGoogleTTS(ctx)
	if err != nil {
		return handlers.Providers{}, err
	}
	return handlers.Providers{Transcription: stt, Agent: gemini, Speech: tts}, nil
}
