package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/server"
	"github.com/room4-2/voicebridge/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Init("voicebridge", "info")
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init("voicebridge", cfg.LogLevel)

	m := metrics.New(prometheus.DefaultRegisterer)

	// Create session manager
	sessionManager, err := session.NewManager(cfg, m, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session manager")
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start cleanup routine
	go sessionManager.StartCleanupRoutine(ctx)

	srv := server.NewServerWebsocket(cfg, sessionManager, prometheus.DefaultGatherer)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Info().Msg("Received shutdown signal...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	<-shutdownDone

	log.Info().Msg("Server stopped")
}
