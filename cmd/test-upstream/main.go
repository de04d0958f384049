// Command test-upstream talks to the dialogue service directly, bypassing
// the relay, and prints every decoded frame.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/doubao"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/protocol"
)

func main() {
	audioFile := flag.String("file", "", "16 kHz mono s16le PCM to send (optional)")
	wait := flag.Duration("wait", 15*time.Second, "how long to print responses")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Init("test-upstream", "info")
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init("test-upstream", "debug")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := doubao.Dial(ctx, cfg.Upstream, doubao.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to dial")
	}
	defer client.Close()
	log.Info().Str("connect_id", client.ConnectID()).Msg("✅ Connected")

	if err := client.StartConnection(ctx); err != nil {
		log.Fatal().Err(err).Msg("StartConnection failed")
	}
	sessionID := uuid.New().String()
	if err := client.StartSession(ctx, sessionID, &cfg.Session); err != nil {
		log.Fatal().Err(err).Msg("StartSession failed")
	}
	log.Info().Str("session", sessionID).Msg("✅ Session started")

	go func() {
		for {
			data, err := client.Receive()
			if err != nil {
				if !errors.Is(err, doubao.ErrClosed) {
					log.Error().Err(err).Msg("Receive failed")
				}
				stop()
				return
			}
			printFrame(data)
		}
	}()

	if *audioFile != "" {
		pcm, err := os.ReadFile(*audioFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read audio")
		}
		const chunk = 3200
		for i := 0; i < len(pcm) && ctx.Err() == nil; i += chunk {
			end := min(i+chunk, len(pcm))
			if err := client.SendAudio(sessionID, pcm[i:end]); err != nil {
				log.Fatal().Err(err).Msg("SendAudio failed")
			}
			time.Sleep(100 * time.Millisecond)
		}
		log.Info().Int("bytes", len(pcm)).Msg("📤 Audio sent")
	}

	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}
	log.Info().Msg("Done")
}

func printFrame(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil && !errors.Is(err, protocol.ErrTruncated) {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("Undecodable frame")
		return
	}
	m := protocol.Classify(f)

	ev := log.Info().
		Str("type", f.Type.String()).
		Uint32("event", m.Event).
		Str("session", m.SessionID)
	switch m.Kind {
	case protocol.KindAudio:
		ev.Int("audio_bytes", len(m.Audio)).Msg("🔊 Audio")
	case protocol.KindJSON:
		if text, ok := m.FinalTranscript(); ok {
			ev.Str("transcript", text).Msg("🗣️ Final transcript")
			return
		}
		if text, ok := m.ChatContent(); ok {
			ev.Str("content", text).Msg("💬 Chat")
			return
		}
		ev.RawJSON("payload", m.JSON).Msg("📝 Event")
	case protocol.KindError:
		ev.Uint32("code", m.ErrorCode).Str("payload", string(m.Raw)).Msg("❌ Error")
	default:
		ev.Int("raw_bytes", len(m.Raw)).Msg("Raw")
	}
}
