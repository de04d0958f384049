// Command test simulates the ESP32 client: it streams a 16 kHz PCM file to
// the relay, plays the returned audio through sox and optionally saves it.
package main

import (
	"flag"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/messages"
)

// AudioPlayer streams audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer(rate string) *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", rate,
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Error().Err(err).Msg("sox stdin error")
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Msg("sox start error")
		return nil
	}

	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	_, _ = p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Wait()
	}
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8888/", "relay WebSocket URL")
	audioFile := flag.String("file", "examples/user.pcm", "16 kHz mono s16le PCM or WAV to send")
	outFile := flag.String("out", "", "save received PCM to this file")
	play := flag.Bool("play", true, "play received audio with sox")
	chunkSize := flag.Int("chunk", 3200, "bytes per message (3200 = 100ms at 16 kHz)")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for tts_end")
	flag.Parse()

	logging.Init("esp32-sim", "debug")

	log.Info().Str("url", *serverURL).Msg("🔌 Connecting...")
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Msg("✅ Connected!")

	var player *AudioPlayer
	if *play {
		player = NewAudioPlayer("16000")
		if player == nil {
			log.Fatal().Msg("Failed to create audio player (is sox installed?)")
		}
		defer player.Close()
	}

	var out *os.File
	if *outFile != "" {
		out, err = os.Create(*outFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer out.Close()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ready := make(chan struct{})
	ttsEnd := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		var readyOnce sync.Once
		received := 0
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Msg("Read ended")
				return
			}

			if msgType == websocket.BinaryMessage {
				received += len(data)
				log.Debug().Int("bytes", len(data)).Int("total", received).Msg("🔊 Audio")
				if player != nil {
					player.Play(data)
				}
				if out != nil {
					_, _ = out.Write(data)
				}
				continue
			}

			var n messages.Notification
			if err := sonic.Unmarshal(data, &n); err != nil {
				log.Warn().Str("text", string(data)).Msg("Unparseable text message")
				continue
			}
			switch n.Type {
			case messages.TypeReady:
				log.Info().Str("message", n.Message).Msg("📊 Ready")
				readyOnce.Do(func() { close(ready) })
			case messages.TypeTTSEnd:
				log.Info().Int("bytes", received).Msg("--- TTS finished ---")
				received = 0
				select {
				case ttsEnd <- struct{}{}:
				default:
				}
			default:
				log.Info().Str("type", n.Type).Msg("Unknown notification")
			}
		}
	}()

	select {
	case <-ready:
	case <-done:
		log.Fatal().Msg("Connection closed before ready")
	case <-time.After(15 * time.Second):
		log.Fatal().Msg("⏰ Timeout waiting for ready")
	}

	audioData, err := loadAudioFile(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load audio")
	}
	log.Info().Str("file", *audioFile).Int("bytes", len(audioData)).Msg("📤 Sending audio")

	total := (len(audioData) + *chunkSize - 1) / *chunkSize
	for i := 0; i < len(audioData); i += *chunkSize {
		end := min(i+*chunkSize, len(audioData))
		if err := conn.WriteMessage(websocket.BinaryMessage, audioData[i:end]); err != nil {
			log.Error().Err(err).Msg("Send error")
			break
		}
		log.Debug().Int("chunk", i / *chunkSize + 1).Int("of", total).Msg("📤 Sent")

		// real-time pace
		time.Sleep(time.Duration(end-i) * time.Second / 32000)
	}

	log.Info().Msg("✅ Audio sent, waiting for response...")

	select {
	case <-ttsEnd:
		log.Info().Msg("Reply complete")
	case <-done:
		log.Info().Msg("Connection closed")
	case <-interrupt:
		log.Info().Msg("👋 Interrupted, closing...")
	case <-time.After(*wait):
		log.Warn().Msg("⏰ Timeout waiting for response")
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// loadAudioFile returns raw PCM, skipping a canonical WAV header
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Debug().Msg("📁 Detected WAV file, skipping header")
		return data[44:], nil
	}
	return data, nil
}
