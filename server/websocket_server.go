package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/session"
)

const maxClientMessage = 512 * 1024

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
}

// NewServerWebsocket wires the client endpoint, health check and metrics.
// A nil gatherer serves the default Prometheus registry.
func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024, // 64KB for audio chunks
			CheckOrigin: func(r *http.Request) bool {
				// Embedded clients send no Origin header at all
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/health", logging.RequestLogger(log.Logger, http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", logging.RequestLogger(log.Logger, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	mux.HandleFunc("/", s.handleRoot)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the route table
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Info().Int("port", s.config.Port).Msg("🚀 WebSocket server starting")
	log.Info().Msgf("📡 WebSocket endpoint: ws://localhost:%d/", s.config.Port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, then closes every live session
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("🛑 Shutting down server...")
	httpErr := s.httpServer.Shutdown(ctx)
	sessErr := s.sessionManager.Shutdown(ctx)
	return errors.Join(httpErr, sessErr)
}

// handleRoot serves the client endpoint on "/" as the firmware expects, and
// 404s every other unknown path.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleWebSocket(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("client", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxClientMessage)

	clientSession, err := s.sessionManager.CreateSession(conn, r.RemoteAddr)
	if err != nil {
		log.Warn().Err(err).Str("client", r.RemoteAddr).Msg("Failed to create session")
		code := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrMaxSessions) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log.Info().Str("session", clientSession.ID).Str("client", r.RemoteAddr).Msg("✅ New session created")

	// Blocks until both pipelines are done
	if err := s.sessionManager.Serve(clientSession); err != nil {
		log.Warn().Err(err).Str("session", clientSession.ID).Msg("Session ended with error")
	}
	log.Info().Str("session", clientSession.ID).Msg("🔌 Session closed")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.GetActiveSessionCount())
}
