package session

import (
	"context"
	"time"

	"github.com/room4-2/voicebridge/config"
)

// ClientConn is the embedded client's socket. *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Upstream is one connection to the dialogue service. *doubao.Client
// satisfies it.
type Upstream interface {
	StartConnection(ctx context.Context) error
	StartSession(ctx context.Context, sessionID string, sc *config.SessionConfig) error
	SendAudio(sessionID string, pcm []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a new upstream connection
type Dialer func(ctx context.Context) (Upstream, error)
