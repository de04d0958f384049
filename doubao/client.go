package doubao

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/protocol"
)

var ErrClosed = errors.New("doubao: connection closed")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Options tunes the timeouts applied to the upstream socket
type Options struct {
	HandshakeTimeout time.Duration // per acknowledgement
	WriteTimeout     time.Duration
}

// Client is one WebSocket connection to the realtime dialogue service.
// Receive must be called from a single goroutine; writes are serialized.
type Client struct {
	conn      *websocket.Conn
	connectID string
	opts      Options

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Dial opens the upstream connection with the service's auth headers
func Dial(ctx context.Context, cfg config.UpstreamConfig, opts Options) (*Client, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	connectID := uuid.New().String()
	header := http.Header{}
	header.Set("X-Api-App-ID", cfg.AppID)
	header.Set("X-Api-Access-Key", cfg.AccessKey)
	header.Set("X-Api-Resource-Id", cfg.ResourceID)
	header.Set("X-Api-App-Key", cfg.AppKey)
	header.Set("X-Api-Connect-Id", connectID)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to dialogue service (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to dialogue service: %w", err)
	}

	log.Debug().Str("connect_id", connectID).Msg("✅ Connected to dialogue service")
	return &Client{conn: conn, connectID: connectID, opts: opts}, nil
}

// ConnectID returns the id sent in X-Api-Connect-Id
func (c *Client) ConnectID() string {
	return c.connectID
}

// StartConnection sends the connection-start frame and waits for one ack
func (c *Client) StartConnection(ctx context.Context) error {
	if err := c.writeFrame(protocol.StartConnection()); err != nil {
		return fmt.Errorf("failed to send StartConnection: %w", err)
	}
	if err := c.awaitAck(ctx, "StartConnection"); err != nil {
		return err
	}
	return nil
}

// StartSession sends the session configuration and waits for one ack
func (c *Client) StartSession(ctx context.Context, sessionID string, sc *config.SessionConfig) error {
	payload, err := sonic.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal session config: %w", err)
	}
	if err := c.writeFrame(protocol.StartSession(sessionID, payload)); err != nil {
		return fmt.Errorf("failed to send StartSession: %w", err)
	}
	if err := c.awaitAck(ctx, "StartSession"); err != nil {
		return err
	}
	return nil
}

// SendAudio forwards one client PCM message as an audio chunk frame
func (c *Client) SendAudio(sessionID string, pcm []byte) error {
	if err := c.writeFrame(protocol.AudioChunk(sessionID, pcm)); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// Receive blocks until the next binary message. Text messages are skipped.
func (c *Client) Receive() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close terminates the upstream connection. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) writeFrame(f protocol.Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// awaitAck reads exactly one message. Its content is only logged; the
// service answers failures by closing the socket or with an error frame,
// both of which surface on the next read.
func (c *Client) awaitAck(ctx context.Context, step string) error {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s ack: %w", step, ctxErr)
		}
		if c.isClosed() {
			return fmt.Errorf("%s ack: %w", step, ErrClosed)
		}
		return fmt.Errorf("%s ack: %w", step, err)
	}

	ev := log.Debug().Str("step", step).Int("bytes", len(data))
	if f, err := protocol.Decode(data); err == nil {
		ev = ev.Stringer("type", f.Type).Uint32("event", f.Event)
	}
	ev.Msg("📥 Handshake ack")
	return nil
}
