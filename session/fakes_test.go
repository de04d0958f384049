package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/protocol"
)

var errFakeClosed = errors.New("fake: closed")

type wsMessage struct {
	typ  int
	data []byte
}

// fakeClient is an in-memory ClientConn
type fakeClient struct {
	in     chan wsMessage
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	out        []wsMessage
	failWrites bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		in:     make(chan wsMessage, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeClient) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.typ, m.data, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeClient) WriteMessage(typ int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("fake: write failed")
	}
	c.out = append(c.out, wsMessage{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeClient) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeClient) sendBinary(data []byte) { c.in <- wsMessage{websocket.BinaryMessage, data} }
func (c *fakeClient) sendText(data string)   { c.in <- wsMessage{websocket.TextMessage, []byte(data)} }

func (c *fakeClient) written() []wsMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wsMessage(nil), c.out...)
}

func (c *fakeClient) binaryWrites() [][]byte {
	var out [][]byte
	for _, m := range c.written() {
		if m.typ == websocket.BinaryMessage {
			out = append(out, m.data)
		}
	}
	return out
}

func (c *fakeClient) textWrites() []string {
	var out []string
	for _, m := range c.written() {
		if m.typ == websocket.TextMessage {
			out = append(out, string(m.data))
		}
	}
	return out
}

// fakeUpstream is an in-memory Upstream
type fakeUpstream struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	startConnErr    error
	blockSession    bool // StartSession waits for ctx
	receivePanics   bool
	startedSessions chan string

	mu   sync.Mutex
	sent [][]byte // encoded audio frames
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		frames:          make(chan []byte, 16),
		closed:          make(chan struct{}),
		startedSessions: make(chan string, 1),
	}
}

func (u *fakeUpstream) StartConnection(ctx context.Context) error {
	return u.startConnErr
}

func (u *fakeUpstream) StartSession(ctx context.Context, id string, sc *config.SessionConfig) error {
	if u.blockSession {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.closed:
			return errFakeClosed
		}
	}
	u.startedSessions <- id
	return nil
}

func (u *fakeUpstream) SendAudio(id string, pcm []byte) error {
	data, err := protocol.Encode(protocol.AudioChunk(id, pcm))
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.sent = append(u.sent, data)
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) Receive() ([]byte, error) {
	if u.receivePanics {
		panic("receive exploded")
	}
	select {
	case f := <-u.frames:
		return f, nil
	case <-u.closed:
		return nil, errFakeClosed
	}
}

func (u *fakeUpstream) Close() error {
	u.once.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) isClosed() bool {
	select {
	case <-u.closed:
		return true
	default:
		return false
	}
}

func (u *fakeUpstream) sentFrames() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.sent...)
}

func (u *fakeUpstream) dialer() Dialer {
	return func(ctx context.Context) (Upstream, error) { return u, nil }
}

// stateLog records observed transitions
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(_ *ClientSession, _, to State) {
	l.mu.Lock()
	l.states = append(l.states, to)
	l.mu.Unlock()
}

func (l *stateLog) seen() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func mustEncode(f protocol.Frame) []byte {
	data, err := protocol.Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

func audioResponse(sessionID string, pcm []byte) []byte {
	return mustEncode(protocol.Frame{
		Type:          protocol.MessageAudioResponse,
		Serialization: protocol.SerializationRaw,
		Compression:   protocol.CompressionNone,
		SessionID:     sessionID,
		Payload:       pcm,
	})
}

func eventResponse(sessionID string, event uint32, payload string) []byte {
	return mustEncode(protocol.Frame{
		Type:          protocol.MessageFullResponse,
		HasEvent:      true,
		Serialization: protocol.SerializationJSON,
		Compression:   protocol.CompressionGzip,
		Event:         event,
		SessionID:     sessionID,
		Payload:       []byte(payload),
	})
}
