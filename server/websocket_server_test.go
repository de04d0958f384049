package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/session"
)

// idleUpstream acknowledges the handshake and then stays silent
type idleUpstream struct {
	closed chan struct{}
	once   sync.Once
}

func (u *idleUpstream) StartConnection(context.Context) error { return nil }
func (u *idleUpstream) StartSession(context.Context, string, *config.SessionConfig) error {
	return nil
}
func (u *idleUpstream) SendAudio(string, []byte) error { return nil }
func (u *idleUpstream) Receive() ([]byte, error) {
	<-u.closed
	return nil, io.EOF
}
func (u *idleUpstream) Close() error {
	u.once.Do(func() { close(u.closed) })
	return nil
}

func newTestServer(t *testing.T, maxSessions int) (*Server, *session.Manager, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		MaxSessions:      maxSessions,
		SessionTimeout:   time.Minute,
		AllowedOrigins:   []string{"*"},
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		Relay:            config.DefaultRelayConfig(),
		Session:          config.DefaultSessionConfig(),
	}
	reg := prometheus.NewRegistry()
	dial := func(ctx context.Context) (session.Upstream, error) {
		return &idleUpstream{closed: make(chan struct{})}, nil
	}
	mgr, err := session.NewManager(cfg, metrics.New(reg), dial)
	require.NoError(t, err)

	srv := NewServerWebsocket(cfg, mgr, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		ts.Close()
	})
	return srv, mgr, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readReady(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)

	var n messages.Notification
	require.NoError(t, sonic.Unmarshal(data, &n))
	assert.Equal(t, messages.TypeReady, n.Type)
}

func TestHealthReportsSessions(t *testing.T) {
	_, mgr, ts := newTestServer(t, 4)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readReady(t, conn)
	require.Equal(t, 1, mgr.GetActiveSessionCount())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, string(body))
}

func TestWebSocketPaths(t *testing.T) {
	_, _, ts := newTestServer(t, 4)

	for _, path := range []string{"/", "/ws"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
		require.NoError(t, err, path)
		readReady(t, conn)
		conn.Close()
	}

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectsAtCapacity(t *testing.T) {
	_, _, ts := newTestServer(t, 1)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer first.Close()
	readReady(t, first)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, 4)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	readReady(t, conn)
	conn.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "voicebridge_sessions_started_total 1")
}

func TestCheckOrigin(t *testing.T) {
	cfg := &config.Config{AllowedOrigins: []string{"http://allowed.example"}}
	mgr, err := session.NewManager(cfg, metrics.New(prometheus.NewRegistry()), func(context.Context) (session.Upstream, error) {
		return &idleUpstream{closed: make(chan struct{})}, nil
	})
	require.NoError(t, err)
	srv := NewServerWebsocket(cfg, mgr, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, srv.upgrader.CheckOrigin(req), "no origin header")

	req.Header.Set("Origin", "http://allowed.example")
	assert.True(t, srv.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, srv.upgrader.CheckOrigin(req))
}
