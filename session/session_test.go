package session

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testRelayConfig() config.RelayConfig {
	rc := config.DefaultRelayConfig()
	rc.ChunkPacing = 0
	rc.TurnGrace = 0
	rc.FlushSettle = 0
	rc.SilenceSettle = 0
	return rc
}

func s16SessionConfig() config.SessionConfig {
	sc := config.DefaultSessionConfig()
	sc.TTS.AudioConfig.Format = "pcm_s16le"
	return sc
}

type harness struct {
	cs       *ClientSession
	client   *fakeClient
	upstream *fakeUpstream
	states   *stateLog
	runErr   chan error
}

func newHarness(t *testing.T, up *fakeUpstream, dial Dialer) *harness {
	t.Helper()
	h := &harness{
		client:   newFakeClient(),
		upstream: up,
		states:   &stateLog{},
		runErr:   make(chan error, 1),
	}
	if dial == nil {
		dial = up.dialer()
	}
	cs, err := NewClientSession(context.Background(), "3f2a9c1e-0000-4000-8000-000000000001", h.client, "10.0.0.7:5000", Options{
		Dial:             dial,
		Session:          s16SessionConfig(),
		Relay:            testRelayConfig(),
		HandshakeTimeout: time.Second,
		Observer:         h.states.observe,
	})
	require.NoError(t, err)
	h.cs = cs
	t.Cleanup(func() { _ = cs.Close() })
	return h
}

func (h *harness) start() {
	go func() { h.runErr <- h.cs.Run() }()
}

func (h *harness) waitActive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return slices.Contains(h.states.seen(), StateActive) }, waitFor, tick)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateConnecting, StateUpstreamHandshake))
	assert.True(t, canTransition(StateUpstreamHandshake, StateSessionInit))
	assert.True(t, canTransition(StateSessionInit, StateActive))
	assert.True(t, canTransition(StateActive, StateClosing))
	assert.True(t, canTransition(StateConnecting, StateClosing))
	assert.True(t, canTransition(StateClosing, StateClosed))

	assert.False(t, canTransition(StateClosing, StateActive))
	assert.False(t, canTransition(StateClosed, StateClosing))
	assert.False(t, canTransition(StateConnecting, StateActive))
	assert.False(t, canTransition(StateActive, StateClosed))
	assert.False(t, canTransition(StateActive, StateActive))
}

func TestSessionHandshakeAndReady(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	assert.Equal(t, h.cs.ID, <-up.startedSessions)

	texts := h.client.textWrites()
	require.Len(t, texts, 1)
	var ready messages.Notification
	require.NoError(t, sonic.Unmarshal([]byte(texts[0]), &ready))
	assert.Equal(t, messages.TypeReady, ready.Type)

	assert.Equal(t, []State{StateUpstreamHandshake, StateSessionInit, StateActive}, h.states.seen())

	require.NoError(t, h.cs.Close())
	require.NoError(t, h.wait(t))
	<-h.cs.Done()
	assert.Equal(t, StateClosed, h.cs.State())
}

func TestSessionHandshakeFailureNeverActivates(t *testing.T) {
	up := newFakeUpstream()
	up.startConnErr = errors.New("ack timeout")
	h := newHarness(t, up, nil)
	h.start()

	err := h.wait(t)
	require.Error(t, err)

	assert.NotContains(t, h.states.seen(), StateActive)
	assert.Equal(t, []State{StateUpstreamHandshake, StateClosing, StateClosed}, h.states.seen())
	assert.Empty(t, h.client.written(), "no ready message on failure")
	assert.True(t, h.client.isClosed())
	assert.True(t, up.isClosed())
}

func TestSessionDialFailure(t *testing.T) {
	h := newHarness(t, newFakeUpstream(), func(ctx context.Context) (Upstream, error) {
		return nil, errors.New("connection refused")
	})
	h.start()

	err := h.wait(t)
	assert.ErrorContains(t, err, "connection refused")
	assert.NotContains(t, h.states.seen(), StateActive)
	assert.Empty(t, h.client.written())
}

func TestSessionCloseDuringHandshake(t *testing.T) {
	up := newFakeUpstream()
	up.blockSession = true
	h := newHarness(t, up, nil)
	h.start()

	require.Eventually(t, func() bool { return h.cs.State() == StateSessionInit }, waitFor, tick)
	require.NoError(t, h.cs.Close())

	require.Error(t, h.wait(t))
	assert.NotContains(t, h.states.seen(), StateActive)
	assert.Equal(t, StateClosed, h.cs.State())
	assert.Empty(t, h.client.written())
}

func TestSessionUpstreamFailureMidStream(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	_ = up.Close()

	require.NoError(t, h.wait(t), "upstream hang-up is a normal end")
	assert.Equal(t, []State{StateUpstreamHandshake, StateSessionInit, StateActive, StateClosing, StateClosed}, h.states.seen())
	assert.True(t, h.client.isClosed())

	select {
	case <-h.cs.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSessionClientHangUpClosesUpstream(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	_ = h.client.Close()

	require.NoError(t, h.wait(t))
	assert.True(t, up.isClosed())
	assert.Equal(t, StateClosed, h.cs.State())
}

func TestSessionForwardsClientAudio(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	h.client.sendText(`{"type":"hello"}`)
	pcm := make([]byte, 4800)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	h.client.sendBinary(pcm)

	require.Eventually(t, func() bool { return len(up.sentFrames()) == 1 }, waitFor, tick)
	// give a stray second frame the chance to show up
	time.Sleep(20 * time.Millisecond)
	frames := up.sentFrames()
	require.Len(t, frames, 1)

	raw := frames[0]
	assert.Equal(t, byte(protocol.CompressionGzip), raw[2]&0x0f)

	f, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageAudioChunk, f.Type)
	assert.Equal(t, protocol.EventTaskRequest, f.Event)
	assert.Equal(t, h.cs.ID, f.SessionID)
	assert.Equal(t, pcm, f.Payload)
}

func TestSessionStreamsResampledAudioInChunks(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	// 9600 bytes of 24 kHz s16 -> 6400 bytes at 16 kHz -> four 1600-byte chunks
	up.frames <- audioResponse(h.cs.ID, make([]byte, 9600))

	require.Eventually(t, func() bool { return len(h.client.binaryWrites()) == 4 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	chunks := h.client.binaryWrites()
	require.Len(t, chunks, 4)
	for _, c := range chunks {
		assert.Len(t, c, DefaultChunkSize)
	}
	// only the ready notification so far
	assert.Len(t, h.client.textWrites(), 1)
}

func TestSessionEndOfTurnDiscardsOddRemainder(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	// 799 bytes cannot be s16 samples; the resampler refuses and the bytes
	// pass through into the buffer unchanged
	up.frames <- audioResponse(h.cs.ID, make([]byte, 799))
	up.frames <- eventResponse(h.cs.ID, protocol.EventTTSEnded, `{}`)

	require.Eventually(t, func() bool { return len(h.client.textWrites()) == 2 }, waitFor, tick)

	binary := h.client.binaryWrites()
	require.Len(t, binary, 1, "only the silence block")
	assert.Len(t, binary[0], 1024)
	for _, b := range binary[0] {
		require.Zero(t, b)
	}

	var end messages.Notification
	require.NoError(t, sonic.Unmarshal([]byte(h.client.textWrites()[1]), &end))
	assert.Equal(t, messages.TypeTTSEnd, end.Type)

	// silence comes before tts_end
	written := h.client.written()
	assert.Equal(t, "binary", kindOf(written[len(written)-2].typ))
	assert.Equal(t, "text", kindOf(written[len(written)-1].typ))
}

func TestSessionEndOfTurnFlushesEvenRemainder(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	// 2400 bytes of s16 at 24 kHz -> 1600 bytes: one full chunk, then 600 -> 400 remainder
	up.frames <- audioResponse(h.cs.ID, make([]byte, 2400))
	up.frames <- audioResponse(h.cs.ID, make([]byte, 600))
	up.frames <- eventResponse(h.cs.ID, protocol.EventTTSEnded, `{}`)

	require.Eventually(t, func() bool { return len(h.client.textWrites()) == 2 }, waitFor, tick)

	binary := h.client.binaryWrites()
	require.Len(t, binary, 3)
	assert.Len(t, binary[0], 1600)
	assert.Len(t, binary[1], 400)
	assert.Len(t, binary[2], 1024)
}

func TestSessionIgnoresBadFramesAndEvents(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	up.frames <- []byte{0x11}
	up.frames <- mustEncode(protocol.Frame{Type: protocol.MessageError, ErrorCode: 45000001, Payload: []byte("quota")})
	up.frames <- eventResponse(h.cs.ID, protocol.EventASRResponse, `{"results":[{"text":"hello","is_interim":false}]}`)
	up.frames <- eventResponse(h.cs.ID, protocol.EventChatResponse, `{"content":"hi there"}`)
	up.frames <- audioResponse(h.cs.ID, make([]byte, 2400))

	require.Eventually(t, func() bool { return len(h.client.binaryWrites()) == 1 }, waitFor, tick)
	assert.Equal(t, StateActive, h.cs.State())
}

func TestSessionClientWriteFailureEndsSession(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, up, nil)
	h.start()
	h.waitActive(t)

	h.client.mu.Lock()
	h.client.failWrites = true
	h.client.mu.Unlock()
	up.frames <- audioResponse(h.cs.ID, make([]byte, 2400))

	require.NoError(t, h.wait(t))
	assert.True(t, up.isClosed())
	assert.Equal(t, StateClosed, h.cs.State())
}

func TestSessionRecoversPipelinePanic(t *testing.T) {
	up := newFakeUpstream()
	up.receivePanics = true
	h := newHarness(t, up, nil)
	h.start()

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrPipelinePanic)
	assert.Equal(t, StateClosed, h.cs.State())
	assert.True(t, h.client.isClosed())
}

func TestSessionCloseBeforeRun(t *testing.T) {
	h := newHarness(t, newFakeUpstream(), nil)
	require.NoError(t, h.cs.Close())

	<-h.cs.Done()
	assert.Equal(t, StateClosed, h.cs.State())
	assert.ErrorIs(t, h.cs.Run(), ErrSessionClosed)
}

func TestNewClientSessionRejectsUnknownFormat(t *testing.T) {
	sc := config.DefaultSessionConfig()
	sc.TTS.AudioConfig.Format = "ogg_opus"
	_, err := NewClientSession(context.Background(), "id", newFakeClient(), "", Options{
		Dial:    newFakeUpstream().dialer(),
		Session: sc,
	})
	assert.Error(t, err)
}

func kindOf(typ int) string {
	if typ == websocket.BinaryMessage {
		return "binary"
	}
	return "text"
}
