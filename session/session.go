package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
)

const defaultWriteTimeout = 10 * time.Second

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrClientClosed   = errors.New("client connection closed")
	ErrUpstreamClosed = errors.New("upstream connection closed")
	ErrPipelinePanic  = errors.New("pipeline panicked")
)

// Options configures a ClientSession
type Options struct {
	Dial             Dialer
	Session          config.SessionConfig
	Relay            config.RelayConfig
	HandshakeTimeout time.Duration // whole handshake, both acks included; zero means none
	WriteTimeout     time.Duration
	Metrics          *metrics.Metrics
	Observer         StateObserver
}

// ClientSession represents a single embedded client and its upstream dialogue
type ClientSession struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	client     ClientConn
	dial       Dialer
	sessionCfg config.SessionConfig
	relayCfg   config.RelayConfig
	resampler  audio.Resampler

	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	metrics  *metrics.Metrics
	observer StateObserver
	logger   zerolog.Logger

	mu           sync.Mutex
	state        State
	started      bool
	upstream     Upstream
	lastActivity time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

// NewClientSession prepares a session for client. Nothing is dialed until Run.
func NewClientSession(parent context.Context, id string, client ClientConn, remoteAddr string, opts Options) (*ClientSession, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("session: no upstream dialer")
	}
	if opts.Relay.ChunkSize <= 0 {
		opts.Relay.ChunkSize = DefaultChunkSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}

	ac := opts.Session.TTS.AudioConfig
	format, err := audio.ParseSampleFormat(ac.Format)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	resampler, err := audio.New(opts.Relay.ResampleMode, format, ac.SampleRate, audio.TargetRate)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &ClientSession{
		ID:               id,
		RemoteAddr:       remoteAddr,
		CreatedAt:        now,
		client:           client,
		dial:             opts.Dial,
		sessionCfg:       opts.Session,
		relayCfg:         opts.Relay,
		resampler:        resampler,
		handshakeTimeout: opts.HandshakeTimeout,
		writeTimeout:     opts.WriteTimeout,
		metrics:          opts.Metrics,
		observer:         opts.Observer,
		logger:           log.With().Str("session", shortID(id)).Logger(),
		state:            StateConnecting,
		lastActivity:     now,
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}, nil
}

// Run performs the upstream handshake, tells the client it is ready and
// relays audio both ways until either side goes away. It always leaves the
// session Closed. A normal hang-up from either side returns nil.
func (cs *ClientSession) Run() error {
	cs.mu.Lock()
	if cs.started || cs.state != StateConnecting {
		cs.mu.Unlock()
		return ErrSessionClosed
	}
	cs.started = true
	cs.mu.Unlock()

	defer cs.finish()
	defer cs.Close()

	ctx, span := tracer.Start(cs.ctx, "client session")
	span.SetAttributes(
		attribute.String("session.id", cs.ID),
		attribute.String("client.addr", cs.RemoteAddr),
	)
	defer span.End()

	up, err := cs.handshake(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cs.logger.Error().Err(err).Msg("❌ Upstream handshake failed")
		return err
	}

	if err := cs.sendNotification(messages.NewReady()); err != nil {
		err = fmt.Errorf("send ready: %w", err)
		span.RecordError(err)
		return err
	}
	if !cs.transition(StateActive) {
		return ErrSessionClosed
	}
	cs.logger.Info().Str("client", cs.RemoteAddr).Msg("🎤 Session active")

	err = cs.relay(ctx, up)
	if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrUpstreamClosed) {
		cs.logger.Info().Err(err).Msg("🔌 Session ended")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cs.logger.Error().Err(err).Msg("❌ Session failed")
	}
	return err
}

// handshake dials the service, opens the connection and starts the dialogue
func (cs *ClientSession) handshake(ctx context.Context) (Upstream, error) {
	if cs.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cs.handshakeTimeout)
		defer cancel()
	}

	if !cs.transition(StateUpstreamHandshake) {
		return nil, ErrSessionClosed
	}
	hctx, span := tracer.Start(ctx, "upstream handshake")
	defer span.End()

	up, err := cs.dial(hctx)
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	if !cs.attachUpstream(up) {
		_ = up.Close()
		return nil, ErrSessionClosed
	}
	if err := up.StartConnection(hctx); err != nil {
		return nil, err
	}
	cs.logger.Debug().Msg("✅ Upstream connection started")

	if !cs.transition(StateSessionInit) {
		return nil, ErrSessionClosed
	}
	if err := up.StartSession(hctx, cs.ID, &cs.sessionCfg); err != nil {
		return nil, err
	}
	cs.logger.Info().Msg("✅ Dialogue session initialized")
	return up, nil
}

func (cs *ClientSession) attachUpstream(up Upstream) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state >= StateClosing {
		return false
	}
	cs.upstream = up
	return true
}

// transition moves the session to next if the step is legal
func (cs *ClientSession) transition(next State) bool {
	cs.mu.Lock()
	prev := cs.state
	if !canTransition(prev, next) {
		cs.mu.Unlock()
		if prev != next {
			cs.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("refused state transition")
		}
		return false
	}
	cs.state = next
	cs.mu.Unlock()

	if cs.observer != nil {
		cs.observer(cs, prev, next)
	}
	return true
}

// State returns the current lifecycle state
func (cs *ClientSession) State() State {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// LastActivity returns when either socket last delivered a message
func (cs *ClientSession) LastActivity() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastActivity
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.lastActivity = time.Now()
	cs.mu.Unlock()
}

// Done is closed once the session reaches Closed
func (cs *ClientSession) Done() <-chan struct{} {
	return cs.done
}

// Close moves the session to Closing and closes both sockets, which unblocks
// any running pipeline. It is safe to call from any goroutine, any number of
// times.
func (cs *ClientSession) Close() error {
	cs.closeOnce.Do(func() {
		cs.transition(StateClosing)
		cs.cancel()

		cs.mu.Lock()
		up := cs.upstream
		cs.mu.Unlock()

		if up != nil {
			if err := up.Close(); err != nil {
				cs.logger.Debug().Err(err).Msg("upstream close")
			}
		}
		if err := cs.client.Close(); err != nil {
			cs.logger.Debug().Err(err).Msg("client close")
		}
	})

	cs.mu.Lock()
	started := cs.started
	cs.mu.Unlock()
	if !started {
		cs.finish()
	}
	return nil
}

func (cs *ClientSession) finish() {
	cs.finishOnce.Do(func() {
		cs.transition(StateClosed)
		close(cs.done)
		cs.logger.Info().Dur("duration", time.Since(cs.CreatedAt)).Msg("🧹 Session closed")
	})
}

func (cs *ClientSession) sendBinary(data []byte) error {
	_ = cs.client.SetWriteDeadline(time.Now().Add(cs.writeTimeout))
	return cs.client.WriteMessage(websocket.BinaryMessage, data)
}

func (cs *ClientSession) sendNotification(n *messages.Notification) error {
	data, err := n.Encode()
	if err != nil {
		return err
	}
	_ = cs.client.SetWriteDeadline(time.Now().Add(cs.writeTimeout))
	return cs.client.WriteMessage(websocket.TextMessage, data)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
