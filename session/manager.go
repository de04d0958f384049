package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/doubao"
	"github.com/room4-2/voicebridge/metrics"
)

var ErrMaxSessions = errors.New("maximum sessions reached")

const (
	activeSessionsKey = "active_sessions"
	redisTimeout      = 2 * time.Second
)

// Manager manages all client sessions
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	metrics  *metrics.Metrics
	dial     Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager. A nil dial connects to the
// configured dialogue service. Redis is optional: an empty REDIS_URL or an
// unreachable server leaves the registry in memory only.
func NewManager(cfg *config.Config, m *metrics.Metrics, dial Dialer) (*Manager, error) {
	if dial == nil {
		dial = upstreamDialer(cfg)
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redisOptions(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		redisClient = redis.NewClient(opts)

		// Test Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Redis unavailable, continue without it
			log.Warn().Err(err).Msg("⚠️ Redis unavailable, session registry stays in memory")
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*ClientSession),
		redis:    redisClient,
		config:   cfg,
		metrics:  m,
		dial:     dial,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func upstreamDialer(cfg *config.Config) Dialer {
	opts := doubao.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}
	return func(ctx context.Context) (Upstream, error) {
		c, err := doubao.Dial(ctx, cfg.Upstream, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port
func redisOptions(raw, password string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		if password != "" {
			opts.Password = password
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw, Password: password, DB: 0}, nil
}

// CreateSession registers a new session for clientConn. The caller runs it
// with Serve.
func (sm *Manager) CreateSession(clientConn ClientConn, remoteAddr string) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
		sm.metrics.SessionsRejected.Inc()
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session, err := NewClientSession(sm.ctx, sessionID, clientConn, remoteAddr, Options{
		Dial:             sm.dial,
		Session:          sm.config.Session,
		Relay:            sm.config.Relay,
		HandshakeTimeout: sm.config.HandshakeTimeout,
		WriteTimeout:     sm.config.WriteTimeout,
		Metrics:          sm.metrics,
		Observer:         sm.observe,
	})
	if err != nil {
		return nil, err
	}

	sm.wg.Add(1)
	sm.storeSession(session)
	return session, nil
}

// Serve runs session to completion and unregisters it
func (sm *Manager) Serve(session *ClientSession) error {
	defer sm.wg.Done()
	defer sm.RemoveSession(session.ID)
	return session.Run()
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(session *ClientSession) {
	sm.sessions[session.ID] = session
	sm.metrics.SessionsStarted.Inc()
	sm.metrics.ActiveSessions.Inc()

	if sm.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()

		key := "session:" + session.ID
		sm.redis.HSet(ctx, key, map[string]interface{}{
			"created_at":  session.CreatedAt.Format(time.RFC3339),
			"remote_addr": session.RemoteAddr,
			"status":      StateConnecting.String(),
		})
		sm.redis.SAdd(ctx, activeSessionsKey, session.ID)
		sm.redis.Expire(ctx, key, sm.config.SessionTimeout)
	}
}

// observe mirrors state changes into metrics and Redis
func (sm *Manager) observe(cs *ClientSession, from, to State) {
	sm.metrics.StateTransitions.WithLabelValues(to.String()).Inc()

	if sm.redis != nil && to != StateClosed {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		key := "session:" + cs.ID
		sm.redis.HSet(ctx, key, "status", to.String(), "last_activity", time.Now().Format(time.RFC3339))
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession closes and forgets a session
func (sm *Manager) RemoveSession(sessionID string) {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	if exists {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()

	if !exists {
		return
	}
	session.Close()
	sm.metrics.ActiveSessions.Dec()
	sm.metrics.SessionDuration.Observe(time.Since(session.CreatedAt).Seconds())

	if sm.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		sm.redis.Del(ctx, "session:"+sessionID)
		sm.redis.SRem(ctx, activeSessionsKey, sessionID)
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions closes sessions whose sockets have been silent for
// longer than the session timeout
func (sm *Manager) CleanupInactiveSessions() {
	if sm.config.SessionTimeout <= 0 {
		return
	}

	sm.mu.RLock()
	var stale []*ClientSession
	now := time.Now()
	for _, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			stale = append(stale, session)
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		session.logger.Info().Msg("⏱️ Closing inactive session")
		sm.RemoveSession(session.ID)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions()
		}
	}
}

// Shutdown closes all sessions and waits for their pipelines to finish, up
// to the deadline of ctx.
func (sm *Manager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.cancel()
	sessions := make([]*ClientSession, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		sessions = append(sessions, session)
	}
	sm.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
	return err
}
