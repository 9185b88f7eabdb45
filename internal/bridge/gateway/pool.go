package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Credentials resolves and persists identity credentials for the pool.
// Implemented by the store in the composition root.
type Credentials interface {
	// Lookup returns the identity's mxid, localpart, current access token,
	// and credential seed.
	Lookup(ctx context.Context, agentID string) (userID id.UserID, localpart, token, seed string, err error)
	// StoreToken persists a refreshed access token.
	StoreToken(ctx context.Context, agentID, token string) error
}

// PoolConfig tunes the session pool.
type PoolConfig struct {
	// SendRatePerSecond caps homeserver calls per identity.
	SendRatePerSecond float64
	// MaxSessions bounds concurrently cached sessions; least recently used
	// sessions are evicted beyond it.
	MaxSessions int
	// RateLimitMaxRetries bounds retries of rate-limited calls before the
	// failure surfaces to the caller.
	RateLimitMaxRetries int
}

// Pool caches one authenticated Session per agent identity.
type Pool struct {
	gw    *Gateway
	creds Credentials
	cfg   PoolConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewPool creates an empty session pool.
func NewPool(gw *Gateway, creds Credentials, cfg PoolConfig) *Pool {
	if cfg.SendRatePerSecond <= 0 {
		cfg.SendRatePerSecond = 5
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	return &Pool{
		gw:       gw,
		creds:    creds,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Get returns the cached session for agentID, creating it on first use.
func (p *Pool) Get(ctx context.Context, agentID string) (*Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[agentID]; ok {
		s.lastUsed = time.Now()
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	userID, localpart, token, seed, err := p.creds.Lookup(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for %s: %w", agentID, err)
	}
	client, err := p.gw.NewClient(userID, token)
	if err != nil {
		return nil, err
	}

	s := &Session{
		pool:      p,
		agentID:   agentID,
		userID:    userID,
		localpart: localpart,
		seed:      seed,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(p.cfg.SendRatePerSecond), 1),
		roomLocks: make(map[id.RoomID]*sync.Mutex),
		lastUsed:  time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have won the race; keep the first session so
	// rate-limit state stays shared.
	if existing, ok := p.sessions[agentID]; ok {
		return existing, nil
	}
	p.evictLocked()
	p.sessions[agentID] = s
	return s, nil
}

// Drop removes a session, e.g. after its identity is deprovisioned.
func (p *Pool) Drop(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, agentID)
}

// Size returns the number of cached sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// evictLocked removes the least recently used session when the pool is full.
func (p *Pool) evictLocked() {
	if len(p.sessions) < p.cfg.MaxSessions {
		return
	}
	var oldestID string
	var oldest time.Time
	for agentID, s := range p.sessions {
		if oldestID == "" || s.lastUsed.Before(oldest) {
			oldestID = agentID
			oldest = s.lastUsed
		}
	}
	if oldestID != "" {
		delete(p.sessions, oldestID)
		slog.Debug("evicted idle session", "agent_id", oldestID)
	}
}

// Session is one agent identity's authenticated connection, with its own
// rate limiter, token refresh, and per-room send serialization.
type Session struct {
	pool      *Pool
	agentID   string
	userID    id.UserID
	localpart string
	seed      string
	limiter   *rate.Limiter
	lastUsed  time.Time

	mu     sync.Mutex
	client *mautrix.Client

	roomMu    sync.Mutex
	roomLocks map[id.RoomID]*sync.Mutex
}

// UserID returns the identity's mxid.
func (s *Session) UserID() id.UserID { return s.userID }

// Client returns the current underlying client. Callers needing retry and
// token-refresh semantics should go through Do instead.
func (s *Session) Client() *mautrix.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// LockRoom serializes sends into one room, preserving per-room ordering.
// The returned func releases the lock.
func (s *Session) LockRoom(roomID id.RoomID) func() {
	s.roomMu.Lock()
	lock, ok := s.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.roomLocks[roomID] = lock
	}
	s.roomMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Do runs fn against the session's client with the full failure policy:
// per-identity rate limiting, one transparent re-login on an expired token,
// and bounded retries of homeserver rate limits honoring the server's
// retry_after hint. The returned error is always classified.
func (s *Session) Do(ctx context.Context, op string, fn func(context.Context, *mautrix.Client) error) error {
	relogged := false
	rateRetries := 0
	backoff := time.Second

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return Classify(op, err)
		}

		err := fn(ctx, s.Client())
		if err == nil {
			return nil
		}
		cerr := Classify(op, err)

		switch KindOf(cerr) {
		case KindAuthExpired:
			if relogged {
				return cerr
			}
			if err := s.relogin(ctx); err != nil {
				return err
			}
			relogged = true

		case KindRateLimited:
			rateRetries++
			if rateRetries > s.pool.cfg.RateLimitMaxRetries {
				return cerr
			}
			delay := backoff
			var ge *Error
			if errors.As(cerr, &ge) && ge.Delay > 0 {
				delay = ge.Delay
			} else {
				backoff *= 2
			}
			slog.Debug("rate limited, backing off",
				"agent_id", s.agentID, "op", op, "delay", delay, "attempt", rateRetries)
			select {
			case <-ctx.Done():
				return Classify(op, ctx.Err())
			case <-time.After(delay):
			}

		default:
			return cerr
		}
	}
}

// relogin obtains a fresh token using the credential seed and persists it.
func (s *Session) relogin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Info("access token rejected, re-authenticating", "agent_id", s.agentID, "mxid", s.userID)

	password := DerivePassword(s.seed, s.localpart)
	account, err := s.pool.gw.Login(ctx, s.localpart, password)
	if err != nil {
		return fmt.Errorf("re-login failed for %s: %w", s.agentID, err)
	}

	client, err := s.pool.gw.NewClient(account.UserID, account.AccessToken)
	if err != nil {
		return err
	}
	s.client = client

	if err := s.pool.creds.StoreToken(ctx, s.agentID, account.AccessToken); err != nil {
		// The new token works in memory even if persisting it failed; log and
		// carry on rather than dropping the send.
		slog.Error("failed to persist refreshed token", "agent_id", s.agentID, "err", err)
	}
	return nil
}
