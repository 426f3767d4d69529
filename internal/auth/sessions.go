// Package auth authenticates requests via a signed session cookie,
// resolves the session subject to a full user record, and enforces the
// role and ownership predicates every read and write goes through.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

const SessionCookie = "gap_session"

// SessionStore persists session-id → user-id with a TTL. Shared between
// HTTP and the realtime handshake.
type SessionStore interface {
	Put(ctx context.Context, sid string, userID int64, ttl time.Duration) error
	Get(ctx context.Context, sid string) (int64, error)
	Delete(ctx context.Context, sid string) error
}

// Sessions issues and verifies HMAC-signed session cookies. The cookie
// value is "<sid>.<hex hmac-sha256(sid)>"; tampering invalidates it
// before the store is ever consulted.
type Sessions struct {
	secret []byte
	store  SessionStore
	ttl    time.Duration
	secure bool
}

// NewSessions builds a session manager over the given store.
func NewSessions(secret string, store SessionStore, ttl time.Duration, secure bool) *Sessions {
	return &Sessions{secret: []byte(secret), store: store, ttl: ttl, secure: secure}
}

// Issue creates a session for the user and sets the cookie.
func (s *Sessions) Issue(ctx context.Context, w http.ResponseWriter, userID int64) error {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}
	sid := hex.EncodeToString(raw)
	if err := s.store.Put(ctx, sid, userID, s.ttl); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sid + "." + s.sign(sid),
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Resolve extracts and verifies the session cookie, returning the
// subject user id.
func (s *Sessions) Resolve(r *http.Request) (int64, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return 0, core.E(core.KindUnauthenticated, "missing session")
	}
	sid, ok := s.verify(c.Value)
	if !ok {
		return 0, core.E(core.KindUnauthenticated, "invalid session signature")
	}
	userID, err := s.store.Get(r.Context(), sid)
	if err != nil {
		return 0, core.E(core.KindUnauthenticated, "session expired")
	}
	return userID, nil
}

// Revoke deletes the session and clears the cookie.
func (s *Sessions) Revoke(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if sid, ok := s.verify(c.Value); ok {
			_ = s.store.Delete(ctx, sid)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name: SessionCookie, Value: "", Path: "/", MaxAge: -1,
		HttpOnly: true, Secure: s.secure, SameSite: http.SameSiteLaxMode,
	})
}

func (s *Sessions) sign(sid string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(sid))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sessions) verify(value string) (string, bool) {
	for i := len(value) - 1; i >= 0; i-- {
		if value[i] == '.' {
			sid, sig := value[:i], value[i+1:]
			if subtle.ConstantTimeCompare([]byte(s.sign(sid)), []byte(sig)) == 1 {
				return sid, true
			}
			return "", false
		}
	}
	return "", false
}

// ============================================================================
// SESSION STORES
// ============================================================================

// RedisSessionStore keeps sessions in Redis so they survive restarts.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore connects to Redis and verifies connectivity.
func NewRedisSessionStore(ctx context.Context, redisURL string) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisSessionStore{client: client}, nil
}

func (r *RedisSessionStore) key(sid string) string { return "session:" + sid }

func (r *RedisSessionStore) Put(ctx context.Context, sid string, userID int64, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(sid), userID, ttl).Err()
}

func (r *RedisSessionStore) Get(ctx context.Context, sid string) (int64, error) {
	v, err := r.client.Get(ctx, r.key(sid)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *RedisSessionStore) Delete(ctx context.Context, sid string) error {
	return r.client.Del(ctx, r.key(sid)).Err()
}

// Close releases the Redis connection.
func (r *RedisSessionStore) Close() error { return r.client.Close() }

// MemorySessionStore is the single-instance fallback when REDIS_URL is
// not configured.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]memorySession
}

type memorySession struct {
	userID    int64
	expiresAt time.Time
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]memorySession)}
}

func (m *MemorySessionStore) Put(_ context.Context, sid string, userID int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Opportunistic sweep of expired entries.
	now := time.Now()
	for k, v := range m.sessions {
		if now.After(v.expiresAt) {
			delete(m.sessions, k)
		}
	}
	m.sessions[sid] = memorySession{userID: userID, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, sid string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sid]
	if !ok || time.Now().After(sess.expiresAt) {
		return 0, fmt.Errorf("session not found")
	}
	return sess.userID, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sid)
	return nil
}
