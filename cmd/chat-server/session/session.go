package session

import (
	"context"
	"time"

	"github.com/cristalhq/base64"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Session is one issued auth token. The token is the only lookup key;
// everything else is payload.
type Session struct {
	Token     string    `json:"token"`
	UserID    uint64    `json:"userId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Config bounds the session manager.
type Config struct {
	TTL          time.Duration // default 24h
	HotCacheSize int           // ARC entries, default 1024

	// Redis sentinel tier; left empty the manager runs memory-only.
	RedisMaster    string
	RedisSentinels []string
	RedisPassword  string
	RedisDB        int
	DryRun         bool
}

// Manager issues and validates session tokens. The go-cache tier is the
// expiry authority; the ARC tier keeps hot tokens cheap to validate; redis
// makes sessions survive a restart when configured.
type Manager struct {
	cfg     Config
	primary *cache.Cache
	hot     *lru.ARCCache
	rdb     *redis.Client
}

// NewManager builds a session manager. Redis failures are not fatal, the
// manager degrades to memory-only.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.HotCacheSize <= 0 {
		cfg.HotCacheSize = 1024
	}
	hot, err := lru.NewARC(cfg.HotCacheSize)
	if err != nil {
		// only reachable with a non-positive size
		zap.S().Fatalf("Failed to build session hot cache: %s", err)
	}
	m := &Manager{
		cfg:     cfg,
		primary: cache.New(cfg.TTL, 10*time.Minute),
		hot:     hot,
	}
	if cfg.DryRun {
		zap.S().Infof("Running session store in DRY_RUN mode, redis tier disabled")
		return m
	}
	if len(cfg.RedisSentinels) > 0 {
		m.rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.RedisMaster,
			SentinelAddrs:    cfg.RedisSentinels,
			SentinelPassword: cfg.RedisPassword,
			Password:         cfg.RedisPassword,
			DB:               cfg.RedisDB,
		})
	}
	return m
}

// newToken returns a URL-safe token from two UUIDs worth of randomness.
func newToken() string {
	a := uuid.New()
	b := uuid.New()
	raw := make([]byte, 0, 32)
	raw = append(raw, a[:]...)
	raw = append(raw, b[:]...)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Issue creates a session for userID and returns its token.
func (m *Manager) Issue(userID uint64) (string, error) {
	now := time.Now()
	s := Session{
		Token:     newToken(),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	m.primary.Set(s.Token, s, cache.DefaultExpiration)
	m.hot.Add(s.Token, s)
	m.writeThrough(s)
	return s.Token, nil
}

func (m *Manager) writeThrough(s Session) {
	if m.rdb == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.rdb.Set(ctx, redisKey(s.Token), payload, time.Until(s.ExpiresAt)).Err(); err != nil {
		zap.S().Warnf("Failed to write session to redis: %s", err)
	}
}

func redisKey(token string) string { return "session:" + token }

// Validate resolves a token to its session. Expired and revoked tokens
// come back as not found.
func (m *Manager) Validate(token string) (Session, bool) {
	if token == "" {
		return Session{}, false
	}
	if v, ok := m.hot.Get(token); ok {
		s := v.(Session)
		if time.Now().Before(s.ExpiresAt) {
			return s, true
		}
		m.hot.Remove(token)
		return Session{}, false
	}
	if v, ok := m.primary.Get(token); ok {
		s := v.(Session)
		if time.Now().Before(s.ExpiresAt) {
			m.hot.Add(token, s)
			return s, true
		}
		return Session{}, false
	}
	return m.validateRedis(token)
}

// validateRedis is the cold path after a restart: the memory tiers are
// empty but redis still has the session.
func (m *Manager) validateRedis(token string) (Session, bool) {
	if m.rdb == nil {
		return Session{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := m.rdb.Get(ctx, redisKey(token)).Bytes()
	if err != nil {
		return Session{}, false
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return Session{}, false
	}
	if !time.Now().Before(s.ExpiresAt) {
		return Session{}, false
	}
	m.primary.Set(token, s, time.Until(s.ExpiresAt))
	m.hot.Add(token, s)
	return s, true
}

// Revoke invalidates a token everywhere. Revoking an unknown or already
// revoked token is a no-op.
func (m *Manager) Revoke(token string) {
	if token == "" {
		return
	}
	m.hot.Remove(token)
	m.primary.Delete(token)
	if m.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.rdb.Del(ctx, redisKey(token)).Err(); err != nil {
			zap.S().Debugf("Redis session delete failed: %s", err)
		}
	}
}

// Count returns the number of live sessions in the primary tier.
func (m *Manager) Count() int {
	return m.primary.ItemCount()
}
