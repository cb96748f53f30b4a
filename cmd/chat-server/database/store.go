package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrUserExists   = errors.New("username or email already taken")
	ErrUserNotFound = errors.New("user not found")
)

// Store is the chat persistence layer on top of the pool. Single-row
// lookups go through the query cache; writes invalidate the keys they
// touch.
type Store struct {
	pool  *Pool
	cache *queryCache
}

// NewStore builds a store with a query cache of the given size.
func NewStore(pool *Pool, cacheSizeMiB int, cacheTTL time.Duration) *Store {
	return &Store{
		pool:  pool,
		cache: newQueryCache(cacheSizeMiB, cacheTTL),
	}
}

// EnsureSchema creates the tables the server needs. Idempotent, runs at
// startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			from_user_id BIGINT NOT NULL REFERENCES users (id),
			to_user_id BIGINT NOT NULL REFERENCES users (id),
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to_user ON messages (to_user_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateUser inserts a user and their initial status inside one
// transaction. A duplicate username or email comes back as ErrUserExists.
func (s *Store) CreateUser(ctx context.Context, username string, email string, passwordHash string) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var id uint64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		username, email, passwordHash).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	s.cache.setUint64(cacheKey("user_id", []byte(username)), id)
	return id, nil
}

// UserIDByUsername resolves a username to its id, cache first.
func (s *Store) UserIDByUsername(ctx context.Context, username string) (uint64, error) {
	key := cacheKey("user_id", []byte(username))
	if id, ok := s.cache.getUint64(key); ok {
		return id, nil
	}
	var id uint64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM users WHERE username = $1`, []any{username}, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	s.cache.setUint64(key, id)
	return id, nil
}

// Credentials returns a user's id and password hash for login checks.
// Never cached.
func (s *Store) Credentials(ctx context.Context, username string) (uint64, string, error) {
	var id uint64
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE username = $1`, []any{username}, &id, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", ErrUserNotFound
	}
	if err != nil {
		return 0, "", err
	}
	return id, hash, nil
}

// UsernameTaken reports whether a username is already registered.
func (s *Store) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "username_taken", `SELECT 1 FROM users WHERE username = $1`, username)
}

// EmailTaken reports whether an email is already registered.
func (s *Store) EmailTaken(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "email_taken", `SELECT 1 FROM users WHERE email = $1`, email)
}

func (s *Store) exists(ctx context.Context, name string, sql string, arg string) (bool, error) {
	key := cacheKey(name, []byte(arg))
	if v, ok := s.cache.get(key); ok {
		return len(v) == 1 && v[0] == 1, nil
	}
	var one int
	err := s.pool.QueryRow(ctx, sql, []any{arg}, &one)
	if errors.Is(err, pgx.ErrNoRows) {
		s.cache.set(key, []byte{0})
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.cache.set(key, []byte{1})
	return true, nil
}

// SaveMessage persists one direct message and returns its id.
func (s *Store) SaveMessage(ctx context.Context, fromUserID uint64, toUserID uint64, body string) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var id uint64
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (from_user_id, to_user_id, body) VALUES ($1, $2, $3) RETURNING id`,
		fromUserID, toUserID, body).Scan(&id)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return id, tx.Commit(ctx)
}

// RecentMessages returns the latest direct messages addressed to a user,
// newest first.
func (s *Store) RecentMessages(ctx context.Context, toUserID uint64, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []StoredMessage
	err := s.pool.Query(ctx, func(rows pgx.Rows) error {
		for rows.Next() {
			var m StoredMessage
			if err := rows.Scan(&m.ID, &m.FromUserID, &m.ToUserID, &m.Body, &m.CreatedAt); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	}, `SELECT id, from_user_id, to_user_id, body, created_at
		FROM messages WHERE to_user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		toUserID, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetUserStatus updates a user's presence.
func (s *Store) SetUserStatus(ctx context.Context, userID uint64, status string) error {
	affected, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $1 WHERE id = $2`, status, userID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// InvalidateUser drops a user's cached lookups after account changes.
func (s *Store) InvalidateUser(username string, email string) {
	s.cache.del(cacheKey("user_id", []byte(username)))
	s.cache.del(cacheKey("username_taken", []byte(username)))
	if email != "" {
		s.cache.del(cacheKey("email_taken", []byte(email)))
	}
	zap.S().Debugf("Invalidated cached lookups for %s", username)
}

// StoredMessage is one persisted direct message.
type StoredMessage struct {
	ID         uint64    `json:"id"`
	FromUserID uint64    `json:"fromUserId"`
	ToUserID   uint64    `json:"toUserId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}
