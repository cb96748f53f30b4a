package handlers

import (
	"context"
	"time"

	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/database"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/session"
)

// dbTimeout bounds every database call made from a handler. The engine's
// tick budget depends on handlers not hanging.
const dbTimeout = 5 * time.Second

// UserStore is the persistence surface handlers need.
type UserStore interface {
	CreateUser(ctx context.Context, username string, email string, passwordHash string) (uint64, error)
	Credentials(ctx context.Context, username string) (uint64, string, error)
	UserIDByUsername(ctx context.Context, username string) (uint64, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	SaveMessage(ctx context.Context, fromUserID uint64, toUserID uint64, body string) (uint64, error)
	RecentMessages(ctx context.Context, toUserID uint64, limit int) ([]database.StoredMessage, error)
	SetUserStatus(ctx context.Context, userID uint64, status string) error
	InvalidateUser(username string, email string)
}

// Sessions is the token surface handlers need.
type Sessions interface {
	Validate(token string) (session.Session, bool)
	Revoke(token string)
}

// Deps is everything the handler set is wired with.
type Deps struct {
	Manager  *connection.Manager
	Store    UserStore
	Sessions Sessions
}

// RegisterAll installs the full handler set on a registry.
func RegisterAll(reg *engine.Registry, deps Deps) error {
	for _, h := range []engine.Handler{
		&authHandler{deps: deps},
		&chatHandler{deps: deps},
		&presenceHandler{deps: deps},
		&validationHandler{deps: deps},
		&notificationHandler{deps: deps},
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func dbCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dbTimeout)
}
