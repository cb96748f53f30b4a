package handlers

import (
	"errors"
	"strconv"

	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/database"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// authHandler owns the account lifecycle: register, login, logout.
type authHandler struct {
	deps Deps
}

func (h *authHandler) Name() string { return "auth" }

func (h *authHandler) CanHandle(msgType string) bool {
	switch msgType {
	case protocol.TypeLogin, protocol.TypeLogout, protocol.TypeRegister:
		return true
	}
	return false
}

func (h *authHandler) Handle(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeLogin:
		return h.login(msg)
	case protocol.TypeLogout:
		return h.logout(msg)
	case protocol.TypeRegister:
		return h.register(msg)
	}
	return nil
}

func (h *authHandler) login(msg *protocol.Message) error {
	if token, _ := msg.Data["token"].(string); token != "" {
		return h.resume(msg, token)
	}
	username, _ := msg.Data["username"].(string)
	password, _ := msg.Data["password"].(string)
	if username == "" || password == "" {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "username and password required")
	}

	ctx, cancel := dbCtx()
	defer cancel()
	userID, hash, err := h.deps.Store.Credentials(ctx, username)
	if errors.Is(err, database.ErrUserNotFound) {
		return h.reject(msg, protocol.ErrKindSessionInvalid, "unknown user or wrong password")
	}
	if err != nil {
		if database.IsRetryable(err) {
			return engine.Transient(err)
		}
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return h.reject(msg, protocol.ErrKindSessionInvalid, "unknown user or wrong password")
	}

	// Authenticate supersedes any previous connection of this user.
	token, err := h.deps.Manager.Authenticate(msg.ConnectionID, userID)
	if err != nil {
		return err
	}
	if err := h.deps.Store.SetUserStatus(ctx, userID, "online"); err != nil {
		zap.S().Warnf("Failed to mark user %d online: %s", userID, err)
	}

	if err := h.reply(msg, protocol.TypeLogin, map[string]interface{}{
		"success": true,
		"user_id": userID,
		"token":   token,
	}); err != nil {
		return err
	}
	h.deliverRecent(msg.ConnectionID, userID)
	return nil
}

// resume logs in with a still-valid session token instead of credentials.
// The old token is retired; Authenticate issues a fresh one.
func (h *authHandler) resume(msg *protocol.Message, token string) error {
	s, ok := h.deps.Sessions.Validate(token)
	if !ok {
		return h.reject(msg, protocol.ErrKindSessionInvalid, "token expired or revoked")
	}
	h.deps.Sessions.Revoke(token)
	fresh, err := h.deps.Manager.Authenticate(msg.ConnectionID, s.UserID)
	if err != nil {
		return err
	}
	if err := h.reply(msg, protocol.TypeLogin, map[string]interface{}{
		"success": true,
		"user_id": s.UserID,
		"token":   fresh,
	}); err != nil {
		return err
	}
	h.deliverRecent(msg.ConnectionID, s.UserID)
	return nil
}

// deliverRecent pushes the latest stored messages to a freshly logged-in
// connection, oldest first. Failures are logged, not fatal; history is
// best effort.
func (h *authHandler) deliverRecent(connID uint64, userID uint64) {
	ctx, cancel := dbCtx()
	defer cancel()
	msgs, err := h.deps.Store.RecentMessages(ctx, userID, 50)
	if err != nil {
		zap.S().Warnf("Failed to load recent messages for user %d: %s", userID, err)
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		frame, err := protocol.Reply(strconv.FormatUint(m.ID, 10), protocol.TypeChat, map[string]interface{}{
			"from_user_id": m.FromUserID,
			"message":      m.Body,
			"message_id":   m.ID,
			"sent_at":      m.CreatedAt.UnixMilli(),
			"history":      true,
		})
		if err != nil {
			zap.S().Warnf("Failed to encode history message %d: %s", m.ID, err)
			continue
		}
		if err := h.deps.Manager.Send(connID, frame); err != nil {
			return
		}
	}
}

func (h *authHandler) logout(msg *protocol.Message) error {
	c, ok := h.deps.Manager.Get(msg.ConnectionID)
	if !ok {
		return nil
	}
	userID := c.UserID()
	if userID != 0 {
		ctx, cancel := dbCtx()
		defer cancel()
		if err := h.deps.Store.SetUserStatus(ctx, userID, "offline"); err != nil {
			zap.S().Warnf("Failed to mark user %d offline: %s", userID, err)
		}
	}
	_ = h.reply(msg, protocol.TypeLogout, map[string]interface{}{"success": true})
	// Remove revokes the session token and closes the socket.
	h.deps.Manager.Remove(msg.ConnectionID, connection.ReasonSocketClosed)
	return nil
}

func (h *authHandler) register(msg *protocol.Message) error {
	username, _ := msg.Data["username"].(string)
	email, _ := msg.Data["email"].(string)
	password, _ := msg.Data["password"].(string)
	if !validUsername(username) || !validEmail(email) || len(password) < 8 {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "invalid username, email or password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	ctx, cancel := dbCtx()
	defer cancel()
	userID, err := h.deps.Store.CreateUser(ctx, username, email, string(hash))
	if errors.Is(err, database.ErrUserExists) {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "username or email already taken")
	}
	if err != nil {
		if database.IsRetryable(err) {
			return engine.Transient(err)
		}
		return err
	}

	return h.reply(msg, protocol.TypeRegister, map[string]interface{}{
		"success": true,
		"user_id": userID,
	})
}

func (h *authHandler) reply(msg *protocol.Message, msgType string, data map[string]interface{}) error {
	frame, err := protocol.Reply(msg.ID, msgType, data)
	if err != nil {
		return err
	}
	return h.deps.Manager.Send(msg.ConnectionID, frame)
}

// reject answers with an error frame and reports the message as handled;
// a bad request is not a processing failure.
func (h *authHandler) reject(msg *protocol.Message, kind string, detail string) error {
	frame, err := protocol.ErrorFrame(msg.ID, kind, detail)
	if err != nil {
		return err
	}
	_ = h.deps.Manager.Send(msg.ConnectionID, frame)
	return nil
}
