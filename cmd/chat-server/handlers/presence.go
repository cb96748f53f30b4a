package handlers

import (
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/database"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
)

// presenceHandler keeps liveness and user status current.
type presenceHandler struct {
	deps Deps
}

func (h *presenceHandler) Name() string { return "presence" }

func (h *presenceHandler) CanHandle(msgType string) bool {
	return msgType == protocol.TypeHeartbeat || msgType == protocol.TypeUserStatus
}

func (h *presenceHandler) Handle(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		h.deps.Manager.Touch(msg.ConnectionID)
		if msg.RequiresResponse {
			return h.reply(msg, protocol.TypeHeartbeat, map[string]interface{}{"alive": true})
		}
		return nil
	case protocol.TypeUserStatus:
		return h.status(msg)
	}
	return nil
}

var allowedStatuses = map[string]bool{
	"online":  true,
	"away":    true,
	"busy":    true,
	"offline": true,
}

func (h *presenceHandler) status(msg *protocol.Message) error {
	c, ok := h.deps.Manager.Get(msg.ConnectionID)
	if !ok || c.State() != connection.StateAuthenticated {
		return h.reject(msg, protocol.ErrKindSessionInvalid, "not authenticated")
	}
	status, _ := msg.Data["status"].(string)
	if !allowedStatuses[status] {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "unknown status")
	}

	ctx, cancel := dbCtx()
	defer cancel()
	if err := h.deps.Store.SetUserStatus(ctx, c.UserID(), status); err != nil {
		if database.IsRetryable(err) {
			return engine.Transient(err)
		}
		return err
	}

	// Everyone else learns about the change; the sender gets an ack.
	if frame, err := protocol.Reply("", protocol.TypeUserStatus, map[string]interface{}{
		"user_id": c.UserID(),
		"status":  status,
	}); err == nil {
		sender := c.UserID()
		h.deps.Manager.Broadcast(frame, func(other *connection.Conn) bool {
			return connection.Authenticated(other) && other.UserID() != sender
		})
	}

	return h.reply(msg, protocol.TypeUserStatus, map[string]interface{}{"success": true})
}

func (h *presenceHandler) reply(msg *protocol.Message, msgType string, data map[string]interface{}) error {
	frame, err := protocol.Reply(msg.ID, msgType, data)
	if err != nil {
		return err
	}
	return h.deps.Manager.Send(msg.ConnectionID, frame)
}

func (h *presenceHandler) reject(msg *protocol.Message, kind string, detail string) error {
	frame, err := protocol.ErrorFrame(msg.ID, kind, detail)
	if err != nil {
		return err
	}
	_ = h.deps.Manager.Send(msg.ConnectionID, frame)
	return nil
}
