package handlers

import (
	"errors"
	"time"

	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/database"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
	"go.uber.org/zap"
)

// maxFileChunk caps a single file_transfer payload; larger files go in
// multiple chunks.
const maxFileChunk = 512 * 1024

// chatHandler routes direct messages, group messages and file transfer
// chunks between connections, persisting direct messages on the way.
type chatHandler struct {
	deps Deps
}

func (h *chatHandler) Name() string { return "chat" }

func (h *chatHandler) CanHandle(msgType string) bool {
	switch msgType {
	case protocol.TypeChat, protocol.TypeGroupChat, protocol.TypeFileTransfer:
		return true
	}
	return false
}

func (h *chatHandler) Handle(msg *protocol.Message) error {
	sender, ok := h.sender(msg)
	if !ok {
		return h.reject(msg, protocol.ErrKindSessionInvalid, "not authenticated")
	}
	switch msg.Type {
	case protocol.TypeChat:
		return h.direct(msg, sender)
	case protocol.TypeGroupChat:
		return h.group(msg, sender)
	case protocol.TypeFileTransfer:
		return h.file(msg, sender)
	}
	return nil
}

// sender resolves the authenticated user behind the message's connection.
func (h *chatHandler) sender(msg *protocol.Message) (uint64, bool) {
	c, ok := h.deps.Manager.Get(msg.ConnectionID)
	if !ok || c.State() != connection.StateAuthenticated {
		return 0, false
	}
	return c.UserID(), true
}

func (h *chatHandler) direct(msg *protocol.Message, sender uint64) error {
	to, _ := msg.Data["to"].(string)
	body, _ := msg.Data["body"].(string)
	if to == "" || body == "" {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "to and body required")
	}

	ctx, cancel := dbCtx()
	defer cancel()
	toID, err := h.deps.Store.UserIDByUsername(ctx, to)
	if errors.Is(err, database.ErrUserNotFound) {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "unknown recipient")
	}
	if err != nil {
		if database.IsRetryable(err) {
			return engine.Transient(err)
		}
		return err
	}

	storedID, err := h.deps.Store.SaveMessage(ctx, sender, toID, body)
	if err != nil {
		if database.IsRetryable(err) {
			return engine.Transient(err)
		}
		return err
	}

	h.forward(toID, protocol.TypeChat, map[string]interface{}{
		"message_id": storedID,
		"from":       sender,
		"body":       body,
		"sent_at":    time.Now().UnixMilli(),
	})

	return h.reply(msg, protocol.TypeChat, map[string]interface{}{
		"success":    true,
		"message_id": storedID,
	})
}

func (h *chatHandler) group(msg *protocol.Message, sender uint64) error {
	body, _ := msg.Data["body"].(string)
	if body == "" {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "body required")
	}

	frame, err := protocol.Reply("", protocol.TypeGroupChat, map[string]interface{}{
		"from":    sender,
		"body":    body,
		"sent_at": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	delivered := h.deps.Manager.Broadcast(frame, func(c *connection.Conn) bool {
		return connection.Authenticated(c) && c.UserID() != sender
	})

	return h.reply(msg, protocol.TypeGroupChat, map[string]interface{}{
		"success":   true,
		"delivered": delivered,
	})
}

// file forwards one transfer chunk to the recipient without persisting it.
func (h *chatHandler) file(msg *protocol.Message, sender uint64) error {
	to, _ := msg.Data["to"].(string)
	chunk, _ := msg.Data["chunk"].(string)
	if to == "" || chunk == "" {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "to and chunk required")
	}
	if len(chunk) > maxFileChunk {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "chunk too large")
	}

	ctx, cancel := dbCtx()
	defer cancel()
	toID, err := h.deps.Store.UserIDByUsername(ctx, to)
	if errors.Is(err, database.ErrUserNotFound) {
		return h.reject(msg, protocol.ErrKindInvalidPayload, "unknown recipient")
	}
	if err != nil {
		if database.IsRetryable(err) {
			return engine.Transient(err)
		}
		return err
	}

	data := make(map[string]interface{}, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["from"] = sender
	if !h.forward(toID, protocol.TypeFileTransfer, data) {
		return h.reject(msg, protocol.ErrKindNotConnected, "recipient offline")
	}

	return h.reply(msg, protocol.TypeFileTransfer, map[string]interface{}{"success": true})
}

// forward pushes a server-initiated frame to a user's live connection.
// Reports false when the user is offline or their write queue is full.
func (h *chatHandler) forward(userID uint64, msgType string, data map[string]interface{}) bool {
	c, ok := h.deps.Manager.GetByUser(userID)
	if !ok {
		return false
	}
	frame, err := protocol.Reply("", msgType, data)
	if err != nil {
		return false
	}
	if err := h.deps.Manager.Send(c.ID(), frame); err != nil {
		zap.S().Debugf("Could not forward %s to user %d: %s", msgType, userID, err)
		return false
	}
	return true
}

func (h *chatHandler) reply(msg *protocol.Message, msgType string, data map[string]interface{}) error {
	frame, err := protocol.Reply(msg.ID, msgType, data)
	if err != nil {
		return err
	}
	return h.deps.Manager.Send(msg.ConnectionID, frame)
}

func (h *chatHandler) reject(msg *protocol.Message, kind string, detail string) error {
	frame, err := protocol.ErrorFrame(msg.ID, kind, detail)
	if err != nil {
		return err
	}
	_ = h.deps.Manager.Send(msg.ConnectionID, frame)
	return nil
}
