package handlers

import (
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
)

// notificationHandler fans server notifications out to every authenticated
// connection.
type notificationHandler struct {
	deps Deps
}

func (h *notificationHandler) Name() string { return "notification" }

func (h *notificationHandler) CanHandle(msgType string) bool {
	return msgType == protocol.TypeSystemNotification
}

func (h *notificationHandler) Handle(msg *protocol.Message) error {
	frame, err := protocol.Reply("", protocol.TypeSystemNotification, msg.Data)
	if err != nil {
		return err
	}
	h.deps.Manager.Broadcast(frame, connection.Authenticated)
	return nil
}
