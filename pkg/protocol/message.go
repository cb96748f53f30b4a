package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Priority orders messages inside the engine. Lower values drain first.
type Priority uint8

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3

	// PriorityUnset marks a message whose producer did not choose; the
	// engine files it under Normal.
	PriorityUnset Priority = 255
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unset"
	}
}

// The closed set of message type tags carried on the wire.
const (
	TypeLogin              = "login"
	TypeLogout             = "logout"
	TypeRegister           = "register"
	TypeChat               = "chat"
	TypeGroupChat          = "group_chat"
	TypeHeartbeat          = "heartbeat"
	TypeUserStatus         = "user_status"
	TypeFileTransfer       = "file_transfer"
	TypeSystemNotification = "system_notification"
	TypeEmailVerification  = "email_verification"
	TypeEmailValidation    = "email_validation"
	TypeUsernameValidation = "username_validation"
	TypeEmailAvailability  = "email_availability"
)

var knownTypes = map[string]Priority{
	TypeLogin:              PriorityHigh,
	TypeLogout:             PriorityHigh,
	TypeRegister:           PriorityHigh,
	TypeChat:               PriorityNormal,
	TypeGroupChat:          PriorityNormal,
	TypeHeartbeat:          PriorityLow,
	TypeUserStatus:         PriorityNormal,
	TypeFileTransfer:       PriorityNormal,
	TypeSystemNotification: PriorityHigh,
	TypeEmailVerification:  PriorityLow,
	TypeEmailValidation:    PriorityLow,
	TypeUsernameValidation: PriorityLow,
	TypeEmailAvailability:  PriorityLow,
}

// KnownType reports whether t is part of the closed type set.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// TypePriority returns the default priority for a message type tag.
func TypePriority(t string) Priority {
	if p, ok := knownTypes[t]; ok {
		return p
	}
	return PriorityNormal
}

// Stable error-kind strings sent back to clients and counted in metrics.
const (
	ErrKindSslHandshakeFailed = "SslHandshakeFailed"
	ErrKindSocketError        = "SocketError"
	ErrKindOversizedFrame     = "OversizedFrame"
	ErrKindMalformedFrame     = "MalformedFrame"
	ErrKindUnknownType        = "UnknownType"
	ErrKindInvalidPayload     = "InvalidPayload"
	ErrKindQueueOverflow      = "QueueOverflow"
	ErrKindOverloaded         = "Overloaded"
	ErrKindNoHandler          = "NoHandler"
	ErrKindExhausted          = "Exhausted"
	ErrKindDbCheckoutTimeout  = "DbCheckoutTimeout"
	ErrKindDbQueryFailed      = "DbQueryFailed"
	ErrKindSessionInvalid     = "SessionInvalid"
	ErrKindNotConnected       = "NotConnected"
	ErrKindCapacityExceeded   = "CapacityExceeded"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrEmptyID        = errors.New("empty message id")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the minimum JSON shape of every frame payload.
type Envelope struct {
	ID          string                 `json:"id,omitempty"`
	Type        string                 `json:"type"`
	Data        map[string]interface{} `json:"data"`
	TimestampMs int64                  `json:"timestamp"`
}

// Message is the decoded, typed representation of a frame inside the
// engine. It is owned by whichever queue it currently sits in and moved,
// never copied, between stages.
type Message struct {
	ID               string
	Type             string
	Priority         Priority
	FromUserID       uint64
	ToUserID         uint64
	ConnectionID     uint64
	Data             map[string]interface{}
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RetryCount       int
	RequiresResponse bool
}

// Expired reports whether the message's soft deadline has passed. Messages
// without an expiry never expire.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// ParseMessage decodes a frame payload into a Message and validates the
// envelope. An empty payload (LENGTH=0 frame) and JSON decode failures come
// back as ErrInvalidPayload; a tag outside the closed set as ErrUnknownType.
func ParseMessage(payload []byte, connectionID uint64) (*Message, error) {
	if len(payload) == 0 {
		return nil, ErrInvalidPayload
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	if env.Type == "" {
		return nil, ErrInvalidPayload
	}
	if !KnownType(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg := &Message{
		ID:           env.ID,
		Type:         env.Type,
		Priority:     TypePriority(env.Type),
		ConnectionID: connectionID,
		Data:         env.Data,
		CreatedAt:    time.Now(),
	}
	if env.TimestampMs > 0 {
		msg.CreatedAt = time.UnixMilli(env.TimestampMs)
	}
	if v, ok := env.Data["requires_response"].(bool); ok {
		msg.RequiresResponse = v
	}
	return msg, nil
}

// EncodeEnvelope marshals an envelope and wraps it into a frame.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload)
}

// Reply builds a server-initiated frame answering a request. The reply
// carries the request id when one was present.
func Reply(requestID string, msgType string, data map[string]interface{}) ([]byte, error) {
	return EncodeEnvelope(Envelope{
		ID:          requestID,
		Type:        msgType,
		Data:        data,
		TimestampMs: time.Now().UnixMilli(),
	})
}

// ErrorFrame builds an error reply with a stable error-kind string.
func ErrorFrame(requestID string, kind string, detail string) ([]byte, error) {
	return Reply(requestID, TypeSystemNotification, map[string]interface{}{
		"error":  kind,
		"detail": detail,
	})
}
