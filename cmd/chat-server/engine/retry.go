package engine

import (
	"time"

	"github.com/beeker1121/goque"
	"github.com/goccy/go-json"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
	"go.uber.org/zap"
)

// persistedMessage is the on-disk shape of a retried message. The retry
// queue survives restarts, leftover items are replayed on the next start.
type persistedMessage struct {
	ID               string                 `json:"id"`
	Type             string                 `json:"type"`
	Priority         uint8                  `json:"priority"`
	FromUserID       uint64                 `json:"from_user_id,omitempty"`
	ToUserID         uint64                 `json:"to_user_id,omitempty"`
	ConnectionID     uint64                 `json:"connection_id"`
	Data             map[string]interface{} `json:"data"`
	CreatedAtMs      int64                  `json:"created_at_ms"`
	ExpiresAtMs      int64                  `json:"expires_at_ms,omitempty"`
	RetryCount       int                    `json:"retry_count"`
	RequiresResponse bool                   `json:"requires_response,omitempty"`
}

// noRetry replaces the persistent queue when retries are disabled; retry
// candidates simply become permanent failures.
type noRetry struct{}

func (noRetry) Enqueue(uint8, []byte) (*goque.PriorityItem, error) { return nil, goque.ErrDBClosed }
func (noRetry) Dequeue() (*goque.PriorityItem, error)              { return nil, goque.ErrEmpty }
func (noRetry) Length() uint64                                     { return 0 }
func (noRetry) Close() error                                       { return nil }

// openRetryQueue opens the persistent retry queue. ASC order means lower
// priority values (more urgent) dequeue first.
func openRetryQueue(dir string) (*goque.PriorityQueue, error) {
	pq, err := goque.OpenPriorityQueue(dir, goque.ASC)
	if err != nil {
		zap.S().Errorf("Error opening retry queue at %s: %s", dir, err)
		return nil, err
	}
	return pq, nil
}

func (e *Engine) enqueueRetry(msg *protocol.Message) {
	pm := persistedMessage{
		ID:               msg.ID,
		Type:             msg.Type,
		Priority:         uint8(msg.Priority),
		FromUserID:       msg.FromUserID,
		ToUserID:         msg.ToUserID,
		ConnectionID:     msg.ConnectionID,
		Data:             msg.Data,
		CreatedAtMs:      msg.CreatedAt.UnixMilli(),
		RetryCount:       msg.RetryCount,
		RequiresResponse: msg.RequiresResponse,
	}
	if !msg.ExpiresAt.IsZero() {
		pm.ExpiresAtMs = msg.ExpiresAt.UnixMilli()
	}
	bytes, err := json.Marshal(pm)
	if err != nil {
		zap.S().Errorf("Failed to marshal message %s for retry: %s", msg.ID, err)
		return
	}
	if _, err := e.retry.Enqueue(uint8(msg.Priority), bytes); err != nil {
		zap.S().Warnf("Failed to enqueue retry item: %s", err)
	}
}

func (e *Engine) dequeueRetry() *protocol.Message {
	if e.retry.Length() == 0 {
		return nil
	}
	item, err := e.retry.Dequeue()
	if err != nil {
		return nil
	}
	var pm persistedMessage
	if err := json.Unmarshal(item.Value, &pm); err != nil {
		zap.S().Warnf("Dropping undecodable retry item: %s", err)
		return nil
	}
	msg := &protocol.Message{
		ID:               pm.ID,
		Type:             pm.Type,
		Priority:         protocol.Priority(pm.Priority),
		FromUserID:       pm.FromUserID,
		ToUserID:         pm.ToUserID,
		ConnectionID:     pm.ConnectionID,
		Data:             pm.Data,
		CreatedAt:        time.UnixMilli(pm.CreatedAtMs),
		RetryCount:       pm.RetryCount,
		RequiresResponse: pm.RequiresResponse,
	}
	if pm.ExpiresAtMs > 0 {
		msg.ExpiresAt = time.UnixMilli(pm.ExpiresAtMs)
	}
	return msg
}
