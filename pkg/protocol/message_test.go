package protocol

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantErr  error
		wantType string
		wantPrio Priority
	}{
		{name: "empty payload", payload: "", wantErr: ErrInvalidPayload},
		{name: "not json", payload: "{", wantErr: ErrInvalidPayload},
		{name: "missing type", payload: `{"id":"m1","data":{}}`, wantErr: ErrInvalidPayload},
		{name: "unknown type", payload: `{"id":"m1","type":"teleport","data":{}}`, wantErr: ErrUnknownType},
		{name: "chat is normal", payload: `{"id":"m1","type":"chat","data":{}}`,
			wantType: TypeChat, wantPrio: PriorityNormal},
		{name: "login is high", payload: `{"id":"m1","type":"login","data":{}}`,
			wantType: TypeLogin, wantPrio: PriorityHigh},
		{name: "heartbeat is low", payload: `{"id":"m1","type":"heartbeat","data":{}}`,
			wantType: TypeHeartbeat, wantPrio: PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.payload), 9)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msg.Type)
			assert.Equal(t, tt.wantPrio, msg.Priority)
			assert.Equal(t, uint64(9), msg.ConnectionID)
		})
	}
}

func TestParseMessageHonorsClientTimestamp(t *testing.T) {
	env := Envelope{ID: "m1", Type: TypeChat, Data: map[string]interface{}{}, TimestampMs: 1746100800000}
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	msg, err := ParseMessage(payload, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1746100800000), msg.CreatedAt.UnixMilli())
}

func TestMessageExpiry(t *testing.T) {
	now := time.Now()
	m := &Message{}
	assert.False(t, m.Expired(now), "no expiry set means never expired")

	m.ExpiresAt = now.Add(time.Second)
	assert.False(t, m.Expired(now))
	assert.True(t, m.Expired(now.Add(2*time.Second)))
}

func TestReplyCarriesRequestID(t *testing.T) {
	frame, err := Reply("req-7", TypeChat, map[string]interface{}{"ok": true})
	require.NoError(t, err)

	var sc FrameScanner
	sc.Feed(frame)
	payload, ok, err := sc.Next()
	require.NoError(t, err)
	require.True(t, ok)

	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, "req-7", env.ID)
	assert.Equal(t, TypeChat, env.Type)
	assert.Equal(t, true, env.Data["ok"])
	assert.NotZero(t, env.TimestampMs)
}

func TestErrorFrameShape(t *testing.T) {
	frame, err := ErrorFrame("req-1", ErrKindOversizedFrame, "too big")
	require.NoError(t, err)

	var sc FrameScanner
	sc.Feed(frame)
	payload, ok, err := sc.Next()
	require.NoError(t, err)
	require.True(t, ok)

	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, TypeSystemNotification, env.Type)
	assert.Equal(t, ErrKindOversizedFrame, env.Data["error"])
	assert.Equal(t, "too big", env.Data["detail"])
}

func TestKnownTypeCoversWholeSet(t *testing.T) {
	for _, typ := range []string{
		TypeLogin, TypeLogout, TypeRegister, TypeChat, TypeGroupChat,
		TypeHeartbeat, TypeUserStatus, TypeFileTransfer, TypeSystemNotification,
		TypeEmailVerification, TypeEmailValidation, TypeUsernameValidation,
		TypeEmailAvailability,
	} {
		assert.True(t, KnownType(typ), typ)
	}
	assert.False(t, KnownType("teleport"))
	assert.False(t, KnownType(""))
}
