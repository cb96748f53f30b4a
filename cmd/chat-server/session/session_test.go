package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	m := NewManager(Config{DryRun: true})

	token, err := m.Issue(42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	s, ok := m.Validate(token)
	require.True(t, ok)
	assert.Equal(t, uint64(42), s.UserID)
	assert.Equal(t, token, s.Token)
	assert.True(t, s.ExpiresAt.After(time.Now()))
}

func TestTokensAreUnique(t *testing.T) {
	m := NewManager(Config{DryRun: true})
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		token, err := m.Issue(uint64(i))
		require.NoError(t, err)
		require.False(t, seen[token], "duplicate token issued")
		seen[token] = true
	}
}

func TestValidateUnknownToken(t *testing.T) {
	m := NewManager(Config{DryRun: true})
	_, ok := m.Validate("not-a-token")
	assert.False(t, ok)
	_, ok = m.Validate("")
	assert.False(t, ok)
}

func TestExpiredSessionIsRejected(t *testing.T) {
	m := NewManager(Config{TTL: 10 * time.Millisecond, DryRun: true})
	token, err := m.Issue(1)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, ok := m.Validate(token)
	assert.False(t, ok)
}

func TestRevokeIsIdempotent(t *testing.T) {
	m := NewManager(Config{DryRun: true})
	token, err := m.Issue(7)
	require.NoError(t, err)

	m.Revoke(token)
	_, ok := m.Validate(token)
	require.False(t, ok)

	// Revoking again, or revoking garbage, must not panic or resurrect
	// anything.
	m.Revoke(token)
	m.Revoke("garbage")
	_, ok = m.Validate(token)
	assert.False(t, ok)
}

func TestHotCachePromotion(t *testing.T) {
	m := NewManager(Config{DryRun: true})
	token, err := m.Issue(9)
	require.NoError(t, err)

	// Drop the hot tier entry; validation falls back to the primary tier
	// and re-promotes.
	m.hot.Remove(token)
	_, ok := m.Validate(token)
	require.True(t, ok)
	_, inHot := m.hot.Get(token)
	assert.True(t, inHot)
}
