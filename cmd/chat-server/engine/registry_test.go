package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedHandler(name string, types ...string) *fakeHandler {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &fakeHandler{name: name, types: set}
}

func TestRegistryResolveKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("first", "chat")))
	require.NoError(t, r.Register(namedHandler("second", "chat", "login")))
	require.NoError(t, r.Register(namedHandler("third", "login")))

	var got []string
	for _, h := range r.Resolve("chat") {
		got = append(got, h.Name())
	}
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestRegistryRefusesDuplicateNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("dup", "chat")))
	assert.Error(t, r.Register(namedHandler("dup", "login")))
	assert.Equal(t, []string{"dup"}, r.Names())
}

func TestRegistryUnregisterPreservesRemainingOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("a", "chat")))
	require.NoError(t, r.Register(namedHandler("b", "chat")))
	require.NoError(t, r.Register(namedHandler("c", "chat")))

	r.Unregister("b")
	r.Unregister("missing")

	assert.Equal(t, []string{"a", "c"}, r.Names())
	var got []string
	for _, h := range r.Resolve("chat") {
		got = append(got, h.Name())
	}
	assert.Equal(t, []string{"a", "c"}, got)
}
