package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("alice", "s1")
	r.Register("bob", "s1")
	r.Register("carol", "s2")

	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "s1", sid)
	_, ok = r.SessionFor("nobody")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"alice", "bob"}, r.Users("s1"))

	t.Run("reconnect moves the user", func(t *testing.T) {
		r.Register("alice", "s3")
		r.Register("alice", "s3")
		sid, _ := r.SessionFor("alice")
		assert.Equal(t, "s3", sid)
		assert.Equal(t, []string{"bob"}, r.Users("s1"))
		assert.Equal(t, []string{"alice"}, r.Users("s3"))
		assert.Equal(t, 3, r.Len())
	})

	t.Run("remove unbinds every user of the session", func(t *testing.T) {
		r.Register("dave", "s2")
		r.Remove("s2")
		_, ok := r.SessionFor("carol")
		assert.False(t, ok)
		_, ok = r.SessionFor("dave")
		assert.False(t, ok)
		assert.Empty(t, r.Users("s2"))
		assert.Equal(t, 2, r.Len())
	})
}
