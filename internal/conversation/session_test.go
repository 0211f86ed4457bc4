package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionScope(t *testing.T) {
	sess := NewSession("salao-1", "5571999990001")

	sess.Assign("slots.service_id", int64(7))
	v, ok := sess.Lookup("slots.service_id")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	sess.Unset("slots.service_id")
	v, _ = sess.Lookup("slots.service_id")
	assert.Nil(t, v)
}

func TestSessionHistoryCap(t *testing.T) {
	sess := NewSession("salao-1", "5571999990001")
	for i := 0; i < 50; i++ {
		sess.AppendHistory("user", "msg")
	}
	assert.Len(t, sess.History, historyCap)

	sess.AppendHistory("assistant", "")
	assert.Len(t, sess.History, historyCap)
}

func TestSessionValid(t *testing.T) {
	assert.True(t, NewSession("salao-1", "5571999990001").Valid())
	assert.False(t, (&Session{Tenant: "salao-1"}).Valid())
	var nilSession *Session
	assert.False(t, nilSession.Valid())
}
