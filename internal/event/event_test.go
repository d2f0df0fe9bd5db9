package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("new message with populated sender", func(t *testing.T) {
		raw := []byte(`{"_id":"m1","conversationId":"c1","senderId":{"_id":"u1","fullName":"Ann"},"content":"hi"}`)

		ev, err := Decode(KindNewMessage, raw)

		require.NoError(t, err)
		assert.Equal(t, KindNewMessage, ev.Kind())
		msg, ok := ev.Payload.(NewMessage)
		require.True(t, ok)
		assert.Equal(t, "m1", msg.Id)
		assert.Equal(t, Ref("c1"), msg.ConversationId)
		assert.Equal(t, Ref("u1"), msg.SenderId)
		assert.JSONEq(t, string(raw), string(ev.Raw))
	})

	t.Run("missing mandatory field", func(t *testing.T) {
		_, err := Decode(KindNewMessage, []byte(`{"_id":"m1"}`))

		var malformed *MalformedPayloadError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, KindNewMessage, malformed.Kind)
		assert.Equal(t, "conversationId", malformed.Field)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := Decode(KindForceLogout, []byte(" null "))

		var malformed *MalformedPayloadError
		require.ErrorAs(t, err, &malformed)
		assert.Empty(t, malformed.Field)
	})

	t.Run("wrong shape", func(t *testing.T) {
		_, err := Decode(KindTypingStatus, []byte(`[1,2,3]`))

		var malformed *MalformedPayloadError
		assert.ErrorAs(t, err, &malformed)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Decode(Kind("somethingElse"), []byte(`{}`))

		assert.True(t, errors.Is(err, ErrUnknownKind))
	})

	t.Run("user status must be known", func(t *testing.T) {
		_, err := Decode(KindUserStatusChanged, []byte(`{"userId":"u1","status":"away"}`))

		var malformed *MalformedPayloadError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, "status", malformed.Field)
	})

	t.Run("group participants accept ids and documents", func(t *testing.T) {
		ev, err := Decode(KindGroupCreated, []byte(`{"_id":"g1","participants":["u1",{"_id":"u2"},null]}`))

		require.NoError(t, err)
		group := ev.Payload.(GroupCreated)
		assert.Equal(t, []string{"u1", "u2"}, group.ParticipantIds())
	})
}

func TestNew(t *testing.T) {
	t.Run("encodes payload", func(t *testing.T) {
		ev, err := New(TypingStatus{ConversationId: "c1", UserId: "u1", IsTyping: true})

		require.NoError(t, err)
		assert.JSONEq(t, `{"conversationId":"c1","userId":"u1","isTyping":true}`, string(ev.Raw))
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		_, err := New(ForceLogout{Message: "bye"})

		var malformed *MalformedPayloadError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, "deviceType", malformed.Field)
	})

	t.Run("nil payload", func(t *testing.T) {
		_, err := New(nil)

		assert.Error(t, err)
	})
}

func TestKind(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(string(k))
		assert.NoError(t, err)
		assert.Equal(t, k, parsed)
		assert.Equal(t, k != KindConnection, k.Wire(), k)
	}

	_, err := ParseKind("nope")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.False(t, Kind("nope").Wire())
}
