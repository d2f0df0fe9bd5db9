package broadcaster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/event"
)

func newMessageEvent(t *testing.T) event.Event {
	t.Helper()

	ev, err := event.New(event.NewMessage{Id: "m1", ConversationId: "c1"})
	require.NoError(t, err)

	return ev
}

func TestDispatcher_Publish(t *testing.T) {
	t.Run("delivers only to the latest handle", func(t *testing.T) {
		registry := NewInMemoryRegistry(zap.NewNop())
		dispatcher := NewDispatcher(zap.NewNop(), registry)
		h1 := newTestConnection("u1", DeviceWeb)
		h2 := newTestConnection("u1", DeviceWeb)
		registry.Register("u1", DeviceWeb, h1)
		registry.Register("u1", DeviceWeb, h2)

		delivery, err := dispatcher.Publish(newMessageEvent(t), []string{"u1"})

		require.NoError(t, err)
		assert.Equal(t, Delivery{Targets: 1, Delivered: 1}, delivery)
		assert.Len(t, h1.Send, 0)
		require.Len(t, h2.Send, 1)

		message := <-h2.Send
		assert.Equal(t, event.KindNewMessage, message.Kind)
		assert.JSONEq(t, `{"_id":"m1","conversationId":"c1"}`, string(message.Payload))
	})

	t.Run("offline targets are skipped", func(t *testing.T) {
		registry := NewInMemoryRegistry(zap.NewNop())
		dispatcher := NewDispatcher(zap.NewNop(), registry)
		h := newTestConnection("u1", DeviceApp)
		registry.Register("u1", DeviceApp, h)

		delivery, err := dispatcher.Publish(newMessageEvent(t), []string{"u1", "u2", "u1", ""})

		require.NoError(t, err)
		assert.Equal(t, Delivery{Targets: 2, Delivered: 1, Offline: 1}, delivery)
		assert.Len(t, h.Send, 1)
	})

	t.Run("every device of a user receives the event", func(t *testing.T) {
		registry := NewInMemoryRegistry(zap.NewNop())
		dispatcher := NewDispatcher(zap.NewNop(), registry)
		web := newTestConnection("u1", DeviceWeb)
		app := newTestConnection("u1", DeviceApp)
		registry.Register("u1", DeviceWeb, web)
		registry.Register("u1", DeviceApp, app)

		delivery, err := dispatcher.Publish(newMessageEvent(t), []string{"u1"})

		require.NoError(t, err)
		assert.Equal(t, 2, delivery.Delivered)
		assert.Len(t, web.Send, 1)
		assert.Len(t, app.Send, 1)
	})

	t.Run("excluded connection", func(t *testing.T) {
		registry := NewInMemoryRegistry(zap.NewNop())
		dispatcher := NewDispatcher(zap.NewNop(), registry)
		sender := newTestConnection("u1", DeviceWeb)
		other := newTestConnection("u2", DeviceWeb)
		registry.Register("u1", DeviceWeb, sender)
		registry.Register("u2", DeviceWeb, other)

		delivery, err := dispatcher.Publish(newMessageEvent(t), []string{"u1", "u2"}, ExcludeConnection(sender.Id))

		require.NoError(t, err)
		assert.Equal(t, 1, delivery.Delivered)
		assert.Len(t, sender.Send, 0)
		assert.Len(t, other.Send, 1)
	})

	t.Run("full outbox drops and evicts without blocking others", func(t *testing.T) {
		registry := NewInMemoryRegistry(zap.NewNop())
		dispatcher := NewDispatcher(zap.NewNop(), registry)
		slow := NewConnection("u1", DeviceWeb, "", 1)
		fast := newTestConnection("u2", DeviceWeb)
		registry.Register("u1", DeviceWeb, slow)
		registry.Register("u2", DeviceWeb, fast)

		_, err := dispatcher.Publish(newMessageEvent(t), []string{"u1", "u2"})
		require.NoError(t, err)

		delivery, err := dispatcher.Publish(newMessageEvent(t), []string{"u1", "u2"})
		require.NoError(t, err)

		assert.Equal(t, Delivery{Targets: 2, Delivered: 1, Dropped: 1}, delivery)
		assert.True(t, slow.Evicted())
		assert.Equal(t, "outbox full", slow.EvictReason())
		assert.False(t, fast.Evicted())
		assert.Len(t, fast.Send, 2)
	})

	t.Run("per connection order follows publish order", func(t *testing.T) {
		registry := NewInMemoryRegistry(zap.NewNop())
		dispatcher := NewDispatcher(zap.NewNop(), registry)
		h := newTestConnection("u1", DeviceWeb)
		registry.Register("u1", DeviceWeb, h)

		for _, id := range []string{"m1", "m2", "m3"} {
			ev, err := event.New(event.NewMessage{Id: id, ConversationId: "c1"})
			require.NoError(t, err)
			_, err = dispatcher.Publish(ev, []string{"u1"})
			require.NoError(t, err)
		}

		for _, id := range []string{"m1", "m2", "m3"} {
			message := <-h.Send
			assert.Contains(t, string(message.Payload), `"`+id+`"`)
		}
	})

	t.Run("client-local kind is rejected", func(t *testing.T) {
		dispatcher := NewDispatcher(zap.NewNop(), NewInMemoryRegistry(zap.NewNop()))

		_, err := dispatcher.Publish(event.MustNew(event.Connection{Connected: true}), []string{"u1"})

		assert.ErrorIs(t, err, ErrClientLocalEvent)
	})
}

func TestConnection_Evict(t *testing.T) {
	conn := newTestConnection("u1", DeviceWeb)

	assert.True(t, conn.Evict("first"))
	assert.False(t, conn.Evict("second"))
	assert.Equal(t, "first", conn.EvictReason())
	assert.False(t, conn.Enqueue(Message{}))

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestDispatcher_SendAndEvict(t *testing.T) {
	dispatcher := NewDispatcher(zap.NewNop(), NewInMemoryRegistry(zap.NewNop()))

	t.Run("queues the event before evicting", func(t *testing.T) {
		conn := newTestConnection("u1", DeviceWeb)

		assert.True(t, dispatcher.SendAndEvict(conn, newMessageEvent(t), EvictForceLogout))

		assert.Len(t, conn.Send, 1)
		assert.Equal(t, EvictForceLogout, conn.EvictReason())
	})

	t.Run("full outbox keeps the requested reason", func(t *testing.T) {
		conn := NewConnection("u1", DeviceWeb, "127.0.0.1", 1)
		require.True(t, conn.Enqueue(NewMessage(newMessageEvent(t))))

		assert.False(t, dispatcher.SendAndEvict(conn, newMessageEvent(t), EvictForceLogout))

		assert.Len(t, conn.Send, 1)
		assert.Equal(t, EvictForceLogout, conn.EvictReason())
	})
}
