package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/metrics"
)

type MockPresenceNotifier struct {
	mock.Mock
}

func (m *MockPresenceNotifier) Online(ctx context.Context, userId string) {
	m.Called(ctx, userId)
}

func (m *MockPresenceNotifier) Offline(ctx context.Context, userId string) {
	m.Called(ctx, userId)
}

// recordingPresence logs announcements in completion order. Offline can be
// held until release is closed.
type recordingPresence struct {
	mu      sync.Mutex
	calls   []string
	offline chan struct{}
	release chan struct{}
}

func newRecordingPresence() *recordingPresence {
	return &recordingPresence{
		offline: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (p *recordingPresence) Online(ctx context.Context, userId string) {
	p.record("online:" + userId)
}

func (p *recordingPresence) Offline(ctx context.Context, userId string) {
	p.offline <- struct{}{}
	<-p.release
	p.record("offline:" + userId)
}

func (p *recordingPresence) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, call)
}

func (p *recordingPresence) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.calls...)
}

func newTestManager(presence PresenceNotifier, opts ...Option) (*Manager, *broadcaster.InMemoryRegistry) {
	registry := broadcaster.NewInMemoryRegistry(zap.NewNop())
	dispatcher := broadcaster.NewDispatcher(zap.NewNop(), registry)

	return NewManager(zap.NewNop(), registry, dispatcher, presence, opts...), registry
}

func TestManager_Handshake(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected handshakes leave the registry untouched", func(t *testing.T) {
		manager, registry := newTestManager(nil)

		for _, h := range []Handshake{
			{UserId: "", DeviceType: "web"},
			{UserId: "u1", DeviceType: ""},
			{UserId: "u1", DeviceType: "tablet"},
		} {
			session, err := manager.Handshake(ctx, h)

			assert.Nil(t, session)
			require.Error(t, err)
			assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
		}

		assert.Equal(t, 0, registry.Users())
	})

	t.Run("accepted handshake registers the connection", func(t *testing.T) {
		presence := &MockPresenceNotifier{}
		presence.On("Online", ctx, "u1").Once()
		manager, registry := newTestManager(presence)
		accepted := testutil.ToFloat64(metrics.Handshakes.WithLabelValues(Active.String()))

		session, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "web", ClientIp: "10.0.0.1"})

		require.NoError(t, err)
		assert.Equal(t, accepted+1, testutil.ToFloat64(metrics.Handshakes.WithLabelValues("active")))
		assert.Equal(t, Active, session.State())
		assert.Equal(t, "10.0.0.1", session.Conn.ClientIp)
		assert.Equal(t, []*broadcaster.Connection{session.Conn}, registry.Lookup("u1"))
		presence.AssertExpectations(t)
	})

	t.Run("superseded connection stays open by default", func(t *testing.T) {
		presence := &MockPresenceNotifier{}
		presence.On("Online", ctx, "u1").Once()
		manager, registry := newTestManager(presence)

		first, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "web"})
		require.NoError(t, err)
		second, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "web"})
		require.NoError(t, err)

		assert.False(t, first.Conn.Evicted())
		assert.Equal(t, []*broadcaster.Connection{second.Conn}, registry.Lookup("u1"))

		first.Close(ctx)
		assert.Equal(t, []*broadcaster.Connection{second.Conn}, registry.Lookup("u1"))
		presence.AssertExpectations(t)
	})

	t.Run("superseded connection is evicted when configured", func(t *testing.T) {
		manager, _ := newTestManager(nil, WithCloseSuperseded(true))

		first, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "app"})
		require.NoError(t, err)
		_, err = manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "app"})
		require.NoError(t, err)

		assert.True(t, first.Conn.Evicted())
		assert.Equal(t, "superseded", first.Conn.EvictReason())
	})
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()

	presence := &MockPresenceNotifier{}
	presence.On("Online", ctx, "u1").Once()
	presence.On("Offline", ctx, "u1").Once()
	manager, registry := newTestManager(presence)

	web, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "web"})
	require.NoError(t, err)
	app, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "app"})
	require.NoError(t, err)

	web.Close(ctx)
	web.Close(ctx)
	assert.Equal(t, Closed, web.State())
	assert.Equal(t, []*broadcaster.Connection{app.Conn}, registry.Lookup("u1"))

	app.Close(ctx)
	assert.Equal(t, 0, registry.Users())

	presence.AssertExpectations(t)
	presence.AssertNumberOfCalls(t, "Offline", 1)
}

func TestManager_ForceLogout(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(nil)

	web, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "web"})
	require.NoError(t, err)
	app, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "app"})
	require.NoError(t, err)

	assert.True(t, manager.ForceLogout(ctx, "u1", broadcaster.DeviceWeb, "logged in elsewhere"))
	assert.False(t, manager.ForceLogout(ctx, "u2", broadcaster.DeviceWeb, ""))

	assert.True(t, web.Conn.Evicted())
	assert.False(t, app.Conn.Evicted())

	require.Len(t, web.Conn.Send, 1)
	message := <-web.Conn.Send
	assert.Equal(t, event.KindForceLogout, message.Kind)

	var payload event.ForceLogout
	require.NoError(t, json.Unmarshal(message.Payload, &payload))
	assert.Equal(t, event.ForceLogout{DeviceType: "web", Message: "logged in elsewhere"}, payload)
}

func TestManager_ForceLogoutFullOutbox(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(nil, WithOutboxSize(1))

	session, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "web"})
	require.NoError(t, err)
	require.True(t, session.Conn.Enqueue(broadcaster.NewMessage(event.MustNew(event.ForceLogout{DeviceType: "web"}))))

	assert.True(t, manager.ForceLogout(ctx, "u1", broadcaster.DeviceWeb, "logged in elsewhere"))

	assert.True(t, session.Conn.Evicted())
	assert.Equal(t, broadcaster.EvictForceLogout, session.Conn.EvictReason())
}

func TestManager_PresenceOrdering(t *testing.T) {
	ctx := context.Background()
	presence := newRecordingPresence()
	manager, registry := newTestManager(presence)

	first, err := manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "web"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		first.Close(ctx)
	}()

	select {
	case <-presence.offline:
	case <-time.After(2 * time.Second):
		t.Fatal("offline not announced")
	}

	var second *Session
	go func() {
		defer wg.Done()
		second, _ = manager.Handshake(ctx, Handshake{UserId: "u1", DeviceType: "app"})
	}()

	// The reconnect lands while the offline announcement is still running.
	time.Sleep(20 * time.Millisecond)
	close(presence.release)
	wg.Wait()

	require.NotNil(t, second)
	assert.Equal(t, []*broadcaster.Connection{second.Conn}, registry.Lookup("u1"))
	assert.Equal(t, []string{"online:u1", "offline:u1", "online:u1"}, presence.Calls())
}
