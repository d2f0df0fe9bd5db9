package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/lifecycle"
	"github.com/goevery/chatrelay/internal/persistence"
	"github.com/goevery/chatrelay/internal/presence"
)

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ConversationParticipants(ctx context.Context, conversationId string) ([]string, error) {
	args := m.Called(ctx, conversationId)

	return args.Get(0).([]string), args.Error(1)
}

func (m *MockResolver) Contacts(ctx context.Context, userId string) ([]string, error) {
	args := m.Called(ctx, userId)

	return args.Get(0).([]string), args.Error(1)
}

type fixture struct {
	registry   *broadcaster.InMemoryRegistry
	dispatcher *broadcaster.Dispatcher
	manager    *lifecycle.Manager
	tracker    *presence.TypingTracker
}

func newFixture() *fixture {
	registry := broadcaster.NewInMemoryRegistry(zap.NewNop())
	dispatcher := broadcaster.NewDispatcher(zap.NewNop(), registry)

	return &fixture{
		registry:   registry,
		dispatcher: dispatcher,
		manager:    lifecycle.NewManager(zap.NewNop(), registry, dispatcher, nil),
		tracker:    presence.NewTypingTracker(zap.NewNop()),
	}
}

func (f *fixture) connect(t *testing.T, userId, deviceType string) *broadcaster.Connection {
	t.Helper()

	session, err := f.manager.Handshake(context.Background(), lifecycle.Handshake{UserId: userId, DeviceType: deviceType})
	require.NoError(t, err)

	return session.Conn
}

func apiContext() context.Context {
	return auth.WithAuthentication(context.Background(), auth.Internal("test"))
}

func TestPublishHandler(t *testing.T) {
	t.Run("publishes to targets", func(t *testing.T) {
		f := newFixture()
		conn := f.connect(t, "u1", "web")
		h := NewPublishHandler(NewIdValidator(), f.dispatcher)

		delivery, err := h.Handle(apiContext(), PublishRequest{
			Event:   "newMessage",
			Targets: []string{"u1", "u2"},
			Payload: json.RawMessage(`{"_id":"m1","conversationId":"c1","content":"hello"}`),
		})

		require.NoError(t, err)
		assert.Equal(t, broadcaster.Delivery{Targets: 2, Delivered: 1, Offline: 1}, delivery)
		message := <-conn.Send
		assert.Contains(t, string(message.Payload), `"content":"hello"`)
	})

	t.Run("group events default to their participants", func(t *testing.T) {
		f := newFixture()
		conn := f.connect(t, "u2", "app")
		h := NewPublishHandler(NewIdValidator(), f.dispatcher)

		delivery, err := h.Handle(apiContext(), PublishRequest{
			Event:   "groupUpdated",
			Payload: json.RawMessage(`{"_id":"g1","participants":[{"_id":"u1"},{"_id":"u2"}]}`),
		})

		require.NoError(t, err)
		assert.Equal(t, 2, delivery.Targets)
		assert.Len(t, conn.Send, 1)
	})

	t.Run("validation errors", func(t *testing.T) {
		h := NewPublishHandler(NewIdValidator(), newFixture().dispatcher)

		for name, req := range map[string]PublishRequest{
			"unknown event":     {Event: "nope", Targets: []string{"u1"}, Payload: json.RawMessage(`{}`)},
			"client-local kind": {Event: "connection", Targets: []string{"u1"}, Payload: json.RawMessage(`{}`)},
			"malformed payload": {Event: "newMessage", Targets: []string{"u1"}, Payload: json.RawMessage(`{"_id":"m1"}`)},
			"no targets":        {Event: "newMessage", Payload: json.RawMessage(`{"_id":"m1","conversationId":"c1"}`)},
			"invalid target":    {Event: "newMessage", Targets: []string{"u 1"}, Payload: json.RawMessage(`{"_id":"m1","conversationId":"c1"}`)},
		} {
			_, err := h.Handle(apiContext(), req)
			assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err), name)
		}
	})

	t.Run("requires a publisher", func(t *testing.T) {
		h := NewPublishHandler(NewIdValidator(), newFixture().dispatcher)
		req := PublishRequest{Event: "newMessage", Targets: []string{"u1"}, Payload: json.RawMessage(`{"_id":"m1","conversationId":"c1"}`)}

		_, err := h.Handle(context.Background(), req)
		assert.Equal(t, ierr.ErrorCodeUnauthenticated, ierr.CodeOf(err))

		ctx := auth.WithAuthentication(context.Background(), &auth.Authentication{Subject: "u1"})
		_, err = h.Handle(ctx, req)
		assert.Equal(t, ierr.ErrorCodePermissionDenied, ierr.CodeOf(err))
	})
}

func TestTypingHandler(t *testing.T) {
	f := newFixture()
	sender := f.connect(t, "u1", "web")
	receiver := f.connect(t, "u2", "web")
	h := NewTypingHandler(zap.NewNop(), NewIdValidator(), f.tracker, persistence.NopResolver{}, f.dispatcher)
	ctx := broadcaster.WithConnection(context.Background(), sender)

	response, err := h.Handle(ctx, TypingRequest{ConversationId: "c1", IsTyping: true, Participants: []string{"u1", "u2"}})

	require.NoError(t, err)
	assert.Equal(t, 1, response.Delivery.Delivered)
	assert.Equal(t, []string{"u1"}, f.tracker.TypingUsers("c1", "u2"))
	assert.Len(t, sender.Send, 0)

	message := <-receiver.Send
	assert.Equal(t, event.KindTypingStatus, message.Kind)
	assert.JSONEq(t, `{"conversationId":"c1","userId":"u1","isTyping":true}`, string(message.Payload))

	_, err = h.Handle(ctx, TypingRequest{ConversationId: "c1", IsTyping: false})
	require.NoError(t, err)
	assert.Empty(t, f.tracker.TypingUsers("c1", ""))

	_, err = h.Handle(context.Background(), TypingRequest{ConversationId: "c1"})
	assert.Equal(t, ierr.ErrorCodeFailedPrecondition, ierr.CodeOf(err))
}

func TestTypingHandler_ResolverFailure(t *testing.T) {
	f := newFixture()
	sender := f.connect(t, "u1", "web")
	receiver := f.connect(t, "u2", "web")

	resolver := &MockResolver{}
	resolver.On("ConversationParticipants", mock.Anything, "c1").Return([]string(nil), errors.New("db down"))

	h := NewTypingHandler(zap.NewNop(), NewIdValidator(), f.tracker, resolver, f.dispatcher)
	ctx := broadcaster.WithConnection(context.Background(), sender)

	_, err := h.Handle(ctx, TypingRequest{ConversationId: "c1", IsTyping: true, Participants: []string{"u1", "u2"}})

	assert.Error(t, err)
	assert.Empty(t, f.tracker.TypingUsers("c1", ""))
	assert.Len(t, receiver.Send, 0)
	resolver.AssertExpectations(t)
}

func TestCreateGroupHandler(t *testing.T) {
	f := newFixture()
	creatorWeb := f.connect(t, "u1", "web")
	creatorApp := f.connect(t, "u1", "app")
	member := f.connect(t, "u2", "app")
	h := NewCreateGroupHandler(f.dispatcher)
	ctx := broadcaster.WithConnection(context.Background(), creatorWeb)

	delivery, err := h.Handle(ctx, json.RawMessage(`{"_id":"g1","groupName":"team","participants":["u1","u2"]}`))

	require.NoError(t, err)
	assert.Equal(t, 2, delivery.Delivered)
	assert.Len(t, creatorWeb.Send, 0)
	assert.Len(t, creatorApp.Send, 1)
	assert.Len(t, member.Send, 1)

	_, err = h.Handle(ctx, json.RawMessage(`{"groupName":"team"}`))
	assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
}

func TestLogoutAndSessionsHandlers(t *testing.T) {
	f := newFixture()
	conn := f.connect(t, "u1", "web")
	logout := NewLogoutHandler(NewIdValidator(), f.manager)
	sessions := NewSessionsHandler(NewIdValidator(), f.registry)

	response, err := sessions.Handle(apiContext(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []broadcaster.DeviceClass{broadcaster.DeviceWeb}, response.Devices)

	logoutResponse, err := logout.Handle(apiContext(), LogoutRequest{UserId: "u1", DeviceType: "web", Message: "bye"})
	require.NoError(t, err)
	assert.True(t, logoutResponse.Evicted)
	assert.True(t, conn.Evicted())

	_, err = logout.Handle(apiContext(), LogoutRequest{UserId: "u1", DeviceType: "tv"})
	assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))

	response, err = sessions.Handle(apiContext(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, []broadcaster.DeviceClass{}, response.Devices)
}

func TestHeartbeatHandler(t *testing.T) {
	conn := broadcaster.NewConnection("u1", broadcaster.DeviceWeb, "", 1)
	ctx := broadcaster.WithConnection(context.Background(), conn)

	response := NewHeartbeatHandler().Handle(ctx)

	assert.Equal(t, conn.Id, response.ConnectionId)
	assert.False(t, response.Timestamp.IsZero())
}
