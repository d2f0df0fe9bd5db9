package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/persistence"
	"github.com/goevery/chatrelay/internal/presence"
)

type TypingRequest struct {
	ConversationId string   `json:"conversationId"`
	IsTyping       bool     `json:"isTyping"`
	Participants   []string `json:"participants,omitempty"`
}

type TypingResponse struct {
	Delivery broadcaster.Delivery `json:"delivery"`
}

type TypingHandlerInterface interface {
	Handle(ctx context.Context, req TypingRequest) (TypingResponse, error)
}

type TypingHandler struct {
	logger      *zap.Logger
	idValidator *IdValidator
	tracker     *presence.TypingTracker
	resolver    persistence.Resolver
	publisher   broadcaster.Publisher
}

func NewTypingHandler(
	logger *zap.Logger,
	idValidator *IdValidator,
	tracker *presence.TypingTracker,
	resolver persistence.Resolver,
	publisher broadcaster.Publisher,
) *TypingHandler {
	return &TypingHandler{
		logger,
		idValidator,
		tracker,
		resolver,
		publisher,
	}
}

// Handle records the caller's typing state and relays it to the other
// participants. The stored participants win over the ones carried by the
// request; the request list is used only when nothing is stored.
func (h *TypingHandler) Handle(ctx context.Context, req TypingRequest) (TypingResponse, error) {
	connection, err := requireConnection(ctx)
	if err != nil {
		return TypingResponse{}, err
	}

	if err := h.idValidator.Validate("conversationId", req.ConversationId); err != nil {
		return TypingResponse{}, err
	}

	participants, err := h.resolver.ConversationParticipants(ctx, req.ConversationId)
	if err != nil {
		return TypingResponse{}, err
	}

	h.tracker.SetTyping(req.ConversationId, connection.UserId, req.IsTyping)

	if len(participants) == 0 {
		participants = req.Participants
	}

	targets := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != connection.UserId {
			targets = append(targets, p)
		}
	}

	if len(targets) == 0 {
		return TypingResponse{}, nil
	}

	ev, err := event.New(event.TypingStatus{
		ConversationId: req.ConversationId,
		UserId:         connection.UserId,
		IsTyping:       req.IsTyping,
	})
	if err != nil {
		return TypingResponse{}, err
	}

	delivery, err := h.publisher.Publish(ev, targets)
	if err != nil {
		return TypingResponse{}, err
	}

	return TypingResponse{Delivery: delivery}, nil
}

type TypingUsersResponse struct {
	ConversationId string   `json:"conversationId"`
	UserIds        []string `json:"userIds"`
}

type TypingUsersHandlerInterface interface {
	Handle(ctx context.Context, conversationId, excludeUserId string) (TypingUsersResponse, error)
}

type TypingUsersHandler struct {
	idValidator *IdValidator
	tracker     *presence.TypingTracker
}

func NewTypingUsersHandler(
	idValidator *IdValidator,
	tracker *presence.TypingTracker,
) *TypingUsersHandler {
	return &TypingUsersHandler{
		idValidator,
		tracker,
	}
}

func (h *TypingUsersHandler) Handle(ctx context.Context, conversationId, excludeUserId string) (TypingUsersResponse, error) {
	if err := requirePublisher(ctx); err != nil {
		return TypingUsersResponse{}, err
	}

	if err := h.idValidator.Validate("conversationId", conversationId); err != nil {
		return TypingUsersResponse{}, err
	}

	return TypingUsersResponse{
		ConversationId: conversationId,
		UserIds:        h.tracker.TypingUsers(conversationId, excludeUserId),
	}, nil
}
