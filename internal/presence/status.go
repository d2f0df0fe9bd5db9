package presence

import (
	"context"

	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/persistence"
)

// StatusNotifier tells a user's contacts when the user comes online or goes
// offline.
type StatusNotifier struct {
	logger    *zap.Logger
	resolver  persistence.Resolver
	publisher broadcaster.Publisher
}

func NewStatusNotifier(
	logger *zap.Logger,
	resolver persistence.Resolver,
	publisher broadcaster.Publisher,
) *StatusNotifier {
	return &StatusNotifier{
		logger,
		resolver,
		publisher,
	}
}

func (n *StatusNotifier) Online(ctx context.Context, userId string) {
	n.notify(ctx, userId, event.UserStatusOnline)
}

func (n *StatusNotifier) Offline(ctx context.Context, userId string) {
	n.notify(ctx, userId, event.UserStatusOffline)
}

func (n *StatusNotifier) notify(ctx context.Context, userId string, status event.UserStatus) {
	contacts, err := n.resolver.Contacts(ctx, userId)
	if err != nil {
		n.logger.Warn("failed to resolve contacts",
			zap.String("userId", userId),
			zap.Error(err))

		return
	}

	if len(contacts) == 0 {
		return
	}

	ev, err := event.New(event.UserStatusChanged{UserId: event.Ref(userId), Status: status})
	if err != nil {
		n.logger.Error("failed to build status event", zap.Error(err))

		return
	}

	if _, err := n.publisher.Publish(ev, contacts); err != nil {
		n.logger.Error("failed to publish status event", zap.Error(err))
	}
}

// TypingExpiryPublisher returns a hook that tells the other participants of
// each conversation that an expired typist stopped typing.
func TypingExpiryPublisher(
	logger *zap.Logger,
	resolver persistence.Resolver,
	publisher broadcaster.Publisher,
) ExpiryHook {
	return func(ctx context.Context, expired []TypingEntry) {
		participantsByConversation := make(map[string][]string)

		for _, entry := range expired {
			participants, ok := participantsByConversation[entry.ConversationId]
			if !ok {
				var err error
				participants, err = resolver.ConversationParticipants(ctx, entry.ConversationId)
				if err != nil {
					logger.Warn("failed to resolve conversation participants",
						zap.String("conversationId", entry.ConversationId),
						zap.Error(err))
				}
				participantsByConversation[entry.ConversationId] = participants
			}

			targets := without(participants, entry.UserId)
			if len(targets) == 0 {
				continue
			}

			ev, err := event.New(event.TypingStatus{
				ConversationId: entry.ConversationId,
				UserId:         entry.UserId,
				IsTyping:       false,
			})
			if err != nil {
				logger.Error("failed to build typing event", zap.Error(err))
				continue
			}

			if _, err := publisher.Publish(ev, targets); err != nil {
				logger.Error("failed to publish typing event", zap.Error(err))
			}
		}
	}
}

func without(userIds []string, userId string) []string {
	result := make([]string, 0, len(userIds))
	for _, id := range userIds {
		if id != userId {
			result = append(result, id)
		}
	}

	return result
}
