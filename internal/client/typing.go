package client

import (
	"context"

	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/presence"
)

const typingViewSubscriber = "typing-view"

// TypingView mirrors typingStatus events into a local tracker that sweeps
// itself, so an indicator clears even when the stop signal never arrives.
type TypingView struct {
	listeners *Listeners
	tracker   *presence.TypingTracker
}

func NewTypingView(logger *zap.Logger, listeners *Listeners, opts ...presence.TypingOption) *TypingView {
	v := &TypingView{
		listeners: listeners,
		tracker:   presence.NewTypingTracker(logger, opts...),
	}

	listeners.Subscribe(event.KindTypingStatus, typingViewSubscriber, Typed(func(p event.TypingStatus) {
		v.tracker.SetTyping(p.ConversationId, p.UserId, p.IsTyping)
	}))

	return v
}

func (v *TypingView) TypingUsers(conversationId, excludeUserId string) []string {
	return v.tracker.TypingUsers(conversationId, excludeUserId)
}

// Run sweeps stale entries until ctx is done.
func (v *TypingView) Run(ctx context.Context) error {
	return v.tracker.Run(ctx)
}

func (v *TypingView) Sweep() []presence.TypingEntry {
	return v.tracker.Sweep()
}

func (v *TypingView) Close() {
	v.listeners.Unsubscribe(event.KindTypingStatus, typingViewSubscriber)
}
