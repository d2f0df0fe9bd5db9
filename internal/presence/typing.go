package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/metrics"
)

const (
	DefaultStaleAfter = 3 * time.Second
	DefaultSweepEvery = 5 * time.Second
)

type TypingEntry struct {
	ConversationId string
	UserId         string
	UpdatedAt      time.Time
}

// ExpiryHook receives the entries removed by one sweep.
type ExpiryHook func(ctx context.Context, expired []TypingEntry)

type TypingOption func(*TypingTracker)

func WithClock(now func() time.Time) TypingOption {
	return func(t *TypingTracker) {
		t.now = now
	}
}

func WithStaleAfter(d time.Duration) TypingOption {
	return func(t *TypingTracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

func WithSweepEvery(d time.Duration) TypingOption {
	return func(t *TypingTracker) {
		if d > 0 {
			t.sweepEvery = d
		}
	}
}

func WithExpiryHook(hook ExpiryHook) TypingOption {
	return func(t *TypingTracker) {
		t.onExpire = hook
	}
}

// TypingTracker records who is typing in which conversation. Entries are only
// removed by an explicit stop or by a sweep once they are older than the
// staleness threshold; reads never filter.
type TypingTracker struct {
	logger     *zap.Logger
	now        func() time.Time
	staleAfter time.Duration
	sweepEvery time.Duration
	onExpire   ExpiryHook

	mu     sync.Mutex
	typing map[string]map[string]time.Time
}

func NewTypingTracker(logger *zap.Logger, opts ...TypingOption) *TypingTracker {
	t := &TypingTracker{
		logger:     logger,
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		sweepEvery: DefaultSweepEvery,
		typing:     make(map[string]map[string]time.Time),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *TypingTracker) SetTyping(conversationId, userId string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isTyping {
		users, ok := t.typing[conversationId]
		if !ok {
			users = make(map[string]time.Time)
			t.typing[conversationId] = users
		}
		users[userId] = t.now()

		return
	}

	users, ok := t.typing[conversationId]
	if !ok {
		return
	}

	delete(users, userId)
	if len(users) == 0 {
		delete(t.typing, conversationId)
	}
}

// TypingUsers returns the users typing in a conversation, sorted, without
// excludeUserId.
func (t *TypingTracker) TypingUsers(conversationId, excludeUserId string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.typing[conversationId]
	userIds := make([]string, 0, len(users))
	for userId := range users {
		if userId != excludeUserId {
			userIds = append(userIds, userId)
		}
	}
	sort.Strings(userIds)

	return userIds
}

func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, users := range t.typing {
		n += len(users)
	}

	return n
}

// Sweep removes every entry whose last signal is older than the staleness
// threshold and returns what it removed.
func (t *TypingTracker) Sweep() []TypingEntry {
	now := t.now()

	var expired []TypingEntry

	t.mu.Lock()
	for conversationId, users := range t.typing {
		for userId, updatedAt := range users {
			if now.Sub(updatedAt) > t.staleAfter {
				expired = append(expired, TypingEntry{
					ConversationId: conversationId,
					UserId:         userId,
					UpdatedAt:      updatedAt,
				})
				delete(users, userId)
			}
		}

		if len(users) == 0 {
			delete(t.typing, conversationId)
		}
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ConversationId != expired[j].ConversationId {
			return expired[i].ConversationId < expired[j].ConversationId
		}

		return expired[i].UserId < expired[j].UserId
	})

	return expired
}

// Run sweeps on every tick until ctx is done.
func (t *TypingTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.sweepOnce(ctx)
		}
	}
}

func (t *TypingTracker) sweepOnce(ctx context.Context) {
	expired := t.Sweep()

	metrics.SetTypingEntries(t.Len())

	if len(expired) == 0 {
		return
	}

	t.logger.Debug("typing entries expired", zap.Int("count", len(expired)))

	if t.onExpire != nil {
		t.onExpire(ctx, expired)
	}
}
