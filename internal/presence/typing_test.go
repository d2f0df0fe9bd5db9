package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTypingTracker(t *testing.T) {
	t.Run("sweep after threshold evicts the entry", func(t *testing.T) {
		clock := newFakeClock()
		tracker := NewTypingTracker(zap.NewNop(), WithClock(clock.Now))

		tracker.SetTyping("c1", "u2", true)
		clock.Advance(5 * time.Second)
		expired := tracker.Sweep()

		require.Len(t, expired, 1)
		assert.Equal(t, "c1", expired[0].ConversationId)
		assert.Equal(t, "u2", expired[0].UserId)
		assert.Empty(t, tracker.TypingUsers("c1", "u1"))
		assert.Equal(t, 0, tracker.Len())
	})

	t.Run("entry survives a sweep before the threshold", func(t *testing.T) {
		clock := newFakeClock()
		tracker := NewTypingTracker(zap.NewNop(), WithClock(clock.Now))

		tracker.SetTyping("c1", "u2", true)
		clock.Advance(2 * time.Second)

		assert.Empty(t, tracker.Sweep())
		assert.Equal(t, []string{"u2"}, tracker.TypingUsers("c1", "u1"))
	})

	t.Run("exactly at the threshold is not stale", func(t *testing.T) {
		clock := newFakeClock()
		tracker := NewTypingTracker(zap.NewNop(), WithClock(clock.Now))

		tracker.SetTyping("c1", "u2", true)
		clock.Advance(DefaultStaleAfter)

		assert.Empty(t, tracker.Sweep())
	})

	t.Run("refresh keeps the entry alive", func(t *testing.T) {
		clock := newFakeClock()
		tracker := NewTypingTracker(zap.NewNop(), WithClock(clock.Now))

		tracker.SetTyping("c1", "u2", true)
		clock.Advance(2 * time.Second)
		tracker.SetTyping("c1", "u2", true)
		clock.Advance(2 * time.Second)

		assert.Empty(t, tracker.Sweep())
		assert.Equal(t, []string{"u2"}, tracker.TypingUsers("c1", ""))
	})

	t.Run("stop removes immediately and excludes the caller", func(t *testing.T) {
		tracker := NewTypingTracker(zap.NewNop())

		tracker.SetTyping("c1", "u3", true)
		tracker.SetTyping("c1", "u1", true)
		tracker.SetTyping("c1", "u2", true)
		assert.Equal(t, []string{"u2", "u3"}, tracker.TypingUsers("c1", "u1"))

		tracker.SetTyping("c1", "u2", false)
		tracker.SetTyping("c9", "u2", false)
		assert.Equal(t, []string{"u3"}, tracker.TypingUsers("c1", "u1"))
		assert.Empty(t, tracker.TypingUsers("c9", ""))
	})

	t.Run("run invokes the expiry hook", func(t *testing.T) {
		clock := newFakeClock()
		expiredCh := make(chan []TypingEntry, 1)
		tracker := NewTypingTracker(zap.NewNop(),
			WithClock(clock.Now),
			WithSweepEvery(10*time.Millisecond),
			WithExpiryHook(func(ctx context.Context, expired []TypingEntry) {
				expiredCh <- expired
			}))

		tracker.SetTyping("c1", "u2", true)
		clock.Advance(4 * time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go tracker.Run(ctx)

		select {
		case expired := <-expiredCh:
			require.Len(t, expired, 1)
			assert.Equal(t, "u2", expired[0].UserId)
		case <-time.After(time.Second):
			t.Fatal("expiry hook not called")
		}
	})
}
