package broadcaster

import (
	"context"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultOutboxSize = 256

const (
	EvictOutboxFull  = "outbox full"
	EvictSuperseded  = "superseded"
	EvictForceLogout = "force logout"
)

// Connection is the registry's handle on one live socket. Send is drained by
// the transport's writer and is never closed; eviction closes done instead so
// that concurrent enqueues never panic.
type Connection struct {
	Id       string
	UserId   string
	Device   DeviceClass
	ClientIp string
	Send     chan Message

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	reason string
}

func NewConnection(userId string, device DeviceClass, clientIp string, outboxSize int) *Connection {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}

	return &Connection{
		Id:       gonanoid.Must(),
		UserId:   userId,
		Device:   device,
		ClientIp: clientIp,
		Send:     make(chan Message, outboxSize),
		done:     make(chan struct{}),
	}
}

// Enqueue never blocks. It reports false when the outbox is full or the
// connection has been evicted.
func (c *Connection) Enqueue(message Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- message:
		return true
	default:
		return false
	}
}

// Evict asks the transport to close the connection. Only the first call has
// an effect and reports true.
func (c *Connection) Evict(reason string) bool {
	evicted := false

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()

		close(c.done)
		evicted = true
	})

	return evicted
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Evicted() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) EvictReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.reason
}

type contextKey string

const connectionKey contextKey = "connection"

func WithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey).(*Connection)

	return conn, ok
}
