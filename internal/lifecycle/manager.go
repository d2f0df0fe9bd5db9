package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/metrics"
)

type State int

const (
	Handshaking State = iota
	Rejected
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Rejected:
		return "rejected"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Handshake struct {
	UserId     string
	DeviceType string
	ClientIp   string
}

// PresenceNotifier is told when a user goes from zero to one live session and
// back to zero.
type PresenceNotifier interface {
	Online(ctx context.Context, userId string)
	Offline(ctx context.Context, userId string)
}

type nopPresence struct{}

func (nopPresence) Online(context.Context, string)  {}
func (nopPresence) Offline(context.Context, string) {}

type Option func(*Manager)

func WithOutboxSize(size int) Option {
	return func(m *Manager) {
		m.outboxSize = size
	}
}

// WithCloseSuperseded makes the manager evict a connection as soon as a newer
// handshake takes over its slot.
func WithCloseSuperseded(enabled bool) Option {
	return func(m *Manager) {
		m.closeSuperseded = enabled
	}
}

type Manager struct {
	logger     *zap.Logger
	registry   broadcaster.Registry
	dispatcher *broadcaster.Dispatcher
	presence   PresenceNotifier

	outboxSize      int
	closeSuperseded bool

	presenceMu     sync.Mutex
	presenceByUser map[string]*userPresence
}

// userPresence is the last status announced for a user. Its mutex serialises
// announcements for that user.
type userPresence struct {
	mu     sync.Mutex
	refs   int
	online bool
}

func NewManager(
	logger *zap.Logger,
	registry broadcaster.Registry,
	dispatcher *broadcaster.Dispatcher,
	presence PresenceNotifier,
	opts ...Option,
) *Manager {
	if presence == nil {
		presence = nopPresence{}
	}

	m := &Manager{
		logger:         logger,
		registry:       registry,
		dispatcher:     dispatcher,
		presence:       presence,
		outboxSize:     broadcaster.DefaultOutboxSize,
		presenceByUser: make(map[string]*userPresence),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Validate checks a handshake without touching the registry.
func (m *Manager) Validate(h Handshake) (broadcaster.DeviceClass, error) {
	if h.UserId == "" {
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("userId is required"))
	}

	if h.DeviceType == "" {
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("deviceType is required"))
	}

	device, err := broadcaster.ParseDeviceClass(h.DeviceType)
	if err != nil {
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	return device, nil
}

func (m *Manager) Handshake(ctx context.Context, h Handshake) (*Session, error) {
	device, err := m.Validate(h)
	if err != nil {
		metrics.RecordHandshake(Rejected.String())
		m.logger.Info("handshake rejected",
			zap.String("userId", h.UserId),
			zap.String("deviceType", h.DeviceType),
			zap.String("clientIp", h.ClientIp),
			zap.Error(err))

		return nil, err
	}

	conn := broadcaster.NewConnection(h.UserId, device, h.ClientIp, m.outboxSize)

	superseded, firstSession := m.registry.Register(h.UserId, device, conn)
	if superseded == nil {
		metrics.RecordConnectionOpened(device.String())
	} else if m.closeSuperseded {
		superseded.Evict(broadcaster.EvictSuperseded)
	}

	metrics.RecordHandshake(Active.String())
	m.logger.Info("connection registered",
		zap.String("connectionId", conn.Id),
		zap.String("userId", h.UserId),
		zap.String("deviceType", device.String()),
		zap.String("clientIp", h.ClientIp))

	if firstSession {
		m.syncPresence(ctx, h.UserId)
	}

	return &Session{
		Conn:    conn,
		manager: m,
		state:   Active,
	}, nil
}

// syncPresence announces the user's current status if it differs from the
// last one announced. The status is read from the registry while holding the
// user's lock, so a late Offline can never follow a newer Online.
func (m *Manager) syncPresence(ctx context.Context, userId string) {
	m.presenceMu.Lock()
	p, ok := m.presenceByUser[userId]
	if !ok {
		p = &userPresence{}
		m.presenceByUser[userId] = p
	}
	p.refs++
	m.presenceMu.Unlock()

	p.mu.Lock()
	online := len(m.registry.Lookup(userId)) > 0
	if online != p.online {
		p.online = online
		if online {
			m.presence.Online(ctx, userId)
		} else {
			m.presence.Offline(ctx, userId)
		}
	}
	p.mu.Unlock()

	m.presenceMu.Lock()
	p.refs--
	if p.refs == 0 && !online {
		delete(m.presenceByUser, userId)
	}
	m.presenceMu.Unlock()
}

// ForceLogout pushes a forceLogout event to the user's current connection of
// the given class and evicts it once queued events are flushed.
func (m *Manager) ForceLogout(ctx context.Context, userId string, device broadcaster.DeviceClass, message string) bool {
	for _, conn := range m.registry.Lookup(userId) {
		if conn.Device != device {
			continue
		}

		ev, err := event.New(event.ForceLogout{DeviceType: device.String(), Message: message})
		if err != nil {
			m.logger.Error("failed to build forceLogout event", zap.Error(err))

			return false
		}

		queued := m.dispatcher.SendAndEvict(conn, ev, broadcaster.EvictForceLogout)

		m.logger.Info("connection force logged out",
			zap.String("connectionId", conn.Id),
			zap.String("userId", userId),
			zap.String("deviceType", device.String()),
			zap.Bool("notified", queued))

		return true
	}

	return false
}

type Session struct {
	Conn *broadcaster.Connection

	manager *Manager
	mu      sync.Mutex
	state   State
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Close unregisters the session's connection if it still owns its slot.
// Calling it more than once is safe.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()

	m := s.manager
	conn := s.Conn

	removed, lastSession := m.registry.Unregister(conn.UserId, conn.Device, conn)
	if removed {
		metrics.RecordConnectionClosed(conn.Device.String())
	}

	m.logger.Info("connection closed",
		zap.String("connectionId", conn.Id),
		zap.String("userId", conn.UserId),
		zap.String("deviceType", conn.Device.String()),
		zap.Bool("unregistered", removed),
		zap.String("reason", conn.EvictReason()))

	if lastSession {
		m.syncPresence(ctx, conn.UserId)
	}
}
