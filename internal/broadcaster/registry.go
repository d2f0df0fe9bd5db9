package broadcaster

import (
	"sync"

	"go.uber.org/zap"
)

type Registry interface {
	Register(userId string, device DeviceClass, conn *Connection) (superseded *Connection, firstSession bool)
	Unregister(userId string, device DeviceClass, conn *Connection) (removed bool, lastSession bool)
	Lookup(userId string) []*Connection
	Devices(userId string) []DeviceClass
	Users() int
	Connections() int
}

type sessions [len(DeviceClasses)]*Connection

func (s *sessions) empty() bool {
	for _, c := range s {
		if c != nil {
			return false
		}
	}

	return true
}

// InMemoryRegistry keeps at most one live connection per user and device class.
type InMemoryRegistry struct {
	logger *zap.Logger
	mu     sync.RWMutex

	sessionsByUser map[string]*sessions
	connections    int
}

func NewInMemoryRegistry(
	logger *zap.Logger,
) *InMemoryRegistry {
	return &InMemoryRegistry{
		logger:         logger,
		sessionsByUser: make(map[string]*sessions),
	}
}

// Register stores conn in the user's slot for device, replacing whatever was
// there. The previous handle is returned but left open.
func (r *InMemoryRegistry) Register(userId string, device DeviceClass, conn *Connection) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userSessions, ok := r.sessionsByUser[userId]
	firstSession := !ok
	if !ok {
		userSessions = &sessions{}
		r.sessionsByUser[userId] = userSessions
	}

	slot := device.slot()
	superseded := userSessions[slot]
	userSessions[slot] = conn

	if superseded == conn {
		return nil, firstSession
	}

	if superseded == nil {
		r.connections++
	} else {
		r.logger.Info("connection superseded",
			zap.String("userId", userId),
			zap.String("deviceType", device.String()),
			zap.String("connectionId", superseded.Id),
			zap.String("supersededBy", conn.Id))
	}

	return superseded, firstSession
}

// Unregister clears the slot only if it still holds conn, so a late close of a
// superseded connection never removes its replacement.
func (r *InMemoryRegistry) Unregister(userId string, device DeviceClass, conn *Connection) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userSessions, ok := r.sessionsByUser[userId]
	if !ok {
		return false, false
	}

	slot := device.slot()
	if userSessions[slot] != conn {
		return false, false
	}

	userSessions[slot] = nil
	r.connections--

	if !userSessions.empty() {
		return true, false
	}

	delete(r.sessionsByUser, userId)

	return true, true
}

func (r *InMemoryRegistry) Lookup(userId string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions, ok := r.sessionsByUser[userId]
	if !ok {
		return nil
	}

	connections := make([]*Connection, 0, len(userSessions))
	for _, c := range userSessions {
		if c != nil {
			connections = append(connections, c)
		}
	}

	return connections
}

func (r *InMemoryRegistry) Devices(userId string) []DeviceClass {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions, ok := r.sessionsByUser[userId]
	if !ok {
		return nil
	}

	devices := make([]DeviceClass, 0, len(userSessions))
	for i, c := range userSessions {
		if c != nil {
			devices = append(devices, DeviceClasses[i])
		}
	}

	return devices
}

func (r *InMemoryRegistry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessionsByUser)
}

func (r *InMemoryRegistry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.connections
}
