package broadcaster

import (
	"errors"

	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/metrics"
)

var ErrClientLocalEvent = errors.New("connection events are client-local and cannot be published")

type Delivery struct {
	Targets   int `json:"targets"`
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
	Offline   int `json:"offline"`
}

type publishOptions struct {
	excludeConnectionId string
}

type PublishOption func(*publishOptions)

// ExcludeConnection skips one connection, typically the sender of a relayed
// client event.
func ExcludeConnection(connectionId string) PublishOption {
	return func(o *publishOptions) {
		o.excludeConnectionId = connectionId
	}
}

type Publisher interface {
	Publish(ev event.Event, targets []string, opts ...PublishOption) (Delivery, error)
}

type Dispatcher struct {
	logger   *zap.Logger
	registry Registry
}

func NewDispatcher(
	logger *zap.Logger,
	registry Registry,
) *Dispatcher {
	return &Dispatcher{
		logger,
		registry,
	}
}

// Publish fans ev out to every live connection of every target user. Delivery
// is at most once: a connection whose outbox is full loses the event and is
// evicted so that its client reconnects and refetches.
func (d *Dispatcher) Publish(ev event.Event, targets []string, opts ...PublishOption) (Delivery, error) {
	if !ev.Kind().Wire() {
		return Delivery{}, ErrClientLocalEvent
	}

	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}

	message := NewMessage(ev)

	var delivery Delivery

	seen := make(map[string]struct{}, len(targets))
	for _, userId := range targets {
		if userId == "" {
			continue
		}
		if _, ok := seen[userId]; ok {
			continue
		}
		seen[userId] = struct{}{}
		delivery.Targets++

		connections := d.registry.Lookup(userId)
		if len(connections) == 0 {
			delivery.Offline++
			continue
		}

		for _, conn := range connections {
			if conn.Id == options.excludeConnectionId {
				continue
			}

			if d.deliver(conn, message) {
				delivery.Delivered++
			} else {
				delivery.Dropped++
			}
		}
	}

	metrics.RecordPublish(string(message.Kind), delivery.Delivered, delivery.Dropped, delivery.Offline)

	d.logger.Debug("event published",
		zap.String("kind", string(message.Kind)),
		zap.String("messageId", message.Id),
		zap.Int("targets", delivery.Targets),
		zap.Int("delivered", delivery.Delivered),
		zap.Int("dropped", delivery.Dropped),
		zap.Int("offline", delivery.Offline))

	return delivery, nil
}

// SendAndEvict queues ev as the last event of conn and evicts it with reason.
// The eviction uses reason even when the outbox has no room left for ev.
func (d *Dispatcher) SendAndEvict(conn *Connection, ev event.Event, reason string) bool {
	message := NewMessage(ev)

	queued := conn.Enqueue(message)
	if !queued {
		d.logger.Warn("connection send channel is full, dropping final event",
			zap.String("connectionId", conn.Id),
			zap.String("userId", conn.UserId),
			zap.String("kind", string(message.Kind)))
	}

	conn.Evict(reason)

	return queued
}

func (d *Dispatcher) deliver(conn *Connection, message Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delivery panicked",
				zap.String("connectionId", conn.Id),
				zap.Any("panic", r))
			ok = false
		}
	}()

	if conn.Enqueue(message) {
		return true
	}

	if conn.Evict(EvictOutboxFull) {
		d.logger.Warn("connection send channel is full, closing connection",
			zap.String("connectionId", conn.Id),
			zap.String("userId", conn.UserId),
			zap.String("kind", string(message.Kind)))
	}

	return false
}
