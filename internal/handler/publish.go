package handler

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/ierr"
)

type PublishRequest struct {
	Event   string          `json:"event"`
	Targets []string        `json:"targets"`
	Payload json.RawMessage `json:"payload"`
}

type PublishHandlerInterface interface {
	Handle(ctx context.Context, req PublishRequest) (broadcaster.Delivery, error)
}

type PublishHandler struct {
	idValidator *IdValidator
	publisher   broadcaster.Publisher
}

func NewPublishHandler(
	idValidator *IdValidator,
	publisher broadcaster.Publisher,
) *PublishHandler {
	return &PublishHandler{
		idValidator,
		publisher,
	}
}

func (h *PublishHandler) Handle(ctx context.Context, req PublishRequest) (broadcaster.Delivery, error) {
	if err := requirePublisher(ctx); err != nil {
		return broadcaster.Delivery{}, err
	}

	kind, err := event.ParseKind(req.Event)
	if err != nil {
		return broadcaster.Delivery{}, ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	if !kind.Wire() {
		return broadcaster.Delivery{}, ierr.New(ierr.ErrorCodeInvalidArgument, broadcaster.ErrClientLocalEvent)
	}

	ev, err := event.Decode(kind, req.Payload)
	if err != nil {
		return broadcaster.Delivery{}, ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = defaultTargets(ev.Payload)
	}

	if err := h.idValidator.ValidateAll("targets", targets); err != nil {
		return broadcaster.Delivery{}, err
	}

	return h.publisher.Publish(ev, targets)
}

// defaultTargets is the audience implied by the payload itself, used when a
// publish request names no targets.
func defaultTargets(p event.Payload) []string {
	switch p := p.(type) {
	case event.GroupCreated:
		return p.ParticipantIds()
	case event.GroupUpdated:
		return p.ParticipantIds()
	case event.GroupDeputyUpdated:
		return p.ParticipantIds()
	default:
		return nil
	}
}

func requirePublisher(ctx context.Context) error {
	authentication, ok := auth.AuthenticationFromContext(ctx)
	if !ok {
		return ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("caller not authenticated"))
	}

	if !authentication.IsPublisher() {
		return ierr.New(ierr.ErrorCodePermissionDenied, errors.New("caller not authorized to publish events"))
	}

	return nil
}

func requireConnection(ctx context.Context) (*broadcaster.Connection, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return nil, ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("connection not found in context"))
	}

	return connection, nil
}
