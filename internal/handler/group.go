package handler

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/ierr"
)

type CreateGroupHandlerInterface interface {
	Handle(ctx context.Context, params json.RawMessage) (broadcaster.Delivery, error)
}

// CreateGroupHandler relays a group created by a client to the group's
// participants, except the connection it came from.
type CreateGroupHandler struct {
	publisher broadcaster.Publisher
}

func NewCreateGroupHandler(
	publisher broadcaster.Publisher,
) *CreateGroupHandler {
	return &CreateGroupHandler{
		publisher,
	}
}

func (h *CreateGroupHandler) Handle(ctx context.Context, params json.RawMessage) (broadcaster.Delivery, error) {
	connection, err := requireConnection(ctx)
	if err != nil {
		return broadcaster.Delivery{}, err
	}

	ev, err := event.Decode(event.KindGroupCreated, params)
	if err != nil {
		return broadcaster.Delivery{}, ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	group := ev.Payload.(event.GroupCreated)

	return h.publisher.Publish(ev, group.ParticipantIds(), broadcaster.ExcludeConnection(connection.Id))
}
