package handler

import (
	"context"
	"time"

	"github.com/goevery/chatrelay/internal/broadcaster"
)

type HeartbeatResponse struct {
	Timestamp    time.Time `json:"timestamp"`
	ConnectionId string    `json:"connectionId,omitempty"`
}

type HeartbeatHandlerInterface interface {
	Handle(ctx context.Context) HeartbeatResponse
}

type HeartbeatHandler struct{}

func NewHeartbeatHandler() *HeartbeatHandler {
	return &HeartbeatHandler{}
}

func (h *HeartbeatHandler) Handle(ctx context.Context) HeartbeatResponse {
	response := HeartbeatResponse{
		Timestamp: time.Now(),
	}

	if connection, ok := broadcaster.ConnectionFromContext(ctx); ok {
		response.ConnectionId = connection.Id
	}

	return response
}
