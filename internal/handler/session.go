package handler

import (
	"context"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/lifecycle"
)

type LogoutRequest struct {
	UserId     string `json:"userId"`
	DeviceType string `json:"deviceType"`
	Message    string `json:"message,omitempty"`
}

type LogoutResponse struct {
	Evicted bool `json:"evicted"`
}

type LogoutHandlerInterface interface {
	Handle(ctx context.Context, req LogoutRequest) (LogoutResponse, error)
}

// LogoutHandler is called by the login flow when a user signs in on a new
// device of a class that already has a live session.
type LogoutHandler struct {
	idValidator *IdValidator
	manager     *lifecycle.Manager
}

func NewLogoutHandler(
	idValidator *IdValidator,
	manager *lifecycle.Manager,
) *LogoutHandler {
	return &LogoutHandler{
		idValidator,
		manager,
	}
}

func (h *LogoutHandler) Handle(ctx context.Context, req LogoutRequest) (LogoutResponse, error) {
	if err := requirePublisher(ctx); err != nil {
		return LogoutResponse{}, err
	}

	if err := h.idValidator.Validate("userId", req.UserId); err != nil {
		return LogoutResponse{}, err
	}

	device, err := broadcaster.ParseDeviceClass(req.DeviceType)
	if err != nil {
		return LogoutResponse{}, ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	evicted := h.manager.ForceLogout(ctx, req.UserId, device, req.Message)

	return LogoutResponse{Evicted: evicted}, nil
}

type SessionsResponse struct {
	UserId  string                    `json:"userId"`
	Devices []broadcaster.DeviceClass `json:"devices"`
}

type SessionsHandlerInterface interface {
	Handle(ctx context.Context, userId string) (SessionsResponse, error)
}

type SessionsHandler struct {
	idValidator *IdValidator
	registry    broadcaster.Registry
}

func NewSessionsHandler(
	idValidator *IdValidator,
	registry broadcaster.Registry,
) *SessionsHandler {
	return &SessionsHandler{
		idValidator,
		registry,
	}
}

func (h *SessionsHandler) Handle(ctx context.Context, userId string) (SessionsResponse, error) {
	if err := requirePublisher(ctx); err != nil {
		return SessionsResponse{}, err
	}

	if err := h.idValidator.Validate("userId", userId); err != nil {
		return SessionsResponse{}, err
	}

	devices := h.registry.Devices(userId)
	if devices == nil {
		devices = []broadcaster.DeviceClass{}
	}

	return SessionsResponse{
		UserId:  userId,
		Devices: devices,
	}, nil
}
