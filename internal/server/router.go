package server

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/rpc"
)

const (
	MethodHeartbeat   = "heartbeat"
	MethodTyping      = "typing"
	MethodCreateGroup = "createGroup"

	// MethodClientCreateGroup is the name older clients send createGroup under.
	MethodClientCreateGroup = "clientCreateGroup"
)

// Router dispatches client frames to handlers. The connection the frame came
// from is expected in ctx.
type Router struct {
	logger *zap.Logger

	heartbeatHandler   handler.HeartbeatHandlerInterface
	typingHandler      handler.TypingHandlerInterface
	createGroupHandler handler.CreateGroupHandlerInterface
}

func NewRouter(
	logger *zap.Logger,
	heartbeatHandler handler.HeartbeatHandlerInterface,
	typingHandler handler.TypingHandlerInterface,
	createGroupHandler handler.CreateGroupHandlerInterface,
) *Router {
	return &Router{
		logger,
		heartbeatHandler,
		typingHandler,
		createGroupHandler,
	}
}

func (r *Router) RouteRequest(ctx context.Context, request rpc.Request) *rpc.Response {
	response, err := r.Handle(ctx, request)
	if err != nil {
		if !request.ReplyExpected() {
			r.logger.Debug("request failed", zap.String("method", request.Method), zap.Error(err))

			return nil
		}

		response := request.ReplyWithError(r.mapError(err))

		return &response
	}

	if !request.ReplyExpected() {
		return nil
	}

	rawJson, err := json.Marshal(response)
	if err != nil {
		response := request.ReplyWithError(r.mapError(err))

		return &response
	}

	payload := json.RawMessage(rawJson)
	reply := request.Reply(&payload)

	return &reply
}

func (r *Router) Handle(ctx context.Context, request rpc.Request) (any, error) {
	switch request.Method {
	case MethodHeartbeat:
		return r.heartbeatHandler.Handle(ctx), nil
	case MethodTyping:
		var typingReq handler.TypingRequest
		if err := decodeParams(request.Params, &typingReq); err != nil {
			return nil, err
		}

		return r.typingHandler.Handle(ctx, typingReq)
	case MethodCreateGroup, MethodClientCreateGroup:
		if request.Params == nil {
			return nil, rpc.NewError(rpc.ErrorCodeInvalidParams, errors.New("missing params"))
		}

		return r.createGroupHandler.Handle(ctx, *request.Params)
	case "":
		return nil, rpc.NewError(rpc.ErrorCodeInvalidRequest, errors.New("method is required"))
	default:
		return nil, rpc.NewError(rpc.ErrorCodeMethodNotFound, errors.New("method not found: "+request.Method))
	}
}

func (r *Router) mapError(err error) rpc.Error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var handlerErr ierr.Error
	if errors.As(err, &handlerErr) {
		return rpc.Error{
			Code:    rpc.ErrorCode(handlerErr.Code),
			Message: handlerErr.Message,
			Data:    handlerErr.Data,
		}
	}

	r.logger.Error("error in rpc handler", zap.Error(err))

	return rpc.NewError(rpc.ErrorCodeInternalError, errors.New("internal error"))
}

func decodeParams(params *json.RawMessage, v any) error {
	if params == nil {
		return rpc.NewError(rpc.ErrorCodeInvalidParams, errors.New("missing params"))
	}

	if err := json.Unmarshal(*params, v); err != nil {
		return rpc.NewError(rpc.ErrorCodeInvalidParams, errors.New("invalid params: "+err.Error()))
	}

	return nil
}
