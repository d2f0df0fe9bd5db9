package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/lifecycle"
	"github.com/goevery/chatrelay/internal/metrics"
	"github.com/goevery/chatrelay/internal/rpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	inboundRate  rate.Limit = 20
	inboundBurst            = 40

	evictShutdown = "server shutdown"
)

type WebSocketServer struct {
	logger        *zap.Logger
	upgrader      *websocket.Upgrader
	authenticator *auth.Authenticator
	manager       *lifecycle.Manager
	router        *Router

	mu     sync.Mutex
	active map[*broadcaster.Connection]struct{}
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	authenticator *auth.Authenticator,
	manager *lifecycle.Manager,
	router *Router,
) *WebSocketServer {
	return &WebSocketServer{
		logger:        logger,
		upgrader:      upgrader,
		authenticator: authenticator,
		manager:       manager,
		router:        router,
		active:        make(map[*broadcaster.Connection]struct{}),
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/socket", s.serveSocket).Methods("GET")
}

// Shutdown evicts every open connection. Queued events are flushed before
// each socket is closed.
func (s *WebSocketServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.active {
		conn.Evict(evictShutdown)
	}
}

func (s *WebSocketServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	handshake := lifecycle.Handshake{
		UserId:     query.Get("userId"),
		DeviceType: query.Get("deviceType"),
		ClientIp:   clientIp(r),
	}

	// Rejections happen before the upgrade so that nothing is registered.
	if _, err := s.manager.Validate(handshake); err != nil {
		metrics.RecordHandshake(lifecycle.Rejected.String())
		writeError(s.logger, w, err)
		return
	}

	if s.authenticator.SocketTokensRequired() {
		_, err := s.authenticator.AuthenticateSocket(query.Get("token"), handshake.UserId, handshake.DeviceType)
		if err != nil {
			metrics.RecordHandshake("unauthenticated")
			s.logger.Info("socket authentication failed",
				zap.String("userId", handshake.UserId),
				zap.String("clientIp", handshake.ClientIp),
				zap.Error(err))
			writeError(s.logger, w, err)
			return
		}
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx := context.WithoutCancel(r.Context())

	session, err := s.manager.Handshake(ctx, handshake)
	if err != nil {
		_ = wsConn.Close()
		return
	}

	s.serve(ctx, wsConn, session)
}

func (s *WebSocketServer) serve(ctx context.Context, wsConn *websocket.Conn, session *lifecycle.Session) {
	conn := session.Conn
	logger := s.logger.With(
		zap.String("connectionId", conn.Id),
		zap.String("userId", conn.UserId),
		zap.String("deviceType", conn.Device.String()))

	s.track(conn)
	defer s.untrack(conn)
	defer session.Close(ctx)
	defer wsConn.Close()

	welcome, err := json.Marshal(rpc.Welcome{
		ConnectionId: conn.Id,
		UserId:       conn.UserId,
		DeviceType:   conn.Device.String(),
	})
	if err != nil {
		logger.Error("failed to encode welcome", zap.Error(err))
		return
	}

	if err := writeFrame(wsConn, rpc.Notification{Method: rpc.MethodWelcome, Params: welcome}); err != nil {
		logger.Info("failed to write welcome", zap.Error(err))
		return
	}

	replies := make(chan rpc.Response, 16)
	readerDone := make(chan []byte, 1)
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		s.writePump(wsConn, conn, replies, readerDone, logger)
	}()

	readerDone <- s.readPump(ctx, wsConn, conn, replies, writerDone, logger)
	<-writerDone
}

// readPump returns the close frame to send when it stops because of the
// client's input, or nil.
func (s *WebSocketServer) readPump(
	ctx context.Context,
	wsConn *websocket.Conn,
	conn *broadcaster.Connection,
	replies chan<- rpc.Response,
	writerDone <-chan struct{},
	logger *zap.Logger,
) []byte {
	wsConn.SetReadLimit(maxMessageSize)
	_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(inboundRate, inboundBurst)
	ctx = broadcaster.WithConnection(ctx, conn)

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				logger.Debug("unexpected websocket close", zap.Error(err))
			}

			return nil
		}

		_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))

		var request rpc.Request
		if err := json.Unmarshal(data, &request); err != nil {
			logger.Warn("invalid frame, closing connection", zap.Error(err))

			return websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid frame")
		}

		var response *rpc.Response

		if limiter.Allow() {
			response = s.router.RouteRequest(ctx, request)
		} else {
			metrics.RecordInboundFrameDropped()
			logger.Warn("inbound rate limit exceeded, dropping frame", zap.String("method", request.Method))

			if request.ReplyExpected() {
				reply := request.ReplyWithError(rpc.NewError(rpc.ErrorCodeRateLimited, errors.New("rate limit exceeded")))
				response = &reply
			}
		}

		if response == nil {
			continue
		}

		select {
		case replies <- *response:
		case <-writerDone:
			return nil
		}
	}
}

func (s *WebSocketServer) writePump(
	wsConn *websocket.Conn,
	conn *broadcaster.Connection,
	replies <-chan rpc.Response,
	readerDone <-chan []byte,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = wsConn.Close()
	}()

	for {
		select {
		case message := <-conn.Send:
			if err := writeMessage(wsConn, message); err != nil {
				logger.Debug("failed to write message", zap.Error(err))
				return
			}

		case response := <-replies:
			if err := writeFrame(wsConn, response); err != nil {
				logger.Debug("failed to write response", zap.Error(err))
				return
			}

		case <-conn.Done():
			reason := conn.EvictReason()
			if reason != broadcaster.EvictOutboxFull {
				flush(wsConn, conn, logger)
			}

			logger.Info("closing evicted connection", zap.String("reason", reason))
			writeClose(wsConn, websocket.FormatCloseMessage(closeCode(reason), reason))

			return

		case frame := <-readerDone:
			if frame != nil {
				writeClose(wsConn, frame)
			}

			return

		case <-ticker.C:
			if err := wsConn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued without waiting for more.
func flush(wsConn *websocket.Conn, conn *broadcaster.Connection, logger *zap.Logger) {
	for {
		select {
		case message := <-conn.Send:
			if err := writeMessage(wsConn, message); err != nil {
				logger.Debug("failed to flush message", zap.Error(err))
				return
			}
		default:
			return
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case broadcaster.EvictOutboxFull:
		return websocket.CloseTryAgainLater
	case evictShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

func writeMessage(wsConn *websocket.Conn, message broadcaster.Message) error {
	return writeFrame(wsConn, rpc.Notification{
		Method: message.Kind.String(),
		Params: message.Payload,
	})
}

func writeFrame(wsConn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if err := wsConn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return wsConn.WriteMessage(websocket.TextMessage, data)
}

func writeClose(wsConn *websocket.Conn, frame []byte) {
	_ = wsConn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
}

func (s *WebSocketServer) track(conn *broadcaster.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[conn] = struct{}{}
}

func (s *WebSocketServer) untrack(conn *broadcaster.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, conn)
}
