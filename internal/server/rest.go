package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ierr"
)

// RESTServer is the surface business services use to push events and manage
// sessions. Every route requires an API key.
type RESTServer struct {
	logger        *zap.Logger
	authenticator *auth.Authenticator

	publishHandler     handler.PublishHandlerInterface
	logoutHandler      handler.LogoutHandlerInterface
	sessionsHandler    handler.SessionsHandlerInterface
	typingUsersHandler handler.TypingUsersHandlerInterface
}

func NewRESTServer(
	logger *zap.Logger,
	authenticator *auth.Authenticator,
	publishHandler handler.PublishHandlerInterface,
	logoutHandler handler.LogoutHandlerInterface,
	sessionsHandler handler.SessionsHandlerInterface,
	typingUsersHandler handler.TypingUsersHandlerInterface,
) *RESTServer {
	return &RESTServer{
		logger,
		authenticator,
		publishHandler,
		logoutHandler,
		sessionsHandler,
		typingUsersHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/publish", s.withAPIKey(func(ctx context.Context, r *http.Request) (any, error) {
		var req handler.PublishRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}

		return s.publishHandler.Handle(ctx, req)
	})).Methods("POST", "OPTIONS")

	router.HandleFunc("/sessions/logout", s.withAPIKey(func(ctx context.Context, r *http.Request) (any, error) {
		var req handler.LogoutRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}

		return s.logoutHandler.Handle(ctx, req)
	})).Methods("POST", "OPTIONS")

	router.HandleFunc("/sessions/{userId}", s.withAPIKey(func(ctx context.Context, r *http.Request) (any, error) {
		return s.sessionsHandler.Handle(ctx, mux.Vars(r)["userId"])
	})).Methods("GET", "OPTIONS")

	router.HandleFunc("/conversations/{conversationId}/typing", s.withAPIKey(func(ctx context.Context, r *http.Request) (any, error) {
		return s.typingUsersHandler.Handle(ctx, mux.Vars(r)["conversationId"], r.URL.Query().Get("exclude"))
	})).Methods("GET", "OPTIONS")
}

type restHandlerFunc func(ctx context.Context, r *http.Request) (any, error)

func (s *RESTServer) withAPIKey(next restHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			return
		}

		apiKey, ok := bearerToken(r)
		if !ok {
			writeError(s.logger, w, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing api key")))
			return
		}

		authentication, err := s.authenticator.AuthenticateAPIKey(apiKey)
		if err != nil {
			writeError(s.logger, w, err)
			return
		}

		ctx := auth.WithAuthentication(r.Context(), authentication)

		response, err := next(ctx, r)
		if err != nil {
			s.logger.Debug("rest request failed",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeError(s.logger, w, err)
			return
		}

		if err := writeJSON(w, http.StatusOK, response); err != nil {
			s.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body: "+err.Error()))
	}

	return nil
}
