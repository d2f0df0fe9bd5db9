package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ingress"
	"github.com/goevery/chatrelay/internal/lifecycle"
	"github.com/goevery/chatrelay/internal/persistence"
	"github.com/goevery/chatrelay/internal/persistence/mongodb"
	"github.com/goevery/chatrelay/internal/presence"
	"github.com/goevery/chatrelay/internal/server"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	logger          *zap.Logger
	settings        Settings
	mongoClient     *mongo.Client
	tracker         *presence.TypingTracker
	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
	natsIngress     *ingress.NATSIngress
}

func NewApp(ctx context.Context, logger *zap.Logger, settings Settings) (*App, error) {
	staleAfter, sweepEvery, err := settings.TypingDurations()
	if err != nil {
		return nil, err
	}

	var resolver persistence.Resolver = persistence.NopResolver{}
	var mongoClient *mongo.Client
	if settings.MongoURI != "" {
		mongoClient, err = mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}

		mongoResolver := mongodb.NewResolver(mongoClient, settings.MongoDatabase)
		if err := mongoResolver.Setup(ctx); err != nil {
			return nil, err
		}
		resolver = mongoResolver
	} else {
		logger.Warn("MONGO_URI not set, presence fan-out is disabled")
	}

	originChecker := server.NewOriginChecker(settings.AllowedOriginList())
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.APIKeyList())
	idValidator := handler.NewIdValidator()

	registry := broadcaster.NewInMemoryRegistry(logger)
	dispatcher := broadcaster.NewDispatcher(logger, registry)

	statusNotifier := presence.NewStatusNotifier(logger, resolver, dispatcher)
	manager := lifecycle.NewManager(
		logger,
		registry,
		dispatcher,
		statusNotifier,
		lifecycle.WithOutboxSize(settings.OutboxSize),
		lifecycle.WithCloseSuperseded(settings.CloseSuperseded),
	)

	tracker := presence.NewTypingTracker(
		logger,
		presence.WithStaleAfter(staleAfter),
		presence.WithSweepEvery(sweepEvery),
		presence.WithExpiryHook(presence.TypingExpiryPublisher(logger, resolver, dispatcher)),
	)

	heartbeatHandler := handler.NewHeartbeatHandler()
	typingHandler := handler.NewTypingHandler(logger, idValidator, tracker, resolver, dispatcher)
	createGroupHandler := handler.NewCreateGroupHandler(dispatcher)
	publishHandler := handler.NewPublishHandler(idValidator, dispatcher)
	logoutHandler := handler.NewLogoutHandler(idValidator, manager)
	sessionsHandler := handler.NewSessionsHandler(idValidator, registry)
	typingUsersHandler := handler.NewTypingUsersHandler(idValidator, tracker)

	router := server.NewRouter(
		logger,
		heartbeatHandler,
		typingHandler,
		createGroupHandler,
	)

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		authenticator,
		manager,
		router,
	)
	restServer := server.NewRESTServer(
		logger,
		authenticator,
		publishHandler,
		logoutHandler,
		sessionsHandler,
		typingUsersHandler,
	)

	var natsIngress *ingress.NATSIngress
	if settings.NATSURL != "" {
		natsIngress = ingress.NewNATSIngress(logger, ingress.Config{
			URL:     settings.NATSURL,
			Subject: settings.NATSSubject,
			Queue:   settings.NATSQueue,
		}, publishHandler)
	}

	return &App{
		logger,
		settings,
		mongoClient,
		tracker,
		websocketServer,
		restServer,
		natsIngress,
	}, nil
}

func (a *App) run(ctx context.Context) error {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	group, groupCtx := errgroup.WithContext(notifyCtx)

	group.Go(func() error {
		return a.startHttpServer(groupCtx)
	})
	group.Go(func() error {
		return a.tracker.Run(groupCtx)
	})
	if a.natsIngress != nil {
		group.Go(func() error {
			return a.natsIngress.Run(groupCtx)
		})
	}

	err := group.Wait()

	if a.mongoClient != nil {
		disconnectCtx, disconnectCtxCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCtxCancel()

		if err := a.mongoClient.Disconnect(disconnectCtx); err != nil {
			a.logger.Warn("mongodb disconnect failed", zap.Error(err))
		}
	}

	return err
}

func (a *App) startHttpServer(ctx context.Context) error {
	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	mainRouter := mux.NewRouter()
	router := mainRouter.
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.websocketServer.Register(router)
	a.restServer.Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	httpServer := &http.Server{
		Addr:    address,
		Handler: mainRouter,
	}
	httpServer.RegisterOnShutdown(a.websocketServer.Shutdown)

	a.logger.Info("starting http server",
		zap.String("address", address),
		zap.String("basePath", a.settings.BasePath))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCtxCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	a.logger.Info("http server stopped")

	return nil
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		panic(fmt.Errorf("failed to parse settings from environment: %w", err))
	}

	logger, err := buildZapLogger(settings)
	if err != nil {
		panic(fmt.Errorf("failed to build logger: %w", err))
	}
	defer logger.Sync()

	app, err := NewApp(ctx, logger, settings)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}

	if err := app.run(ctx); err != nil {
		logger.Fatal("chatrelay stopped with error", zap.Error(err))
	}
}
