package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ierr"
)

const (
	DefaultSubject = "chatrelay.publish"
	DefaultQueue   = "chatrelay"
)

type Config struct {
	URL     string
	Subject string
	Queue   string
	Name    string
}

// PublishReply answers NATS requests that carry a reply subject.
type PublishReply struct {
	Delivery *broadcaster.Delivery `json:"delivery,omitempty"`
	Error    *ierr.Error           `json:"error,omitempty"`
}

// NATSIngress accepts publish requests from NATS, the same body as the REST
// publish route. Instances of the service share a queue group so each request
// is handled once.
type NATSIngress struct {
	logger         *zap.Logger
	config         Config
	publishHandler handler.PublishHandlerInterface
}

func NewNATSIngress(
	logger *zap.Logger,
	config Config,
	publishHandler handler.PublishHandlerInterface,
) *NATSIngress {
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	if config.Name == "" {
		config.Name = "chatrelay"
	}

	return &NATSIngress{
		logger,
		config,
		publishHandler,
	}
}

// Run subscribes and blocks until ctx is done, then drains the connection.
func (i *NATSIngress) Run(ctx context.Context) error {
	logger := i.logger

	nc, err := nats.Connect(i.config.URL,
		nats.Name(i.config.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	_, err = nc.QueueSubscribe(i.config.Subject, i.config.Queue, func(msg *nats.Msg) {
		i.handleMessage(ctx, msg)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", i.config.Subject, err)
	}

	logger.Info("nats ingress started",
		zap.String("subject", i.config.Subject),
		zap.String("queue", i.config.Queue))

	<-ctx.Done()

	if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats connection: %w", err)
	}

	return nil
}

func (i *NATSIngress) handleMessage(ctx context.Context, msg *nats.Msg) {
	ctx = auth.WithAuthentication(context.WithoutCancel(ctx), auth.Internal("nats"))

	var req handler.PublishRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		i.logger.Warn("dropping malformed nats publish request",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		i.reply(msg, PublishReply{Error: errorReply(ierr.New(ierr.ErrorCodeInvalidArgument, err))})

		return
	}

	delivery, err := i.publishHandler.Handle(ctx, req)
	if err != nil {
		i.logger.Warn("nats publish request failed",
			zap.String("event", req.Event),
			zap.Error(err))
		i.reply(msg, PublishReply{Error: errorReply(err)})

		return
	}

	i.reply(msg, PublishReply{Delivery: &delivery})
}

func (i *NATSIngress) reply(msg *nats.Msg, reply PublishReply) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		i.logger.Error("failed to encode nats reply", zap.Error(err))
		return
	}

	if err := msg.Respond(data); err != nil {
		i.logger.Warn("failed to respond to nats request", zap.Error(err))
	}
}

func errorReply(err error) *ierr.Error {
	var e ierr.Error
	if errors.As(err, &e) {
		return &e
	}

	e = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))

	return &e
}
