package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/goevery/chatrelay/internal/client"
	"github.com/goevery/chatrelay/internal/event"
)

const subscriberId = "chatclient"

func connectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "Service base URL",
			Value: "ws://localhost:8000/chatrelay",
		},
		&cli.StringFlag{
			Name:     "user-id",
			Usage:    "User identity to connect as",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "device-type",
			Usage: "Device class (web or app)",
			Value: "web",
		},
		&cli.StringFlag{
			Name:  "token",
			Usage: "Socket token, required when the server has a JWT secret",
		},
		&cli.IntFlag{
			Name:  "attempts",
			Usage: "Reconnect attempts before giving up",
			Value: client.DefaultMaxAttempts,
		},
		&cli.DurationFlag{
			Name:  "initial-backoff",
			Usage: "Initial reconnect backoff",
			Value: client.DefaultInitialInterval,
		},
		&cli.DurationFlag{
			Name:  "max-backoff",
			Usage: "Maximum reconnect backoff",
			Value: client.DefaultMaxInterval,
		},
		&cli.DurationFlag{
			Name:  "dial-timeout",
			Usage: "Timeout for a single connection attempt",
			Value: client.DefaultDialTimeout,
		},
	}
}

func clientConfig(c *cli.Command) client.Config {
	return client.Config{
		URL:             c.String("url"),
		UserId:          c.String("user-id"),
		DeviceType:      c.String("device-type"),
		Token:           c.String("token"),
		InitialInterval: c.Duration("initial-backoff"),
		MaxInterval:     c.Duration("max-backoff"),
		MaxAttempts:     c.Int("attempts"),
		DialTimeout:     c.Duration("dial-timeout"),
	}
}

// listenCommand tails events as NDJSON on stdout.
//
//	chatclient listen --user-id u1 | jq -r 'select(.event=="newMessage") | .payload._id'
func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Stream received events (NDJSON) to stdout",
		Flags: append(connectionFlags(),
			&cli.StringSliceFlag{
				Name:  "event",
				Usage: "Only print these events. Can be used multiple times",
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			kinds, err := parseKinds(c.StringSlice("event"))
			if err != nil {
				return err
			}

			logger := buildLogger(c.Bool("debug"))
			defer logger.Sync()

			printer := newEventPrinter(os.Stdout)
			listeners := client.NewListeners(logger)
			for _, kind := range kinds {
				listeners.Subscribe(kind, subscriberId, printer.Print)
			}

			err = client.New(logger, clientConfig(c), listeners).Run(ctx)
			if errors.Is(err, client.ErrClosedByServer) {
				return nil
			}

			return err
		},
	}
}

// typingCommand sends one typing signal and prints the server's reply.
func typingCommand() *cli.Command {
	return &cli.Command{
		Name:  "typing",
		Usage: "Send a typing signal for a conversation",
		Flags: append(connectionFlags(),
			&cli.StringFlag{
				Name:     "conversation",
				Usage:    "Conversation id",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "participant",
				Usage: "Conversation participant, used when the server has no conversation store",
			},
			&cli.BoolFlag{
				Name:  "stop",
				Usage: "Send a stopped-typing signal",
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := buildLogger(c.Bool("debug"))
			defer logger.Sync()

			listeners := client.NewListeners(logger)
			chatClient := client.New(logger, clientConfig(c), listeners)

			connected := make(chan struct{})
			var once sync.Once
			listeners.Subscribe(event.KindConnection, subscriberId, client.Typed(func(p event.Connection) {
				if p.Connected {
					once.Do(func() { close(connected) })
				}
			}))

			done := make(chan error, 1)
			go func() { done <- chatClient.Run(ctx) }()
			defer func() {
				chatClient.Close()
				<-done
			}()

			select {
			case <-connected:
			case err := <-done:
				done <- err
				if err == nil {
					err = ctx.Err()
				}
				return fmt.Errorf("connect: %w", err)
			}

			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			result, err := chatClient.Call(callCtx, "typing", map[string]any{
				"conversationId": c.String("conversation"),
				"isTyping":       !c.Bool("stop"),
				"participants":   c.StringSlice("participant"),
			})
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(os.Stdout, string(result))

			return err
		},
	}
}

func parseKinds(names []string) ([]event.Kind, error) {
	if len(names) == 0 {
		return event.Kinds(), nil
	}

	kinds := []event.Kind{event.KindConnection}
	for _, name := range names {
		kind, err := event.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if kind != event.KindConnection {
			kinds = append(kinds, kind)
		}
	}

	return kinds, nil
}

type outputLine struct {
	Time    time.Time       `json:"time"`
	Event   event.Kind      `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type eventPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	now     func() time.Time
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{
		encoder: json.NewEncoder(w),
		now:     time.Now,
	}
}

func (p *eventPrinter) Print(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.encoder.Encode(outputLine{
		Time:    p.now(),
		Event:   ev.Kind(),
		Payload: ev.Raw,
	})
}
