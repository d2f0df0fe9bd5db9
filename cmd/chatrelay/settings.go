package main

import (
	"fmt"
	"strings"
	"time"
)

type Settings struct {
	Port            int    `env:"PORT,default=8000"`
	BasePath        string `env:"BASE_PATH,default=/chatrelay"`
	LogEncoding     string `env:"LOG_ENCODING,default=console"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
	JWTSecret       string `env:"JWT_SECRET"`
	APIKeys         string `env:"API_KEYS,required=true"`
	AllowedOrigins  string `env:"ALLOWED_ORIGINS,default=*"`
	OutboxSize      int    `env:"OUTBOX_SIZE,default=256"`
	CloseSuperseded bool   `env:"CLOSE_SUPERSEDED,default=false"`

	TypingStaleAfter string `env:"TYPING_STALE_AFTER,default=3s"`
	TypingSweepEvery string `env:"TYPING_SWEEP_EVERY,default=5s"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE,default=chat"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT,default=chatrelay.publish"`
	NATSQueue   string `env:"NATS_QUEUE,default=chatrelay"`
}

func (s Settings) APIKeyList() []string {
	return splitList(s.APIKeys)
}

func (s Settings) AllowedOriginList() []string {
	return splitList(s.AllowedOrigins)
}

func (s Settings) TypingDurations() (staleAfter, sweepEvery time.Duration, err error) {
	staleAfter, err = time.ParseDuration(s.TypingStaleAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("TYPING_STALE_AFTER: %w", err)
	}

	sweepEvery, err = time.ParseDuration(s.TypingSweepEvery)
	if err != nil {
		return 0, 0, fmt.Errorf("TYPING_SWEEP_EVERY: %w", err)
	}

	return staleAfter, sweepEvery, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}
