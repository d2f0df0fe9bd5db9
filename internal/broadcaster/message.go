package broadcaster

import (
	"time"

	"github.com/goccy/go-json"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/goevery/chatrelay/internal/event"
)

type Message struct {
	Id         string
	CreateTime time.Time
	Kind       event.Kind
	Payload    json.RawMessage
}

func NewMessage(ev event.Event) Message {
	return Message{
		Id:         gonanoid.Must(),
		CreateTime: time.Now(),
		Kind:       ev.Kind(),
		Payload:    ev.Raw,
	}
}
