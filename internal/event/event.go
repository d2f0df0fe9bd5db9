package event

import (
	"bytes"
	"errors"

	"github.com/goccy/go-json"
)

// Event is a validated payload together with its wire encoding. Raw is what
// recipients receive; it keeps any fields the typed payload does not model.
type Event struct {
	Payload Payload
	Raw     json.RawMessage
}

func (e Event) Kind() Kind {
	return e.Payload.Kind()
}

func New(p Payload) (Event, error) {
	if p == nil {
		return Event{}, errors.New("nil payload")
	}

	if err := p.validate(); err != nil {
		return Event{}, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, &MalformedPayloadError{Kind: p.Kind(), cause: err}
	}

	return Event{Payload: p, Raw: raw}, nil
}

func MustNew(p Payload) Event {
	ev, err := New(p)
	if err != nil {
		panic(err)
	}

	return ev
}

var errEmpty = errors.New("empty payload")

func Decode(kind Kind, raw []byte) (Event, error) {
	decode, ok := decoders[kind]
	if !ok {
		return Event{}, ErrUnknownKind
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Event{}, &MalformedPayloadError{Kind: kind, cause: errEmpty}
	}

	p, err := decode(trimmed)
	if err != nil {
		return Event{}, &MalformedPayloadError{Kind: kind, cause: err}
	}

	if err := p.validate(); err != nil {
		return Event{}, err
	}

	return Event{Payload: p, Raw: append(json.RawMessage(nil), trimmed...)}, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	return p, nil
}

var decoders = map[Kind]func([]byte) (Payload, error){
	KindConnection:            decodeAs[Connection],
	KindNewMessage:            decodeAs[NewMessage],
	KindMessageRecalled:       decodeAs[MessageRecalled],
	KindMessageDeleted:        decodeAs[MessageDeleted],
	KindFriendRequest:         decodeAs[FriendRequest],
	KindFriendRequestAccepted: decodeAs[FriendRequestAccepted],
	KindFriendRequestRejected: decodeAs[FriendRequestRejected],
	KindGroupCreated:          decodeAs[GroupCreated],
	KindGroupUpdated:          decodeAs[GroupUpdated],
	KindGroupLeft:             decodeAs[GroupLeft],
	KindGroupDeputyUpdated:    decodeAs[GroupDeputyUpdated],
	KindUserStatusChanged:     decodeAs[UserStatusChanged],
	KindTypingStatus:          decodeAs[TypingStatus],
	KindForceLogout:           decodeAs[ForceLogout],
}
