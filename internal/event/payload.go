package event

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Payload is implemented only by the payload types of this package, one per Kind.
type Payload interface {
	Kind() Kind
	validate() error
}

// Ref is an identifier that may arrive either as a plain string or as a
// populated document carrying an "_id" field.
type Ref string

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}

	if b[0] == '{' {
		var doc struct {
			Id string `json:"_id"`
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		*r = Ref(doc.Id)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = Ref(s)

	return nil
}

func (r Ref) String() string {
	return string(r)
}

type MalformedPayloadError struct {
	Kind  Kind
	Field string

	cause error
}

func (e *MalformedPayloadError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s payload: %v", e.Kind, e.cause)
	}

	return fmt.Sprintf("malformed %s payload: field %s: %v", e.Kind, e.Field, e.cause)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.cause
}

var errMissing = errors.New("missing")

func requireField(kind Kind, field string, value string) error {
	if value == "" {
		return &MalformedPayloadError{Kind: kind, Field: field, cause: errMissing}
	}

	return nil
}

func requireAll(kind Kind, fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if err := requireField(kind, fields[i], fields[i+1]); err != nil {
			return err
		}
	}

	return nil
}

type Connection struct {
	Connected    bool   `json:"connected"`
	Id           string `json:"id,omitempty"`
	Reconnected  bool   `json:"reconnected,omitempty"`
	Reconnecting bool   `json:"reconnecting,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
	Terminal     bool   `json:"terminal,omitempty"`
}

func (Connection) Kind() Kind      { return KindConnection }
func (Connection) validate() error { return nil }

type NewMessage struct {
	Id             string `json:"_id"`
	ConversationId Ref    `json:"conversationId"`
	SenderId       Ref    `json:"senderId,omitempty"`
	Status         string `json:"status,omitempty"`
}

func (NewMessage) Kind() Kind { return KindNewMessage }

func (m NewMessage) validate() error {
	return requireAll(KindNewMessage, "_id", m.Id, "conversationId", string(m.ConversationId))
}

type MessageRecalled struct {
	Id             string `json:"_id"`
	ConversationId Ref    `json:"conversationId"`
}

func (MessageRecalled) Kind() Kind { return KindMessageRecalled }

func (m MessageRecalled) validate() error {
	return requireAll(KindMessageRecalled, "_id", m.Id, "conversationId", string(m.ConversationId))
}

type MessageDeleted struct {
	Id             string `json:"_id"`
	ConversationId Ref    `json:"conversationId"`
	DeletedFor     Ref    `json:"deletedFor,omitempty"`
}

func (MessageDeleted) Kind() Kind { return KindMessageDeleted }

func (m MessageDeleted) validate() error {
	return requireAll(KindMessageDeleted, "_id", m.Id, "conversationId", string(m.ConversationId))
}

type FriendRequest struct {
	RequestId string `json:"requestId"`
	SenderId  Ref    `json:"senderId"`
}

func (FriendRequest) Kind() Kind { return KindFriendRequest }

func (f FriendRequest) validate() error {
	return requireAll(KindFriendRequest, "requestId", f.RequestId, "senderId", string(f.SenderId))
}

type FriendRequestAccepted struct {
	RequestId  string `json:"requestId"`
	AccepterId Ref    `json:"accepterId"`
}

func (FriendRequestAccepted) Kind() Kind { return KindFriendRequestAccepted }

func (f FriendRequestAccepted) validate() error {
	return requireAll(KindFriendRequestAccepted, "requestId", f.RequestId, "accepterId", string(f.AccepterId))
}

type FriendRequestRejected struct {
	RequestId  string `json:"requestId"`
	RejecterId Ref    `json:"rejecterId"`
}

func (FriendRequestRejected) Kind() Kind { return KindFriendRequestRejected }

func (f FriendRequestRejected) validate() error {
	return requireAll(KindFriendRequestRejected, "requestId", f.RequestId, "rejecterId", string(f.RejecterId))
}

// Group is the conversation document shared by the group lifecycle events.
type Group struct {
	Id           string `json:"_id"`
	GroupName    string `json:"groupName,omitempty"`
	Participants []Ref  `json:"participants,omitempty"`
}

func (g Group) ParticipantIds() []string {
	ids := make([]string, 0, len(g.Participants))
	for _, p := range g.Participants {
		if p != "" {
			ids = append(ids, string(p))
		}
	}

	return ids
}

type GroupCreated struct {
	Group
}

func (GroupCreated) Kind() Kind { return KindGroupCreated }

func (g GroupCreated) validate() error {
	return requireField(KindGroupCreated, "_id", g.Id)
}

type GroupUpdated struct {
	Group
}

func (GroupUpdated) Kind() Kind { return KindGroupUpdated }

func (g GroupUpdated) validate() error {
	return requireField(KindGroupUpdated, "_id", g.Id)
}

type GroupDeputyUpdated struct {
	Group
	GroupDeputy Ref `json:"groupDeputy,omitempty"`
}

func (GroupDeputyUpdated) Kind() Kind { return KindGroupDeputyUpdated }

func (g GroupDeputyUpdated) validate() error {
	return requireField(KindGroupDeputyUpdated, "_id", g.Id)
}

// GroupLeft tells a member that a group is gone for them, either because they
// left or were removed, or because the group was dissolved.
type GroupLeft struct {
	Id        string `json:"_id"`
	Dissolved bool   `json:"dissolved,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (GroupLeft) Kind() Kind { return KindGroupLeft }

func (g GroupLeft) validate() error {
	return requireField(KindGroupLeft, "_id", g.Id)
}

type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
	UserStatusDeleted UserStatus = "deleted"
)

type UserStatusChanged struct {
	UserId Ref        `json:"userId"`
	Status UserStatus `json:"status"`
}

func (UserStatusChanged) Kind() Kind { return KindUserStatusChanged }

func (u UserStatusChanged) validate() error {
	if err := requireField(KindUserStatusChanged, "userId", string(u.UserId)); err != nil {
		return err
	}

	switch u.Status {
	case UserStatusOnline, UserStatusOffline, UserStatusDeleted:
		return nil
	default:
		return &MalformedPayloadError{
			Kind:  KindUserStatusChanged,
			Field: "status",
			cause: fmt.Errorf("unknown status %q", u.Status),
		}
	}
}

type TypingStatus struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

func (TypingStatus) Kind() Kind { return KindTypingStatus }

func (t TypingStatus) validate() error {
	return requireAll(KindTypingStatus, "conversationId", t.ConversationId, "userId", t.UserId)
}

type ForceLogout struct {
	DeviceType string `json:"deviceType"`
	Message    string `json:"message,omitempty"`
}

func (ForceLogout) Kind() Kind { return KindForceLogout }

func (f ForceLogout) validate() error {
	return requireField(KindForceLogout, "deviceType", f.DeviceType)
}
