package event

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindConnection is synthesized by the client; it never crosses the wire.
	KindConnection Kind = "connection"

	KindNewMessage            Kind = "newMessage"
	KindMessageRecalled       Kind = "messageRecalled"
	KindMessageDeleted        Kind = "messageDeleted"
	KindFriendRequest         Kind = "friendRequest"
	KindFriendRequestAccepted Kind = "friendRequestAccepted"
	KindFriendRequestRejected Kind = "friendRequestRejected"
	KindGroupCreated          Kind = "createGroup"
	KindGroupUpdated          Kind = "groupUpdated"
	KindGroupLeft             Kind = "leaveGroup"
	KindGroupDeputyUpdated    Kind = "updateGroupDeputy"
	KindUserStatusChanged     Kind = "userStatusChanged"
	KindTypingStatus          Kind = "typingStatus"
	KindForceLogout           Kind = "forceLogout"
)

var ErrUnknownKind = errors.New("unknown event kind")

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := decoders[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}

	return k, nil
}

// Wire reports whether events of this kind may be pushed by the server.
func (k Kind) Wire() bool {
	_, ok := decoders[k]

	return ok && k != KindConnection
}

func (k Kind) String() string {
	return string(k)
}

func Kinds() []Kind {
	return []Kind{
		KindConnection,
		KindNewMessage,
		KindMessageRecalled,
		KindMessageDeleted,
		KindFriendRequest,
		KindFriendRequestAccepted,
		KindFriendRequestRejected,
		KindGroupCreated,
		KindGroupUpdated,
		KindGroupLeft,
		KindGroupDeputyUpdated,
		KindUserStatusChanged,
		KindTypingStatus,
		KindForceLogout,
	}
}
