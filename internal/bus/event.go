package bus

import "time"

// Event kinds published by the sync layer. Subscribers filter by prefix,
// e.g. "messages." or "sessions.".
const (
	KindMessagesChanged  = "messages.changed"
	KindTypingChanged    = "typing.changed"
	KindSessionsChanged  = "sessions.changed"
	KindIdentityReloaded = "identity.reloaded"
	KindPushState        = "push.state_changed"

	// remotePrefix namespaces the loopback backend's push stream.
	remotePrefix = "remote."
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessagesChanged is the payload of KindMessagesChanged.
type MessagesChanged struct {
	ConversationID string
	Version        uint64
}

// TypingChanged is the payload of KindTypingChanged.
type TypingChanged struct {
	ConversationID string
	Typists        int
}

// SessionsChanged is the payload of KindSessionsChanged.
type SessionsChanged struct {
	Members int
	Invited int
}

// RemoteKind is the event kind for a change on a backend push path.
// The trailing op keeps "messages/c1." from matching "messages/c10.".
func RemoteKind(path, op string) string {
	return remotePrefix + path + "." + op
}

// RemoteNamespace is the subscription prefix matching every op on path.
func RemoteNamespace(path string) string {
	return remotePrefix + path + "."
}
