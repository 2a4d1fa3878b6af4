package remote

import "strings"

// Op is the kind of change a push event carries.
type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpRemove Op = "remove"
)

// Query selects a push stream. Limit > 0 bounds the stream to a live window
// over the Limit most recent entries, replayed as adds on subscribe.
type Query struct {
	Path  string `json:"path"`
	Limit int    `json:"limit,omitempty"`
}

// Handlers receive push events. Payloads are raw JSON; decoding is the
// subscriber's concern. Any handler may be nil.
type Handlers struct {
	OnAdd    func(key string, payload []byte)
	OnChange func(key string, payload []byte)
	OnRemove func(key string)
}

// Dispatch routes one event to the matching handler.
func (h Handlers) Dispatch(op Op, key string, payload []byte) {
	switch op {
	case OpAdd:
		if h.OnAdd != nil {
			h.OnAdd(key, payload)
		}
	case OpChange:
		if h.OnChange != nil {
			h.OnChange(key, payload)
		}
	case OpRemove:
		if h.OnRemove != nil {
			h.OnRemove(key)
		}
	}
}

// PushChannel opens live subscriptions. The returned function detaches the
// subscription and is safe to call more than once.
type PushChannel interface {
	Subscribe(q Query, h Handlers) (unsubscribe func(), err error)
}

// MessagesPath is the push path of a conversation's message stream.
func MessagesPath(conversationID string) string { return "messages/" + conversationID }

// TypingPath is the push path of a conversation's typing presence stream.
func TypingPath(conversationID string) string { return "typing/" + conversationID }

// SessionSignalPath carries "something changed" hints for userID's conversation list.
func SessionSignalPath(userID string) string { return "sessions/" + userID }

// ValidPath reports whether p is one of the known stream paths.
func ValidPath(p string) bool {
	for _, prefix := range []string{"messages/", "typing/", "sessions/"} {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			return rest != "" && !strings.ContainsAny(rest, "/.")
		}
	}
	return false
}
