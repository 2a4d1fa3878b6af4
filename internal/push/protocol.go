// Package push carries a remote.PushChannel and typing writes over a
// websocket. Server exposes any push channel; Client consumes one and
// reconnects with backoff, resubscribing every open stream.
package push

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameEvent       = "event"
	frameTyping      = "typing"
	frameAck         = "ack"
	frameError       = "error"
)

// frame is the single wire envelope of both directions. ID names the
// subscription for stream frames and the request for typing/ack frames.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Path  string `json:"path,omitempty"`
	Limit int    `json:"limit,omitempty"`

	Op   remote.Op       `json:"op,omitempty"`
	Key  string          `json:"key,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	ConversationID string                `json:"conversationId,omitempty"`
	Presence       *model.TypingPresence `json:"presence,omitempty"`
	Typing         bool                  `json:"typing,omitempty"`

	Error string `json:"error,omitempty"`
}
