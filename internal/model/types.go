package model

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// IDSet is an unordered set of user ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from the given ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. Safe on a nil set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Clone returns an independent copy. A nil set clones to an empty set.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s IDSet) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Equal reports whether both sets hold the same members.
func (s IDSet) Equal(o IDSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array.
func (s IDSet) MarshalJSON() ([]byte, error) {
	ids := s.Sorted()
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON decodes an array of ids.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// Message is one entry of a conversation.
// Values held by the message store are never mutated after insertion;
// use Clone to derive a modified copy.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Kind           string            `json:"kind,omitempty"`
	Body           string            `json:"body"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	Reactions      map[string]IDSet  `json:"reactions,omitempty"`
	Status         MessageStatus     `json:"status,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Extras         map[string]string `json:"extras,omitempty"`
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string]IDSet, len(m.Reactions))
		for emoji, set := range m.Reactions {
			c.Reactions[emoji] = set.Clone()
		}
	}
	if m.Extras != nil {
		c.Extras = maps.Clone(m.Extras)
	}
	return &c
}

// HasReaction reports whether userID reacted with emoji.
func (m *Message) HasReaction(emoji, userID string) bool {
	return m.Reactions[emoji].Has(userID)
}

// WithReaction returns a copy of m with userID added to or removed from emoji.
func (m *Message) WithReaction(emoji, userID string, present bool) *Message {
	c := m.Clone()
	if c.Reactions == nil {
		c.Reactions = make(map[string]IDSet)
	}
	set := c.Reactions[emoji]
	if present {
		if set == nil {
			set = make(IDSet)
			c.Reactions[emoji] = set
		}
		set[userID] = struct{}{}
		return c
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(c.Reactions, emoji)
	}
	return c
}

// SameContent reports whether a and b agree on CreatedAt, Body and Reactions.
// Those are the fields whose change must reach observers.
func SameContent(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) || a.Body != b.Body {
		return false
	}
	if len(a.Reactions) != len(b.Reactions) {
		return false
	}
	for emoji, set := range a.Reactions {
		if !set.Equal(b.Reactions[emoji]) {
			return false
		}
	}
	return true
}

// Less orders messages by CreatedAt, then ID.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Compare is the three-way form of Less, suitable for slices.SortFunc.
func Compare(a, b *Message) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// Conversation is a chat room ("session") with a creator, participants and invitees.
type Conversation struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	CreatorID          string    `json:"creatorId"`
	Participants       IDSet     `json:"participantIds"`
	Invited            IDSet     `json:"invitedIds"`
	IsLocked           bool      `json:"isLocked"`
	RequiresAccessCode bool      `json:"requiresAccessCode"`
	IsActive           bool      `json:"isActive"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = c.Participants.Clone()
	out.Invited = c.Invited.Clone()
	return &out
}

// IsParticipant reports whether userID participates. The creator always does.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID == c.CreatorID || c.Participants.Has(userID)
}

// IsInvited reports whether userID holds a pending invitation.
func (c *Conversation) IsInvited(userID string) bool {
	return !c.IsParticipant(userID) && c.Invited.Has(userID)
}

// TypingPresence marks a user as currently composing in a conversation.
type TypingPresence struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

// Identity is a lightweight user record.
type Identity struct {
	ID          string            `json:"id"`
	Handle      string            `json:"handle"`
	DisplayName string            `json:"displayName"`
	AvatarRef   string            `json:"avatarRef,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastSeen    time.Time         `json:"lastSeen"`
	Banned      bool              `json:"banned,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Interaction is a directed interaction count towards another user.
type Interaction struct {
	ToID  string `json:"toId"`
	Count int    `json:"count"`
}
