package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWithReactionDoesNotMutateOriginal(t *testing.T) {
	m := &Message{ID: "m1", Body: "hi"}
	added := m.WithReaction("👍", "u1", true)

	if m.HasReaction("👍", "u1") {
		t.Error("original message was mutated")
	}
	if !added.HasReaction("👍", "u1") {
		t.Error("copy missing reaction")
	}

	removed := added.WithReaction("👍", "u1", false)
	if _, ok := removed.Reactions["👍"]; ok {
		t.Error("empty emoji set should be dropped")
	}
	if !added.HasReaction("👍", "u1") {
		t.Error("removal mutated the previous copy")
	}
}

func TestSameContent(t *testing.T) {
	ts := time.UnixMilli(1000)
	base := &Message{ID: "m1", Body: "hi", CreatedAt: ts}

	tests := []struct {
		name string
		b    *Message
		want bool
	}{
		{"identical", &Message{ID: "m1", Body: "hi", CreatedAt: ts}, true},
		{"status ignored", &Message{ID: "m1", Body: "hi", CreatedAt: ts, Status: StatusRead}, true},
		{"body differs", &Message{ID: "m1", Body: "ho", CreatedAt: ts}, false},
		{"time differs", &Message{ID: "m1", Body: "hi", CreatedAt: ts.Add(time.Millisecond)}, false},
		{"reaction differs", base.WithReaction("🔥", "u2", true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameContent(base, tt.b); got != tt.want {
				t.Errorf("SameContent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLessTieBreaksOnID(t *testing.T) {
	ts := time.UnixMilli(5)
	a := &Message{ID: "a", CreatedAt: ts}
	b := &Message{ID: "b", CreatedAt: ts}
	if !Less(a, b) || Less(b, a) {
		t.Error("equal timestamps must order by id")
	}
}

func TestConversationCreatorIsParticipant(t *testing.T) {
	c := &Conversation{CreatorID: "a", Invited: NewIDSet("a", "b")}
	if !c.IsParticipant("a") {
		t.Error("creator must be a participant")
	}
	if c.IsInvited("a") {
		t.Error("creator must not count as invited")
	}
	if !c.IsInvited("b") {
		t.Error("b should be invited")
	}
}

func TestMessageJSONCarriesReactions(t *testing.T) {
	m := (&Message{ID: "m1", Body: "x"}).WithReaction("👍", "u1", true)
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.HasReaction("👍", "u1") {
		t.Errorf("decoded message lost reaction: %s", data)
	}
}
