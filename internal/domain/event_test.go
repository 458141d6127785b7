package domain

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

func TestSanitizedStripsLoginPassword(t *testing.T) {
	p := Payload{
		Text: "login",
		Type: PayloadTypeLoginPrompt,
		Data: map[string]any{"username": "alice", "password": "hunter2"},
	}
	out := p.Sanitized()

	if _, ok := out.Data["password"]; ok {
		t.Fatal("password survived sanitization")
	}
	if out.Data["username"] != "alice" {
		t.Fatal("unrelated field lost")
	}
	// The original payload is untouched.
	if p.Data["password"] != "hunter2" {
		t.Fatal("sanitization mutated the source payload")
	}
}

func TestSanitizedKeepsPasswordForOtherTypes(t *testing.T) {
	p := Payload{
		Text: "hi",
		Type: PayloadTypeText,
		Data: map[string]any{"password": "not a credential field here"},
	}
	out := p.Sanitized()
	if _, ok := out.Data["password"]; !ok {
		t.Fatal("sanitization is scoped to login prompts")
	}
}

func TestNewReplyCorrelatesAndFlipsDirection(t *testing.T) {
	in := NewEvent("b1", ChannelAPI, "u1", DirectionIncoming, Payload{Text: "hi", Type: PayloadTypeText})
	out := NewReply(in, Payload{Text: "yo", Type: PayloadTypeText})

	if out.Direction != DirectionOutgoing {
		t.Fatalf("expected outgoing, got %s", out.Direction)
	}
	if out.CorrelationID != in.ID {
		t.Fatal("reply not correlated to the incoming event")
	}
	if out.ID == in.ID {
		t.Fatal("reply must be a distinct event")
	}
	if in.Direction != DirectionIncoming {
		t.Fatal("incoming event was mutated")
	}
}

func TestConversationKey(t *testing.T) {
	a := NewEvent("b1", ChannelAPI, "u1", DirectionIncoming, Payload{Text: "x"})
	b := NewEvent("b1", ChannelAPI, "u1", DirectionOutgoing, Payload{Text: "y"})
	c := NewEvent("b2", ChannelAPI, "u1", DirectionIncoming, Payload{Text: "z"})

	if a.ConversationKey() != b.ConversationKey() {
		t.Fatal("direction must not change the conversation key")
	}
	if a.ConversationKey() == c.ConversationKey() {
		t.Fatal("different bots must not share a key")
	}
}

func TestNewIDMonotonicWithinProcess(t *testing.T) {
	now := time.Now()
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewID(now)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("ids generated in order must sort in order")
	}
}

func TestDirectionValid(t *testing.T) {
	if !DirectionIncoming.Valid() || !DirectionOutgoing.Valid() {
		t.Fatal("known directions must be valid")
	}
	if Direction("sideways").Valid() {
		t.Fatal("unknown direction must be invalid")
	}
}

func TestErrorCodeOfWalksChain(t *testing.T) {
	err := WrapOp("outer", NewDomainError("inner", ErrTimeout, "w-1"))
	if ErrorCodeOf(err) != CodeTimeout {
		t.Fatalf("expected timeout code, got %s", ErrorCodeOf(err))
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("sentinel lost in wrapping")
	}
	if ErrorCodeOf(fmt.Errorf("plain")) != CodeUnknown {
		t.Fatal("unrelated error must map to unknown")
	}
	if ErrorCodeOf(nil) != CodeUnknown {
		t.Fatal("nil error must map to unknown")
	}
}
