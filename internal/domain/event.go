package domain

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Direction tells which pipeline an event travels through.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionIncoming || d == DirectionOutgoing
}

// Payload type constants. Type is the semantic kind of the payload, not a
// closed enum: channels may introduce their own types.
const (
	PayloadTypeText        = "text"
	PayloadTypeForm        = "form"
	PayloadTypeLoginPrompt = "login_prompt"
)

// ChannelAPI is the channel name for events originating from the HTTP API.
const ChannelAPI = "api"

// Payload is the structured content of an event.
type Payload struct {
	Text string         `json:"text,omitempty"`
	Type string         `json:"type,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	Raw  map[string]any `json:"raw,omitempty"`
}

// Sanitized returns the allow-listed form of the payload suitable for
// persistence and logging. Credentials never reach storage: a password
// inside Data is stripped for login prompts whether or not upstream
// validation ran. Sanitization is independent of dispatch: the event
// handed to the pipeline keeps the full payload.
func (p Payload) Sanitized() Payload {
	out := Payload{Text: p.Text, Type: p.Type, Raw: p.Raw}
	if p.Data != nil {
		data := make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			data[k] = v
		}
		if p.Type == PayloadTypeLoginPrompt {
			delete(data, "password")
		}
		out.Data = data
	}
	return out
}

// Event is the envelope for one inbound or outbound conversational message.
// ID, Direction and CreatedAt are fixed at creation. State is a scratch bag
// owned by the pipeline while the event is in flight; stages run
// sequentially for one event, so State needs no locking of its own.
type Event struct {
	ID            string         `json:"id"`
	BotID         string         `json:"bot_id"`
	Channel       string         `json:"channel"`
	Target        string         `json:"target"`
	Direction     Direction      `json:"direction"`
	Type          string         `json:"type"`
	Payload       Payload        `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	State         map[string]any `json:"-"`
}

// NewEvent creates an event with a fresh ULID and creation timestamp.
func NewEvent(botID, channel, target string, dir Direction, payload Payload) *Event {
	now := time.Now()
	return &Event{
		ID:        NewID(now),
		BotID:     botID,
		Channel:   channel,
		Target:    target,
		Direction: dir,
		Type:      payload.Type,
		Payload:   payload,
		CreatedAt: now,
		State:     make(map[string]any),
	}
}

// NewReply creates the outgoing event answering in. The reply is a distinct
// event: an incoming event is never flipped to outgoing in place.
func NewReply(in *Event, payload Payload) *Event {
	ev := NewEvent(in.BotID, in.Channel, in.Target, DirectionOutgoing, payload)
	ev.CorrelationID = in.ID
	return ev
}

// ConversationKey is the ordering key for per-conversation FIFO delivery.
func (e *Event) ConversationKey() string {
	return e.BotID + "|" + e.Target
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a ULID for the given timestamp. IDs are monotonic within
// the process, so creation order and lexicographic order stay aligned.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Processor is the dialog engine that consumes incoming events. It is
// opaque to this core: if a reply is warranted it submits a new outgoing
// event through the engine, and it may also not reply at all.
type Processor interface {
	Process(ctx context.Context, ev *Event) error
}
