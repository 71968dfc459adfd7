package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventType tags every payload that crosses the exchange. Payloads are
// decoded into Event exactly once, at the broker boundary; downstream code
// switches on these constants.
type EventType string

const (
	EventJoin              EventType = "join"
	EventMessage           EventType = "message"
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventActiveUsersUpdate EventType = "active_users_update"
	EventError             EventType = "error"
)

// TimeLayout is the wire format for event timestamps. Fixed-width UTC so a
// lexicographic sort on stored timestamps is chronological.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is the canonical payload published to the exchange and fanned out to
// both queues. FromSelf is a delivery-time annotation added per recipient; it
// is never published or persisted.
type Event struct {
	Type        EventType `json:"type"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	Message     string    `json:"message,omitempty"`
	SenderID    string    `json:"sender_id,omitempty"`
	Timestamp   string    `json:"timestamp,omitempty"`
	ActiveUsers *int64    `json:"active_users,omitempty"`
}

// Valid reports whether t is one of the known event tags.
func (t EventType) Valid() bool {
	switch t {
	case EventJoin, EventMessage, EventUserJoined, EventUserLeft,
		EventActiveUsersUpdate, EventError:
		return true
	}
	return false
}

// DecodeEvent parses a queue payload into the canonical event. Payloads that
// are not JSON objects or carry an unknown type tag are rejected; the caller
// acks and drops them (poison-message policy).
func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("decode event: unknown type %q", ev.Type)
	}
	return ev, nil
}

// Encode serializes the event to its canonical wire form.
func (e Event) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return body, nil
}

// NowTimestamp returns the gateway-assigned publish time for message events.
func NowTimestamp() string {
	return time.Now().UTC().Format(TimeLayout)
}

// NewChatMessage builds the published form of a client chat message.
func NewChatMessage(userID, username, text string) Event {
	return Event{
		Type:      EventMessage,
		UserID:    userID,
		Username:  username,
		Message:   text,
		SenderID:  userID,
		Timestamp: NowTimestamp(),
	}
}

// NewUserJoined builds the system event announcing a join. System events
// carry no sender_id, so no recipient ever sees them as from_self.
func NewUserJoined(userID, username string) Event {
	return Event{
		Type:     EventUserJoined,
		UserID:   userID,
		Username: username,
		Message:  fmt.Sprintf("%s joined the chat", username),
	}
}

// NewUserLeft builds the system event announcing a departure, carrying the
// last known username.
func NewUserLeft(userID, username string) Event {
	return Event{
		Type:     EventUserLeft,
		UserID:   userID,
		Username: username,
		Message:  fmt.Sprintf("%s left the chat", username),
	}
}

// NewActiveUsersUpdate carries the presence count to every replica.
func NewActiveUsersUpdate(count int64) Event {
	return Event{Type: EventActiveUsersUpdate, ActiveUsers: &count}
}

// NewErrorEvent reports a protocol-level problem.
func NewErrorEvent(text string) Event {
	return Event{Type: EventError, Message: text}
}

// OutboundEvent is an Event plus the per-recipient from_self annotation,
// computed against the receiving connection at delivery time.
type OutboundEvent struct {
	Event
	FromSelf bool `json:"from_self"`
}

// InboundFrame is the shape of a client frame. Anything that does not decode
// into it is a protocol error answered locally, without touching the broker.
type InboundFrame struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

// DecodeInbound parses a raw client frame. Only JSON objects are accepted:
// json.Unmarshal treats null as a no-op on a struct, so without the object
// check a null frame would fall through to dispatch as an empty frame.
func DecodeInbound(data []byte) (InboundFrame, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return InboundFrame{}, fmt.Errorf("decode inbound frame: not a JSON object")
	}

	var frame InboundFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return InboundFrame{}, fmt.Errorf("decode inbound frame: %w", err)
	}
	return frame, nil
}

// StoredMessage is the history-store document for a chat message.
// Append-only; there is no update or delete path.
type StoredMessage struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Username  string             `bson:"username" json:"username"`
	Message   string             `bson:"message" json:"message"`
	SenderID  string             `bson:"sender_id" json:"sender_id"`
	Timestamp string             `bson:"timestamp" json:"timestamp"`
}

// StoredMessageFromEvent maps a message event to its persisted form.
func StoredMessageFromEvent(e Event) StoredMessage {
	return StoredMessage{
		Username:  e.Username,
		Message:   e.Message,
		SenderID:  e.SenderID,
		Timestamp: e.Timestamp,
	}
}

// HistoryFrame is the one-shot replay payload sent to a connection right
// after it attaches. It is not a broadcast event.
type HistoryFrame struct {
	Type     string          `json:"type"`
	Messages []StoredMessage `json:"messages"`
}

// NewHistoryFrame wraps recent messages, oldest first. An empty history is
// an empty array on the wire, not null.
func NewHistoryFrame(messages []StoredMessage) HistoryFrame {
	if messages == nil {
		messages = []StoredMessage{}
	}
	return HistoryFrame{Type: "history", Messages: messages}
}
