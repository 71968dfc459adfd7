package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	original := NewChatMessage("user-1", "alice", "hello")

	body, err := original.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte("not json at all"))
	assert.Error(t, err)
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"shrug"}`))
	assert.Error(t, err)
}

func TestDecodeEventActiveUsers(t *testing.T) {
	body, err := NewActiveUsersUpdate(7).Encode()
	require.NoError(t, err)

	decoded, err := DecodeEvent(body)
	require.NoError(t, err)
	require.NotNil(t, decoded.ActiveUsers)
	assert.Equal(t, int64(7), *decoded.ActiveUsers)
}

func TestChatMessageFields(t *testing.T) {
	ev := NewChatMessage("user-1", "alice", "hi")

	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "user-1", ev.SenderID)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, "alice", ev.Username)

	parsed, err := time.Parse(TimeLayout, ev.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
}

func TestSystemEventsCarryNoSenderID(t *testing.T) {
	assert.Empty(t, NewUserJoined("user-1", "alice").SenderID)
	assert.Empty(t, NewUserLeft("user-1", "alice").SenderID)
	assert.Empty(t, NewActiveUsersUpdate(1).SenderID)
}

func TestUserJoinedMessageText(t *testing.T) {
	ev := NewUserJoined("user-1", "alice")
	assert.Equal(t, "alice joined the chat", ev.Message)
	assert.Empty(t, ev.Timestamp)
}

func TestOutboundEventMarshalsFlat(t *testing.T) {
	body, err := json.Marshal(OutboundEvent{
		Event:    NewUserLeft("user-1", "alice"),
		FromSelf: true,
	})
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(body, &frame))
	assert.Equal(t, "user_left", frame["type"])
	assert.Equal(t, "user-1", frame["user_id"])
	assert.Equal(t, true, frame["from_self"])
	assert.NotContains(t, frame, "sender_id")
}

func TestDecodeInboundRejectsNonObject(t *testing.T) {
	for _, frame := range []string{
		`[1,2,3]`,
		`"just a string"`,
		`null`,
		`  null`,
		`true`,
		`42`,
		``,
	} {
		_, err := DecodeInbound([]byte(frame))
		assert.Error(t, err, "frame %q", frame)
	}
}

func TestDecodeInboundAcceptsLeadingWhitespace(t *testing.T) {
	frame, err := DecodeInbound([]byte("\n\t {\"type\":\"join\",\"username\":\"alice\"}"))
	require.NoError(t, err)
	assert.Equal(t, "join", frame.Type)
	assert.Equal(t, "alice", frame.Username)
}

func TestStoredMessageFromEvent(t *testing.T) {
	ev := NewChatMessage("user-1", "alice", "hello")

	stored := StoredMessageFromEvent(ev)
	assert.Equal(t, "alice", stored.Username)
	assert.Equal(t, "hello", stored.Message)
	assert.Equal(t, "user-1", stored.SenderID)
	assert.Equal(t, ev.Timestamp, stored.Timestamp)
	assert.True(t, stored.ID.IsZero())
}

func TestHistoryFrameNeverNull(t *testing.T) {
	body, err := json.Marshal(NewHistoryFrame(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"history","messages":[]}`, string(body))
}

func TestTimestampsSortLexicographically(t *testing.T) {
	earlier := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC).Format(TimeLayout)
	later := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC).Format(TimeLayout)
	assert.Less(t, earlier, later)
}
