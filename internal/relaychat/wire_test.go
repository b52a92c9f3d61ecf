package relaychat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestampFormats(t *testing.T) {
	berlin := time.FixedZone("CEST", 2*60*60)
	cases := []struct {
		raw  string
		want time.Time
	}{
		{"2024-05-01T12:00:00Z", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-05-01T14:00:00.5+02:00", time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC)},
		{"2024-05-01T14:00:00", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-05-01T14:00:00.123456", time.Date(2024, 5, 1, 12, 0, 0, 123_456_000, time.UTC)},
		{"2024-05-01 14:00:00", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseTimestamp(tc.raw, berlin)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
		})
	}

	_, err := ParseTimestamp("05/01/2024", berlin)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = ParseTimestamp("  ", berlin)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestWireMessageInfersKind(t *testing.T) {
	var wire WireMessage
	require.NoError(t, json.Unmarshal([]byte(`{"id":"15","sender":"alice","recipient":"bob","content":"x","timestamp":"2024-05-01T12:00:00Z"}`), &wire))
	msg, err := wire.ToMessage(time.UTC, baseTime)
	require.NoError(t, err)
	assert.Equal(t, KindPrivate, msg.Kind)
	assert.Equal(t, int64(15), msg.ID)

	wire = WireMessage{Sender: "alice", Recipient: "bob", Content: "x", MessageType: "chat"}
	msg, err = wire.ToMessage(time.UTC, baseTime)
	require.NoError(t, err)
	assert.Equal(t, KindPrivate, msg.Kind)
	assert.Equal(t, baseTime, msg.Timestamp)

	wire = WireMessage{Sender: "server", Recipient: "bob", Content: "x", MessageType: "system"}
	msg, err = wire.ToMessage(time.UTC, baseTime)
	require.NoError(t, err)
	assert.Equal(t, KindSystem, msg.Kind)
	assert.Empty(t, msg.Recipient)

	_, err = WireMessage{Sender: "alice", Content: "x", ID: "abc"}.ToMessage(time.UTC, baseTime)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestWireNotificationDefaults(t *testing.T) {
	rec, err := WireNotification{Sender: "alice", Content: "hi"}.ToRecord(time.UTC, baseTime)
	require.NoError(t, err)
	assert.Equal(t, NotificationMessage, rec.MessageType)
	assert.Equal(t, ChatTypePrivate, rec.ChatType)
	assert.Equal(t, "alice", rec.ChatID)
	assert.True(t, rec.Counted())

	rec, err = WireNotification{Sender: "carol", Content: "hi", ChatType: "global"}.ToRecord(time.UTC, baseTime)
	require.NoError(t, err)
	assert.Equal(t, GlobalChatID, rec.ChatID)
}

func TestOutboundForPrivateCarriesRecipientAndTimestamp(t *testing.T) {
	out := OutboundFor(privateMsg("bob", "alice", "hey", 0))
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"bob","recipient":"alice","content":"hey","timestamp":"2024-05-01T12:00:00.000Z","messageType":"PRIVATE"}`, string(data))

	out = OutboundFor(globalMsg("bob", "hi", 0))
	data, err = json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"bob","content":"hi","messageType":"GLOBAL"}`, string(data))
}
