package relaychat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeduplicator(local Identity, store *MessageStore, tracker *NotificationTracker) *Deduplicator {
	return NewDeduplicator(store, tracker, DedupOptions{
		Local:    local,
		Location: time.UTC,
		Now:      func() time.Time { return baseTime },
	})
}

func TestAcceptSameEventThroughPrimaryAndFallbackYieldsOneMessage(t *testing.T) {
	store := NewMessageStore()
	dedup := newTestDeduplicator("bob", store, NewNotificationTracker(MatchRule{}))

	primary := []byte(`{"id":7,"sender":"alice","recipient":"bob","content":"hey","timestamp":"2024-05-01T12:00:00.120","messageType":"PRIVATE"}`)
	fallback := []byte(`{"sender":"alice","recipient":"bob","content":"hey","timestamp":"2024-05-01T12:00:00.870","messageType":"PRIVATE"}`)

	first := dedup.Accept(primary, ChannelPrivatePrimary)
	require.Equal(t, VerdictAccepted, first.Verdict)
	assert.Equal(t, NewConversationKey("bob", "alice"), first.Key)
	assert.Equal(t, int64(7), first.Message.ID)
	require.True(t, store.InsertPrivate(first.Key, first.Message))

	second := dedup.Accept(fallback, ChannelPrivateFallback)
	assert.Equal(t, VerdictDuplicate, second.Verdict)
	assert.Equal(t, int64(7), second.Existing.ID)
	assert.Len(t, store.SnapshotPrivate(first.Key), 1)
}

func TestAcceptOutsideToleranceIsNewMessage(t *testing.T) {
	store := NewMessageStore()
	dedup := newTestDeduplicator("bob", store, nil)
	first := dedup.Accept([]byte(`{"sender":"alice","recipient":"bob","content":"ok","timestamp":"2024-05-01T12:00:00"}`), ChannelPrivatePrimary)
	require.Equal(t, VerdictAccepted, first.Verdict)
	require.True(t, store.InsertPrivate(first.Key, first.Message))

	again := dedup.Accept([]byte(`{"sender":"alice","recipient":"bob","content":"ok","timestamp":"2024-05-01T12:00:05"}`), ChannelPrivatePrimary)
	assert.Equal(t, VerdictAccepted, again.Verdict)
}

func TestAcceptDropsPrivateMessagesForOtherIdentities(t *testing.T) {
	dedup := newTestDeduplicator("bob", NewMessageStore(), nil)
	decision := dedup.Accept([]byte(`{"sender":"carol","recipient":"dave","content":"x","timestamp":"2024-05-01T12:00:02","messageType":"PRIVATE"}`), ChannelPrivateFallback)
	assert.Equal(t, VerdictIrrelevant, decision.Verdict)
	assert.True(t, decision.Key.IsZero())
}

func TestAcceptGlobalTopicFiltersByMessageType(t *testing.T) {
	dedup := newTestDeduplicator("bob", NewMessageStore(), nil)

	system := dedup.Accept([]byte(`{"sender":"server","content":"alice joined","messageType":"SYSTEM"}`), ChannelGlobal)
	require.Equal(t, VerdictAccepted, system.Verdict)
	assert.Equal(t, KindSystem, system.Message.Kind)
	assert.Equal(t, baseTime, system.Message.Timestamp)

	untyped := dedup.Accept([]byte(`{"sender":"alice","content":"hi all"}`), ChannelGlobal)
	require.Equal(t, VerdictAccepted, untyped.Verdict)
	assert.Equal(t, KindGlobal, untyped.Message.Kind)

	private := dedup.Accept([]byte(`{"sender":"carol","recipient":"dave","content":"psst","messageType":"PRIVATE"}`), ChannelGlobal)
	assert.Equal(t, VerdictIrrelevant, private.Verdict)
}

func TestAcceptMalformedPayloads(t *testing.T) {
	dedup := newTestDeduplicator("bob", NewMessageStore(), nil)
	cases := []struct {
		name    string
		raw     string
		channel Channel
	}{
		{"not json", `{{{`, ChannelGlobal},
		{"missing sender", `{"content":"x"}`, ChannelGlobal},
		{"bad timestamp", `{"sender":"a","content":"x","timestamp":"yesterday"}`, ChannelGlobal},
		{"private without recipient", `{"sender":"a","content":"x","messageType":"PRIVATE"}`, ChannelPrivatePrimary},
		{"presence not a list", `{"username":"a"}`, ChannelPresence},
		{"empty", ``, ChannelNotificationA},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := dedup.Accept([]byte(tc.raw), tc.channel)
			assert.Equal(t, VerdictMalformed, decision.Verdict)
			var parseErr *ParseError
			require.True(t, errors.As(decision.Err, &parseErr))
			assert.Equal(t, tc.channel, parseErr.Channel)
		})
	}
}

func TestAcceptEchoOfPendingReportsExistingEntry(t *testing.T) {
	store := NewMessageStore()
	key := NewConversationKey("bob", "alice")
	pending := Message{
		Sender:    "bob",
		Recipient: "alice",
		Content:   "see you",
		Timestamp: baseTime,
		Kind:      KindPrivate,
		LocalID:   "01PEND",
		Pending:   true,
	}
	require.True(t, store.InsertPrivate(key, pending))

	dedup := newTestDeduplicator("bob", store, nil)
	decision := dedup.Accept([]byte(`{"id":12,"sender":"bob","recipient":"alice","content":"see you","timestamp":"2024-05-01T12:00:04"}`), ChannelPrivateFallback)
	require.Equal(t, VerdictDuplicate, decision.Verdict)
	assert.True(t, decision.Existing.Pending)
	assert.Equal(t, "01PEND", decision.Existing.LocalID)
	assert.Equal(t, int64(12), decision.Message.ID)
}

func TestAcceptNotificationChannels(t *testing.T) {
	tracker := NewNotificationTracker(MatchRule{})
	dedup := newTestDeduplicator("bob", NewMessageStore(), tracker)

	raw := `{"id":31,"recipient":"bob","sender":"alice","content":"hey","chatType":"PRIVATE","chatId":"alice","timestamp":"2024-05-01T12:00:00","read":false,"messageType":"MESSAGE"}`
	first := dedup.Accept([]byte(raw), ChannelNotificationA)
	require.Equal(t, VerdictAccepted, first.Verdict)
	assert.Equal(t, "31", first.Notification.ID)
	assert.Equal(t, "alice", first.Notification.ChatID)
	require.True(t, tracker.Add(first.Notification))

	second := dedup.Accept([]byte(raw), ChannelNotificationB)
	assert.Equal(t, VerdictDuplicate, second.Verdict)

	third := dedup.Accept([]byte(`{"recipient":"bob","notification":`+raw+`}`), ChannelNotificationC)
	assert.Equal(t, VerdictDuplicate, third.Verdict)

	other := dedup.Accept([]byte(`{"recipient":"dave","notification":{"id":32,"sender":"alice","content":"x"}}`), ChannelNotificationC)
	assert.Equal(t, VerdictIrrelevant, other.Verdict)

	typing := dedup.Accept([]byte(`{"sender":"alice","content":"alice is typing...","chatId":"alice","messageType":"TYPING"}`), ChannelNotificationA)
	require.Equal(t, VerdictAccepted, typing.Verdict)
	assert.False(t, typing.Notification.Counted())
}

func TestAcceptPresence(t *testing.T) {
	dedup := newTestDeduplicator("bob", nil, nil)
	decision := dedup.Accept([]byte(`[{"username":"alice","online":true},{"username":"carol","online":false,"lastSeen":"2024-05-01T11:00:00"}]`), ChannelPresence)
	require.Equal(t, VerdictAccepted, decision.Verdict)
	require.Len(t, decision.Presence, 2)
	assert.Equal(t, Identity("alice"), decision.Presence[0].Identity)
	assert.False(t, decision.Presence[1].Online)
	assert.Equal(t, baseTime.Add(-time.Hour), decision.Presence[1].LastSeen)
}

func TestMatchRuleToleranceIsStrict(t *testing.T) {
	rule := MatchRule{Tolerance: time.Second}
	a := globalMsg("A", "hi", 0)
	assert.True(t, rule.Same(a, globalMsg("A", "hi", 999*time.Millisecond)))
	assert.False(t, rule.Same(a, globalMsg("A", "hi", time.Second)))
	assert.False(t, rule.Same(a, globalMsg("B", "hi", 0)))
	assert.True(t, MatchRule{}.Same(a, globalMsg("A", "hi", 0)))
}
