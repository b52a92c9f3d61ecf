package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type publishedFrame struct {
	Destination string
	Body        []byte
}

type fakeTransport struct {
	mu          sync.Mutex
	events      chan transport.Event
	state       relaychat.ConnectionState
	handle      *transport.Handle
	published   []publishedFrame
	attempts    int
	failNext    int
	reconnects  int
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan transport.Event, 64),
		state:  relaychat.ConnectionState{Phase: relaychat.PhaseIdle},
	}
}

func (f *fakeTransport) Connect(_ context.Context, identity relaychat.Identity) (*transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = &transport.Handle{}
	f.state = relaychat.ConnectionState{Phase: relaychat.PhaseConnecting}
	return f.handle, nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = relaychat.ConnectionState{Phase: relaychat.PhaseIdle}
}

func (f *fakeTransport) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeTransport) Events() <-chan transport.Event {
	return f.events
}

func (f *fakeTransport) State() relaychat.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Publish(_ context.Context, destination string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.state.Phase != relaychat.PhaseConnected {
		return &relaychat.TransportError{Op: "publish", Err: transport.ErrNotConnected}
	}
	if f.failNext > 0 {
		f.failNext--
		return &relaychat.TransportError{Op: "publish", Err: errors.New("broker write failed")}
	}
	f.published = append(f.published, publishedFrame{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.state = relaychat.ConnectionState{Phase: relaychat.PhaseConnected}
	handle := f.handle
	f.mu.Unlock()
	f.events <- transport.Event{Type: transport.EventConnected, Handle: handle}
}

func (f *fakeTransport) push(channel relaychat.Channel, body string) {
	f.mu.Lock()
	handle := f.handle
	f.mu.Unlock()
	f.events <- transport.Event{
		Type:   transport.EventFrame,
		Handle: handle,
		Frame:  transport.Frame{Channel: channel, Body: []byte(body), ReceivedAt: baseTime},
	}
}

func (f *fakeTransport) failPublishes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *fakeTransport) publishAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// publishedContents decodes the content field of every published frame.
func (f *fakeTransport) publishedContents(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, frame := range f.publishedFrames() {
		var body struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal(frame.Body, &body))
		out = append(out, body.Content)
	}
	return out
}

func (f *fakeTransport) publishedFrames() []publishedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedFrame(nil), f.published...)
}

type fakeAPI struct {
	mu            sync.Mutex
	global        []relaychat.Message
	globalErr     error
	globalCalls   int
	conversations []relaychat.Identity
	private       map[relaychat.Identity][]relaychat.Message
	privateCalls  []relaychat.Identity
	notifications []relaychat.NotificationRecord
	listCalls     int
	listGate      chan struct{}
	unread        int
	online        []relaychat.OnlineUser
	onlineCalls   int
	markErr       error
	marked        []string
	markedAll     int
	departed      []relaychat.Identity
	typing        []relaychat.Identity
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{private: make(map[relaychat.Identity][]relaychat.Message)}
}

func (f *fakeAPI) GlobalHistory(context.Context) ([]relaychat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalCalls++
	if f.globalErr != nil {
		return nil, f.globalErr
	}
	return append([]relaychat.Message(nil), f.global...), nil
}

func (f *fakeAPI) PrivateHistory(_ context.Context, _, peer relaychat.Identity) ([]relaychat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.privateCalls = append(f.privateCalls, peer)
	return append([]relaychat.Message(nil), f.private[peer]...), nil
}

func (f *fakeAPI) Conversations(context.Context, relaychat.Identity) ([]relaychat.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relaychat.Identity(nil), f.conversations...), nil
}

func (f *fakeAPI) OnlineUsers(context.Context) ([]relaychat.OnlineUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onlineCalls++
	return append([]relaychat.OnlineUser(nil), f.online...), nil
}

func (f *fakeAPI) Notifications(ctx context.Context, _ relaychat.Identity) ([]relaychat.NotificationRecord, error) {
	f.mu.Lock()
	gate := f.listGate
	list := append([]relaychat.NotificationRecord(nil), f.notifications...)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	return list, nil
}

func (f *fakeAPI) UnreadCount(context.Context, relaychat.Identity) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ relaychat.Identity, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, chatID)
	return f.markErr
}

func (f *fakeAPI) MarkAllRead(context.Context, relaychat.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedAll++
	return f.markErr
}

func (f *fakeAPI) Depart(_ context.Context, identity relaychat.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.departed = append(f.departed, identity)
	return nil
}

func (f *fakeAPI) GlobalTyping(_ context.Context, sender relaychat.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, sender)
	return nil
}

func (f *fakeAPI) count(read func(*fakeAPI) int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return read(f)
}

func newTestOrchestrator(t *testing.T, api *fakeAPI, tr *fakeTransport, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		CountInterval:    time.Hour,
		ListInterval:     time.Hour,
		PresenceInterval: time.Hour,
		PresenceJitter:   -1,
		BootstrapDelay:   time.Millisecond,
		PersistDebounce:  -1,
		Now:              func() time.Time { return baseTime },
	}
	if mutate != nil {
		mutate(&opts)
	}
	o := NewOrchestrator(tr, api, opts)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// connectAndSettle connects and waits for the bootstrap and the first polls.
func connectAndSettle(t *testing.T, o *Orchestrator, api *fakeAPI, tr *fakeTransport) {
	t.Helper()
	tr.connect()
	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return !snap.History.Loading && (snap.History.Degraded || !snap.History.LastSyncedAt.IsZero()) &&
			!snap.Notifications.LastSyncedAt.IsZero() &&
			api.count(func(f *fakeAPI) int { return f.onlineCalls }) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

// barrier pushes a marker global message and waits until it is applied, so
// every frame pushed before it has been handled.
func barrier(t *testing.T, o *Orchestrator, tr *fakeTransport, marker string) {
	t.Helper()
	tr.push(relaychat.ChannelGlobal, fmt.Sprintf(`{"sender":"system","content":%q,"timestamp":"2024-05-01T13:00:00Z","messageType":"SYSTEM"}`, marker))
	require.Eventually(t, func() bool {
		for _, msg := range o.Snapshot().Global {
			if msg.Content == marker {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func notificationFrame(id, sender, chatID, content string, ts time.Time, messageType string) string {
	return fmt.Sprintf(`{"id":%q,"sender":%q,"recipient":"bob","content":%q,"chatId":%q,"chatType":"PRIVATE","timestamp":%q,"read":false,"messageType":%q}`,
		id, sender, content, chatID, ts.Format(time.RFC3339), messageType)
}

func TestBootstrapThenIdenticalPushKeepsOneGlobalEntry(t *testing.T) {
	api := newFakeAPI()
	api.global = []relaychat.Message{{ID: 1, Sender: "A", Content: "hi", Timestamp: baseTime, Kind: relaychat.KindGlobal}}
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)

	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)
	require.Len(t, o.Snapshot().Global, 1)

	tr.push(relaychat.ChannelGlobal, `{"id":1,"sender":"A","content":"hi","timestamp":"2024-05-01T12:00:00Z","messageType":"GLOBAL"}`)
	barrier(t, o, tr, "marker-1")

	var hits int
	for _, msg := range o.Snapshot().Global {
		if msg.Content == "hi" {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

func TestPrivatePushRelevanceAndFallbackDedup(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)

	hey := `{"sender":"alice","recipient":"bob","content":"hey","timestamp":"2024-05-01T12:00:01Z","messageType":"PRIVATE"}`
	tr.push(relaychat.ChannelPrivatePrimary, hey)
	tr.push(relaychat.ChannelPrivateFallback, hey)
	tr.push(relaychat.ChannelPrivatePrimary, `{"sender":"carol","recipient":"dave","content":"x","timestamp":"2024-05-01T12:00:02Z","messageType":"PRIVATE"}`)
	barrier(t, o, tr, "marker-2")

	keys := o.Store().Conversations()
	require.Len(t, keys, 1)
	assert.Equal(t, relaychat.NewConversationKey("bob", "alice"), keys[0])
	view, ok := o.Conversation("alice")
	require.True(t, ok)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "hey", view.Messages[0].Content)
	_, ok = o.Conversation("carol")
	assert.False(t, ok)
}

func TestOptimisticSendConfirmedByEcho(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)

	msg, err := o.SendPrivate(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.True(t, msg.Pending)
	assert.NotEmpty(t, msg.LocalID)

	require.Eventually(t, func() bool { return len(tr.publishedFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	frame := tr.publishedFrames()[0]
	assert.Equal(t, "/app/chat.private", frame.Destination)
	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "alice", body["recipient"])
	assert.Equal(t, "PRIVATE", body["messageType"])

	// The server stamps the echo slightly later than the local clock.
	tr.push(relaychat.ChannelPrivatePrimary, `{"id":42,"sender":"bob","recipient":"alice","content":"hello","timestamp":"2024-05-01T12:00:03Z","messageType":"PRIVATE"}`)
	require.Eventually(t, func() bool {
		view, ok := o.Conversation("alice")
		return ok && len(view.Messages) == 1 && view.Messages[0].ID == 42
	}, 2*time.Second, 5*time.Millisecond)
	view, _ := o.Conversation("alice")
	assert.False(t, view.Messages[0].Pending)
	assert.Empty(t, view.Messages[0].LocalID)
}

func TestSendWhileDisconnectedIsQueuedUntilConnected(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))

	msg, err := o.SendGlobal(context.Background(), "anyone there?")
	require.NoError(t, err)
	assert.True(t, msg.Pending)
	assert.Equal(t, 1, o.Snapshot().OutboxDepth)
	assert.Empty(t, tr.publishedFrames())

	connectAndSettle(t, o, api, tr)
	require.Eventually(t, func() bool { return len(tr.publishedFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "/app/chat.send", tr.publishedFrames()[0].Destination)
	assert.Equal(t, 0, o.Snapshot().OutboxDepth)

	_, err = o.SendGlobal(context.Background(), "  ")
	assert.True(t, errors.Is(err, relaychat.ErrInvalidInput))
	_, err = o.SendPrivate(context.Background(), "bob", "me")
	assert.True(t, errors.Is(err, relaychat.ErrInvalidInput))
}

func TestMarkReadFailureRestoresUnread(t *testing.T) {
	api := newFakeAPI()
	api.markErr = errors.New("notification service down")
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)

	var mu sync.Mutex
	var toasts []string
	o.Subscribe(func(ev Event) {
		if ev.Kind == EventToast {
			mu.Lock()
			toasts = append(toasts, ev.ChatID)
			mu.Unlock()
		}
	})

	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)

	tr.push(relaychat.ChannelNotificationA, notificationFrame("n1", "alice", "alice", "hey", baseTime, "MESSAGE"))
	tr.push(relaychat.ChannelNotificationB, notificationFrame("n1", "alice", "alice", "hey", baseTime, "MESSAGE"))
	barrier(t, o, tr, "marker-3")
	require.Equal(t, 1, o.Snapshot().Unread["alice"])

	err := o.MarkChatRead(context.Background(), "alice")
	require.Error(t, err)
	var syncErr *relaychat.NotificationSyncError
	assert.True(t, errors.As(err, &syncErr))

	snap := o.Snapshot()
	assert.Equal(t, 1, snap.Unread["alice"])
	assert.Equal(t, 1, snap.TotalUnread)
	assert.Contains(t, snap.Notifications.LastError, "notification service down")

	mu.Lock()
	assert.Equal(t, []string{"alice"}, toasts)
	mu.Unlock()
}

func TestMarkAllReadWinsOverStalePoll(t *testing.T) {
	api := newFakeAPI()
	api.notifications = []relaychat.NotificationRecord{
		{ID: "n1", ChatID: "alice", ChatType: relaychat.ChatTypePrivate, Sender: "alice", Recipient: "bob", Content: "hey", Timestamp: baseTime, MessageType: relaychat.NotificationMessage},
		{ID: "n2", ChatID: "carol", ChatType: relaychat.ChatTypePrivate, Sender: "carol", Recipient: "bob", Content: "yo", Timestamp: baseTime, MessageType: relaychat.NotificationMessage},
	}
	tr := newFakeTransport()
	var ticks atomic.Int64
	o := newTestOrchestrator(t, api, tr, func(opts *Options) {
		opts.Now = func() time.Time { return baseTime.Add(time.Duration(ticks.Add(1)) * time.Millisecond) }
	})
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)
	require.Equal(t, 2, o.Snapshot().TotalUnread)

	gate := make(chan struct{})
	api.mu.Lock()
	api.listGate = gate
	api.mu.Unlock()
	synced := o.Snapshot().Notifications.LastSyncedAt

	// Issue a poll that will answer with the pre-mark state.
	require.NoError(t, o.Retry(context.Background()))
	require.NoError(t, o.MarkAllRead(context.Background()))
	assert.Equal(t, 0, o.Snapshot().TotalUnread)

	close(gate)
	require.Eventually(t, func() bool {
		return o.Snapshot().Notifications.LastSyncedAt.After(synced)
	}, 2*time.Second, 5*time.Millisecond)

	snap := o.Snapshot()
	assert.Equal(t, 0, snap.TotalUnread)
	assert.Empty(t, snap.Unread)
	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.markedAll }))
}

func TestBootstrapDegradesAndRetryRecovers(t *testing.T) {
	api := newFakeAPI()
	api.globalErr = errors.New("history unavailable")
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)

	snap := o.Snapshot()
	require.True(t, snap.History.Degraded)
	assert.Contains(t, snap.History.LastError, "history unavailable")
	assert.Equal(t, 3, api.count(func(f *fakeAPI) int { return f.globalCalls }))

	api.mu.Lock()
	api.globalErr = nil
	api.global = []relaychat.Message{{ID: 7, Sender: "A", Content: "back", Timestamp: baseTime, Kind: relaychat.KindGlobal}}
	api.mu.Unlock()

	require.NoError(t, o.Retry(context.Background()))
	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return !snap.History.Degraded && len(snap.Global) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTypingSignalsAreEphemeral(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)

	tr.push(relaychat.ChannelNotificationA, notificationFrame("", "alice", "alice", "alice is typing...", baseTime, "TYPING"))
	barrier(t, o, tr, "marker-5")
	snap := o.Snapshot()
	assert.Equal(t, []relaychat.Identity{"alice"}, snap.Typing["alice"])
	assert.Equal(t, 0, snap.TotalUnread)

	tr.push(relaychat.ChannelNotificationA, notificationFrame("", "alice", "alice", "alice stopped typing", baseTime, "STOP_TYPING"))
	barrier(t, o, tr, "marker-6")
	assert.Empty(t, o.Snapshot().Typing["alice"])

	require.NoError(t, o.SendGlobalTyping(context.Background()))
	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return len(f.typing) }))
}

func TestPresencePushReplacesList(t *testing.T) {
	api := newFakeAPI()
	api.online = []relaychat.OnlineUser{{Identity: "alice", Online: true}}
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)
	require.Eventually(t, func() bool { return len(o.Snapshot().Presence) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.push(relaychat.ChannelPresence, `[{"username":"alice"},{"username":"carol","online":true}]`)
	barrier(t, o, tr, "marker-7")
	presence := o.Snapshot().Presence
	require.Len(t, presence, 2)
	assert.Equal(t, relaychat.Identity("carol"), presence[1].Identity)
}

func TestCacheRestoresConversationsAcrossSessions(t *testing.T) {
	backend := relaychat.NewInMemoryStateBackend()
	api := newFakeAPI()
	api.conversations = []relaychat.Identity{"alice"}
	api.private["alice"] = []relaychat.Message{
		{ID: 3, Sender: "alice", Recipient: "bob", Content: "cached hello", Timestamp: baseTime, Kind: relaychat.KindPrivate},
	}
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, func(opts *Options) { opts.Backend = backend })
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)
	require.Eventually(t, func() bool {
		view, ok := o.Conversation("alice")
		return ok && len(view.Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)
	o.Stop()

	require.Eventually(t, func() bool {
		return api.count(func(f *fakeAPI) int { return len(f.departed) }) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, err := o.SendGlobal(context.Background(), "too late")
	assert.True(t, errors.Is(err, relaychat.ErrClosed))

	snapshot, err := backend.Load(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, []relaychat.Identity{"alice"}, snapshot.Peers())

	// A fresh session sees the cached conversation before any network
	// traffic and still refreshes it even though the server no longer
	// lists it.
	api2 := newFakeAPI()
	tr2 := newFakeTransport()
	o2 := newTestOrchestrator(t, api2, tr2, func(opts *Options) { opts.Backend = backend })
	require.NoError(t, o2.Start(context.Background(), "bob"))
	view, ok := o2.Conversation("alice")
	require.True(t, ok)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "cached hello", view.Messages[0].Content)

	connectAndSettle(t, o2, api2, tr2)
	api2.mu.Lock()
	assert.Contains(t, api2.privateCalls, relaychat.Identity("alice"))
	api2.mu.Unlock()
}

func TestRestartOnSameInstanceKeepsCachedConversations(t *testing.T) {
	backend := relaychat.NewInMemoryStateBackend()
	api := newFakeAPI()
	api.conversations = []relaychat.Identity{"alice"}
	api.private["alice"] = []relaychat.Message{
		{ID: 3, Sender: "alice", Recipient: "bob", Content: "cached hello", Timestamp: baseTime, Kind: relaychat.KindPrivate},
	}
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, func(opts *Options) { opts.Backend = backend })

	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)
	require.Eventually(t, func() bool {
		view, ok := o.Conversation("alice")
		return ok && len(view.Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)

	api.mu.Lock()
	api.conversations = nil
	api.private = make(map[relaychat.Identity][]relaychat.Message)
	api.mu.Unlock()

	require.NoError(t, o.Start(context.Background(), "carol"))
	_, ok := o.Conversation("alice")
	assert.False(t, ok, "another identity must not see bob's cache")
	o.Stop()

	require.NoError(t, o.Start(context.Background(), "bob"))
	view, ok := o.Conversation("alice")
	require.True(t, ok, "cache must be restored on every session start")
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "cached hello", view.Messages[0].Content)

	connectAndSettle(t, o, api, tr)
	tr.push(relaychat.ChannelPrivatePrimary, `{"id":77,"sender":"dave","recipient":"bob","content":"yo","timestamp":"2024-05-01T12:00:05Z","messageType":"PRIVATE"}`)
	require.Eventually(t, func() bool {
		view, ok := o.Conversation("dave")
		return ok && len(view.Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)
	o.Stop()

	snapshot, err := backend.Load(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, []relaychat.Identity{"alice", "dave"}, snapshot.Peers())
}

func TestFailedPublishKeepsQueueOrder(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))

	for _, content := range []string{"one", "two", "three"} {
		_, err := o.SendGlobal(context.Background(), content)
		require.NoError(t, err)
	}
	require.Equal(t, 3, o.Snapshot().OutboxDepth)

	tr.failPublishes(1)
	connectAndSettle(t, o, api, tr)
	require.Eventually(t, func() bool { return tr.publishAttempts() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !o.draining.Load() }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.publishedFrames())
	assert.Equal(t, 3, o.Snapshot().OutboxDepth)

	require.Eventually(t, func() bool {
		if err := o.Retry(context.Background()); err != nil {
			return false
		}
		return len(tr.publishedFrames()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, tr.publishedContents(t))
	assert.Equal(t, 0, o.Snapshot().OutboxDepth)
}

func TestDuplicateSendReturnsExistingEntryWithoutPublishing(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)

	first, err := o.SendGlobal(context.Background(), "ok")
	require.NoError(t, err)
	second, err := o.SendGlobal(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, first.LocalID, second.LocalID)

	firstPrivate, err := o.SendPrivate(context.Background(), "alice", "ok")
	require.NoError(t, err)
	secondPrivate, err := o.SendPrivate(context.Background(), "alice", "ok")
	require.NoError(t, err)
	assert.Equal(t, firstPrivate.LocalID, secondPrivate.LocalID)

	require.Eventually(t, func() bool { return len(tr.publishedFrames()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.publishedFrames(), 2)
	assert.Equal(t, 0, o.Snapshot().OutboxDepth)

	matches := 0
	for _, msg := range o.Snapshot().Global {
		if msg.Content == "ok" {
			matches++
		}
	}
	assert.Equal(t, 1, matches)
	view, ok := o.Conversation("alice")
	require.True(t, ok)
	assert.Len(t, view.Messages, 1)
}

func TestOpenConversationMarksReadAndFetchesHistory(t *testing.T) {
	api := newFakeAPI()
	api.private["alice"] = []relaychat.Message{
		{ID: 9, Sender: "alice", Recipient: "bob", Content: "older", Timestamp: baseTime.Add(-time.Minute), Kind: relaychat.KindPrivate},
	}
	tr := newFakeTransport()
	o := newTestOrchestrator(t, api, tr, nil)
	require.NoError(t, o.Start(context.Background(), "bob"))
	connectAndSettle(t, o, api, tr)

	tr.push(relaychat.ChannelNotificationA, notificationFrame("n9", "alice", "alice", "older", baseTime.Add(-time.Minute), "MESSAGE"))
	barrier(t, o, tr, "marker-8")
	require.Equal(t, 1, o.Snapshot().Unread["alice"])

	require.NoError(t, o.OpenConversation(context.Background(), "alice"))
	snap := o.Snapshot()
	assert.Equal(t, "alice", snap.OpenChat)
	assert.Equal(t, 0, snap.Unread["alice"])
	view, ok := o.Conversation("alice")
	require.True(t, ok)
	require.Len(t, view.Messages, 1)
	api.mu.Lock()
	assert.Equal(t, []string{"alice"}, api.marked)
	api.mu.Unlock()
}
