package chatsync

import (
	"sort"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type EventKind string

const (
	EventStore         EventKind = "store"
	EventConnection    EventKind = "connection"
	EventHistory       EventKind = "history"
	EventNotifications EventKind = "notifications"
	EventToast         EventKind = "toast"
	EventTyping        EventKind = "typing"
	EventPresence      EventKind = "presence"
)

// Event is what observers see. Only the fields for Kind are set.
type Event struct {
	Kind         EventKind                     `json:"kind"`
	Change       *relaychat.Change             `json:"change,omitempty"`
	Connection   *relaychat.ConnectionState    `json:"connection,omitempty"`
	History      *HistoryStatus                `json:"history,omitempty"`
	Notification *relaychat.NotificationRecord `json:"notification,omitempty"`
	ChatID       string                        `json:"chatId,omitempty"`
	Typing       []relaychat.Identity          `json:"typing,omitempty"`
	TotalUnread  int                           `json:"totalUnread,omitempty"`
	Presence     []relaychat.OnlineUser        `json:"presence,omitempty"`
}

// HistoryStatus reports the last bootstrap. Degraded means at least one
// fetch exhausted its retries; Retry re-runs the bootstrap.
type HistoryStatus struct {
	Loading      bool      `json:"loading"`
	Degraded     bool      `json:"degraded"`
	LastError    string    `json:"lastError,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}

type NotificationStatus struct {
	LastError    string    `json:"lastError,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}

type ConversationView struct {
	Peer     relaychat.Identity  `json:"peer"`
	Messages []relaychat.Message `json:"messages"`
	Unread   int                 `json:"unread"`
}

type Snapshot struct {
	Identity      relaychat.Identity              `json:"identity"`
	Connection    relaychat.ConnectionState       `json:"connection"`
	History       HistoryStatus                   `json:"history"`
	Notifications NotificationStatus              `json:"notifications"`
	Persistence   relaychat.PersistenceStatus     `json:"persistence"`
	Global        []relaychat.Message             `json:"global"`
	Conversations []ConversationView              `json:"conversations"`
	Unread        map[string]int                  `json:"unread"`
	TotalUnread   int                             `json:"totalUnread"`
	Presence      []relaychat.OnlineUser          `json:"presence"`
	Typing        map[string][]relaychat.Identity `json:"typing,omitempty"`
	OpenChat      string                          `json:"openChat,omitempty"`
	OutboxDepth   int                             `json:"outboxDepth"`
}

// Subscribe registers fn for every subsequent event. fn runs on the sync
// loop and must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	o.obsMu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.obsMu.Unlock()
	return func() {
		o.obsMu.Lock()
		delete(o.observers, id)
		o.obsMu.Unlock()
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.obsMu.Lock()
	ids := make([]int, 0, len(o.observers))
	for id := range o.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.observers[id])
	}
	o.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Snapshot returns a consistent copy of the view state. Safe from any
// goroutine.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	identity := o.identity
	history := o.history
	notif := o.notif
	presence := append([]relaychat.OnlineUser(nil), o.presence...)
	openChat := o.openChat
	now := o.now()
	typing := make(map[string][]relaychat.Identity)
	for chatID := range o.typing {
		if peers := o.typingLocked(chatID, now); len(peers) > 0 {
			typing[chatID] = peers
		}
	}
	o.mu.RUnlock()

	unread := o.tracker.UnreadByChat()
	snap := Snapshot{
		Identity:      identity,
		Connection:    o.conn.State(),
		History:       history,
		Notifications: notif,
		Persistence:   o.bridge.Status(),
		Global:        o.store.SnapshotGlobal(),
		Unread:        unread,
		TotalUnread:   o.tracker.TotalUnread(),
		Presence:      presence,
		Typing:        typing,
		OpenChat:      openChat,
		OutboxDepth:   o.outbox.Depth(),
	}
	for _, key := range o.store.Conversations() {
		if !key.Contains(identity) {
			continue
		}
		peer := key.Peer(identity)
		snap.Conversations = append(snap.Conversations, ConversationView{
			Peer:     peer,
			Messages: o.store.SnapshotPrivate(key),
			Unread:   unread[string(peer)],
		})
	}
	return snap
}

// Conversation returns the log shared with peer.
func (o *Orchestrator) Conversation(peer relaychat.Identity) (ConversationView, bool) {
	identity := o.Identity()
	if !identity.Valid() || !peer.Valid() {
		return ConversationView{}, false
	}
	key := relaychat.NewConversationKey(identity, peer)
	for _, known := range o.store.Conversations() {
		if known == key {
			return ConversationView{
				Peer:     peer,
				Messages: o.store.SnapshotPrivate(key),
				Unread:   o.tracker.Unread(string(peer)),
			}, true
		}
	}
	return ConversationView{}, false
}
