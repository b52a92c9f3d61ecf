package relaychat

import (
	"strings"
	"time"
)

// Identity is the display name a participant connects with. Comparison is
// exact and case-sensitive.
type Identity string

func (i Identity) String() string {
	return string(i)
}

func (i Identity) Valid() bool {
	return strings.TrimSpace(string(i)) != ""
}

type Kind string

const (
	KindGlobal  Kind = "GLOBAL"
	KindPrivate Kind = "PRIVATE"
	KindSystem  Kind = "SYSTEM"
)

// GlobalChatID is the chat id the notification service uses for the shared room.
const GlobalChatID = "general"

type Message struct {
	ID        int64     `json:"id,omitempty"`
	Sender    Identity  `json:"sender"`
	Recipient Identity  `json:"recipient,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	LocalID   string    `json:"localId,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
}

func (m Message) IsPrivate() bool {
	return m.Recipient != "" || m.Kind == KindPrivate
}

// Involves reports whether id is the sender or recipient of a private message.
func (m Message) Involves(id Identity) bool {
	return m.Sender == id || m.Recipient == id
}

// ConversationKey identifies the unordered pair of identities in a private
// conversation. A is always the lexically smaller side.
type ConversationKey struct {
	A Identity `json:"a"`
	B Identity `json:"b"`
}

func NewConversationKey(local, peer Identity) ConversationKey {
	if peer < local {
		return ConversationKey{A: peer, B: local}
	}
	return ConversationKey{A: local, B: peer}
}

func (k ConversationKey) Peer(local Identity) Identity {
	if k.A == local {
		return k.B
	}
	return k.A
}

func (k ConversationKey) Contains(id Identity) bool {
	return k.A == id || k.B == id
}

func (k ConversationKey) IsZero() bool {
	return k.A == "" && k.B == ""
}

func (k ConversationKey) String() string {
	return string(k.A) + "|" + string(k.B)
}

type ChatType string

const (
	ChatTypePrivate ChatType = "PRIVATE"
	ChatTypeGlobal  ChatType = "GLOBAL"
)

type NotificationType string

const (
	NotificationMessage    NotificationType = "MESSAGE"
	NotificationTyping     NotificationType = "TYPING"
	NotificationStopTyping NotificationType = "STOP_TYPING"
	NotificationTest       NotificationType = "TEST"
)

type NotificationRecord struct {
	ID          string           `json:"id"`
	ChatID      string           `json:"chatId"`
	ChatType    ChatType         `json:"chatType"`
	Sender      Identity         `json:"sender"`
	Recipient   Identity         `json:"recipient,omitempty"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	Read        bool             `json:"read"`
	MessageType NotificationType `json:"messageType"`
}

// Counted reports whether the record contributes to unread totals. Typing
// signals are ephemeral and never do.
func (r NotificationRecord) Counted() bool {
	switch r.MessageType {
	case NotificationTyping, NotificationStopTyping:
		return false
	default:
		return true
	}
}

// ConversationKey maps a private notification onto the conversation it
// belongs to. It returns false for global notifications.
func (r NotificationRecord) ConversationKey(local Identity) (ConversationKey, bool) {
	if r.ChatType == ChatTypeGlobal || r.ChatID == GlobalChatID || r.ChatID == "" {
		return ConversationKey{}, false
	}
	return NewConversationKey(local, Identity(r.ChatID)), true
}

type OnlineUser struct {
	Identity Identity  `json:"username"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
)

type ConnectionState struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// Channel names the subscription a raw inbound frame arrived on.
type Channel string

const (
	ChannelGlobal          Channel = "global-topic"
	ChannelPrivatePrimary  Channel = "private-queue-primary"
	ChannelPrivateFallback Channel = "private-queue-fallback"
	ChannelNotificationA   Channel = "notification-channel-a"
	ChannelNotificationB   Channel = "notification-channel-b"
	ChannelNotificationC   Channel = "notification-channel-c"
	ChannelPresence        Channel = "presence-topic"
)

// Channels lists every subscription in the order it is established.
func Channels() []Channel {
	return []Channel{
		ChannelGlobal,
		ChannelPrivatePrimary,
		ChannelPrivateFallback,
		ChannelNotificationA,
		ChannelNotificationB,
		ChannelNotificationC,
		ChannelPresence,
	}
}

func (c Channel) IsNotification() bool {
	return c == ChannelNotificationA || c == ChannelNotificationB || c == ChannelNotificationC
}

func (c Channel) IsPrivate() bool {
	return c == ChannelPrivatePrimary || c == ChannelPrivateFallback
}
