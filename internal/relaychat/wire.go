package relaychat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layouts the chat server has been observed to emit. Zone-less values are
// interpreted in the configured server location.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 timestamps and the zone-less local date
// time format used by the chat server.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrInvalidInput)
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range zonelessLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrInvalidInput, raw)
}

// FormatTimestamp renders t the way outbound publishes carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// FlexibleID decodes ids that the server sends as either numbers or strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

// WireMessage is the chat server's message representation on both the push
// channels and the history endpoints.
type WireMessage struct {
	ID          FlexibleID `json:"id,omitempty"`
	Sender      string     `json:"sender"`
	Recipient   string     `json:"recipient,omitempty"`
	Content     string     `json:"content"`
	Timestamp   string     `json:"timestamp,omitempty"`
	MessageType string     `json:"messageType,omitempty"`
}

// ToMessage converts a wire message. fallback stamps messages that arrive
// without a timestamp.
func (w WireMessage) ToMessage(loc *time.Location, fallback time.Time) (Message, error) {
	if strings.TrimSpace(w.Sender) == "" {
		return Message{}, fmt.Errorf("%w: sender is required", ErrInvalidInput)
	}
	msg := Message{
		Sender:    Identity(w.Sender),
		Recipient: Identity(w.Recipient),
		Content:   w.Content,
	}
	if w.ID != "" {
		id, err := strconv.ParseInt(string(w.ID), 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("%w: message id %q", ErrInvalidInput, w.ID)
		}
		msg.ID = id
	}
	if strings.TrimSpace(w.Timestamp) == "" {
		msg.Timestamp = fallback
	} else {
		ts, err := ParseTimestamp(w.Timestamp, loc)
		if err != nil {
			return Message{}, err
		}
		msg.Timestamp = ts
	}
	switch strings.ToUpper(strings.TrimSpace(w.MessageType)) {
	case string(KindPrivate):
		msg.Kind = KindPrivate
	case string(KindSystem):
		msg.Kind = KindSystem
	case string(KindGlobal):
		msg.Kind = KindGlobal
	default:
		if msg.Recipient != "" {
			msg.Kind = KindPrivate
		} else {
			msg.Kind = KindGlobal
		}
	}
	if msg.Kind == KindPrivate && msg.Recipient == "" {
		return Message{}, fmt.Errorf("%w: private message without recipient", ErrInvalidInput)
	}
	if msg.Kind != KindPrivate {
		msg.Recipient = ""
	}
	return msg, nil
}

type WireNotification struct {
	ID          FlexibleID `json:"id,omitempty"`
	Recipient   string     `json:"recipient,omitempty"`
	Sender      string     `json:"sender"`
	Content     string     `json:"content"`
	ChatType    string     `json:"chatType,omitempty"`
	ChatID      string     `json:"chatId,omitempty"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Read        bool       `json:"read"`
	MessageType string     `json:"messageType,omitempty"`
}

func (w WireNotification) ToRecord(loc *time.Location, fallback time.Time) (NotificationRecord, error) {
	if strings.TrimSpace(w.Sender) == "" {
		return NotificationRecord{}, fmt.Errorf("%w: notification sender is required", ErrInvalidInput)
	}
	rec := NotificationRecord{
		ID:          string(w.ID),
		ChatID:      strings.TrimSpace(w.ChatID),
		ChatType:    ChatType(strings.ToUpper(strings.TrimSpace(w.ChatType))),
		Sender:      Identity(w.Sender),
		Recipient:   Identity(w.Recipient),
		Content:     w.Content,
		Read:        w.Read,
		MessageType: NotificationType(strings.ToUpper(strings.TrimSpace(w.MessageType))),
	}
	if rec.MessageType == "" {
		rec.MessageType = NotificationMessage
	}
	if rec.ChatType == "" {
		if rec.ChatID == GlobalChatID {
			rec.ChatType = ChatTypeGlobal
		} else {
			rec.ChatType = ChatTypePrivate
		}
	}
	if rec.ChatID == "" {
		if rec.ChatType == ChatTypeGlobal {
			rec.ChatID = GlobalChatID
		} else {
			rec.ChatID = w.Sender
		}
	}
	if strings.TrimSpace(w.Timestamp) == "" {
		rec.Timestamp = fallback
	} else {
		ts, err := ParseTimestamp(w.Timestamp, loc)
		if err != nil {
			return NotificationRecord{}, err
		}
		rec.Timestamp = ts
	}
	return rec, nil
}

// WireNotificationEnvelope is the broadcast shape carrying the intended
// recipient alongside the notification.
type WireNotificationEnvelope struct {
	Recipient    string           `json:"recipient"`
	Notification WireNotification `json:"notification"`
}

type WireOnlineUser struct {
	Username string `json:"username"`
	Online   *bool  `json:"online,omitempty"`
	LastSeen string `json:"lastSeen,omitempty"`
}

func (w WireOnlineUser) ToOnlineUser(loc *time.Location) OnlineUser {
	user := OnlineUser{Identity: Identity(w.Username), Online: true}
	if w.Online != nil {
		user.Online = *w.Online
	}
	if w.LastSeen != "" {
		if ts, err := ParseTimestamp(w.LastSeen, loc); err == nil {
			user.LastSeen = ts
		}
	}
	return user
}

// OutboundMessage is the body published to the chat server.
type OutboundMessage struct {
	Sender      Identity `json:"sender"`
	Recipient   Identity `json:"recipient,omitempty"`
	Content     string   `json:"content"`
	Timestamp   string   `json:"timestamp,omitempty"`
	MessageType Kind     `json:"messageType,omitempty"`
}

func OutboundFor(msg Message) OutboundMessage {
	out := OutboundMessage{
		Sender:      msg.Sender,
		Content:     msg.Content,
		MessageType: msg.Kind,
	}
	if msg.Kind == KindPrivate {
		out.Recipient = msg.Recipient
		out.Timestamp = FormatTimestamp(msg.Timestamp)
	}
	return out
}
