package relaychat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Verdict int

const (
	VerdictAccepted Verdict = iota
	VerdictDuplicate
	VerdictMalformed
	VerdictIrrelevant
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictMalformed:
		return "malformed"
	case VerdictIrrelevant:
		return "irrelevant"
	default:
		return "unknown"
	}
}

type PayloadKind int

const (
	PayloadMessage PayloadKind = iota
	PayloadNotification
	PayloadPresence
)

// Decision is the outcome of running one inbound frame through the
// deduplicator. Only the fields matching Payload are populated.
type Decision struct {
	Verdict      Verdict
	Channel      Channel
	Payload      PayloadKind
	Message      Message
	Key          ConversationKey
	Notification NotificationRecord
	Presence     []OnlineUser
	// Existing is the already-recorded message a duplicate matched. When it
	// is pending, the caller confirms it with Message.
	Existing Message
	Err      error
}

type MessageLookup interface {
	FindGlobal(candidate Message, rule MatchRule) (Message, bool)
	FindPrivate(key ConversationKey, candidate Message, rule MatchRule) (Message, bool)
}

type NotificationLookup interface {
	Has(rec NotificationRecord) bool
}

type DedupOptions struct {
	Local Identity
	Rule  MatchRule
	// Location interprets zone-less server timestamps.
	Location *time.Location
	Now      func() time.Time
}

// Deduplicator is a pure decision stage in front of the message store and
// the notification tracker. It never mutates either.
type Deduplicator struct {
	local         Identity
	rule          MatchRule
	loc           *time.Location
	now           func() time.Time
	messages      MessageLookup
	notifications NotificationLookup
}

func NewDeduplicator(messages MessageLookup, notifications NotificationLookup, opts DedupOptions) *Deduplicator {
	rule := opts.Rule
	if rule == (MatchRule{}) {
		rule = DefaultMatchRule()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{
		local:         opts.Local,
		rule:          rule.normalized(),
		loc:           loc,
		now:           now,
		messages:      messages,
		notifications: notifications,
	}
}

func (d *Deduplicator) Rule() MatchRule {
	return d.rule
}

func (d *Deduplicator) Accept(raw []byte, origin Channel) Decision {
	decision := Decision{Channel: origin}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return d.malformed(decision, fmt.Errorf("%w: empty payload", ErrInvalidInput))
	}
	if err := validatePayload(raw, origin); err != nil {
		return d.malformed(decision, err)
	}
	switch {
	case origin == ChannelPresence:
		return d.acceptPresence(raw, decision)
	case origin.IsNotification():
		return d.acceptNotification(raw, decision)
	default:
		return d.acceptMessage(raw, decision)
	}
}

func (d *Deduplicator) acceptMessage(raw []byte, decision Decision) Decision {
	decision.Payload = PayloadMessage
	var wire WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return d.malformed(decision, err)
	}
	msg, err := wire.ToMessage(d.loc, d.now())
	if err != nil {
		return d.malformed(decision, err)
	}
	decision.Message = msg

	if decision.Channel == ChannelGlobal {
		if msg.Kind == KindPrivate {
			decision.Verdict = VerdictIrrelevant
			return decision
		}
		if d.messages != nil {
			if existing, ok := d.messages.FindGlobal(msg, d.rule); ok {
				decision.Verdict = VerdictDuplicate
				decision.Existing = existing
				return decision
			}
		}
		decision.Verdict = VerdictAccepted
		return decision
	}

	if msg.Kind != KindPrivate || !msg.Involves(d.local) {
		decision.Verdict = VerdictIrrelevant
		return decision
	}
	peer := msg.Recipient
	if peer == d.local {
		peer = msg.Sender
	}
	decision.Key = NewConversationKey(d.local, peer)
	if d.messages != nil {
		if existing, ok := d.messages.FindPrivate(decision.Key, msg, d.rule); ok {
			decision.Verdict = VerdictDuplicate
			decision.Existing = existing
			return decision
		}
	}
	decision.Verdict = VerdictAccepted
	return decision
}

func (d *Deduplicator) acceptNotification(raw []byte, decision Decision) Decision {
	decision.Payload = PayloadNotification
	var wire WireNotification
	if decision.Channel == ChannelNotificationC {
		var envelope WireNotificationEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return d.malformed(decision, err)
		}
		if Identity(envelope.Recipient) != d.local {
			decision.Verdict = VerdictIrrelevant
			return decision
		}
		wire = envelope.Notification
		if wire.Recipient == "" {
			wire.Recipient = envelope.Recipient
		}
	} else if err := json.Unmarshal(raw, &wire); err != nil {
		return d.malformed(decision, err)
	}
	rec, err := wire.ToRecord(d.loc, d.now())
	if err != nil {
		return d.malformed(decision, err)
	}
	decision.Notification = rec
	if rec.Recipient != "" && rec.Recipient != d.local {
		decision.Verdict = VerdictIrrelevant
		return decision
	}
	if rec.Sender == d.local && rec.Counted() {
		decision.Verdict = VerdictIrrelevant
		return decision
	}
	if d.notifications != nil && rec.Counted() && d.notifications.Has(rec) {
		decision.Verdict = VerdictDuplicate
		return decision
	}
	decision.Verdict = VerdictAccepted
	return decision
}

func (d *Deduplicator) acceptPresence(raw []byte, decision Decision) Decision {
	decision.Payload = PayloadPresence
	var wire []WireOnlineUser
	if err := json.Unmarshal(raw, &wire); err != nil {
		return d.malformed(decision, err)
	}
	users := make([]OnlineUser, 0, len(wire))
	for _, item := range wire {
		users = append(users, item.ToOnlineUser(d.loc))
	}
	decision.Presence = users
	decision.Verdict = VerdictAccepted
	return decision
}

func (d *Deduplicator) malformed(decision Decision, err error) Decision {
	decision.Verdict = VerdictMalformed
	decision.Err = &ParseError{Channel: decision.Channel, Err: err}
	return decision
}
