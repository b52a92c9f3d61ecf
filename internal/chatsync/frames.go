package chatsync

import (
	"context"
	"sort"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
)

func (o *Orchestrator) handleFrame(ctx context.Context, epoch uint64, frame transport.Frame) {
	decision := o.dedup.Accept(frame.Body, frame.Channel)
	relaychat.FramesTotal.WithLabelValues(string(frame.Channel), decision.Verdict.String()).Inc()
	switch decision.Verdict {
	case relaychat.VerdictMalformed:
		o.logger.Debug().Err(decision.Err).Str("channel", string(frame.Channel)).Msg("dropping malformed frame")
		return
	case relaychat.VerdictIrrelevant:
		return
	}
	switch decision.Payload {
	case relaychat.PayloadMessage:
		o.applyMessage(decision)
	case relaychat.PayloadNotification:
		o.applyNotification(ctx, epoch, decision)
	case relaychat.PayloadPresence:
		at := frame.ReceivedAt
		if at.IsZero() {
			at = o.now()
		}
		o.applyPresence(decision.Presence, at)
	}
}

func (o *Orchestrator) applyMessage(decision relaychat.Decision) {
	scope := relaychat.ScopeGlobal
	var key relaychat.ConversationKey
	if decision.Channel.IsPrivate() {
		scope = relaychat.ScopePrivate
		key = decision.Key
	}
	if decision.Verdict == relaychat.VerdictDuplicate {
		// An echo of our own send confirms the pending entry.
		if decision.Existing.Pending {
			o.store.Confirm(scope, key, decision.Existing.LocalID, decision.Message)
		}
		return
	}
	if scope == relaychat.ScopeGlobal {
		o.store.AppendGlobal(decision.Message)
		return
	}
	o.store.InsertPrivate(key, decision.Message)
}

func (o *Orchestrator) applyNotification(ctx context.Context, epoch uint64, decision relaychat.Decision) {
	rec := decision.Notification
	if !rec.Counted() {
		o.applyTyping(rec)
		return
	}
	if !o.tracker.Add(rec) {
		return
	}
	o.publishUnread()
	if rec.Read {
		return
	}
	o.mu.RLock()
	open := o.openChat
	o.mu.RUnlock()
	if open != "" && rec.ChatID == open {
		o.tracker.NoteOpened(open, rec.Timestamp)
		o.beginMark(ctx, epoch, open, nil)
		return
	}
	if rec.MessageType == relaychat.NotificationMessage {
		o.emit(Event{Kind: EventToast, Notification: &rec, ChatID: rec.ChatID})
	}
}

func (o *Orchestrator) applyTyping(rec relaychat.NotificationRecord) {
	now := o.now()
	o.mu.Lock()
	if rec.Sender == o.identity {
		o.mu.Unlock()
		return
	}
	peers := o.typing[rec.ChatID]
	if peers == nil {
		peers = make(map[relaychat.Identity]time.Time)
		o.typing[rec.ChatID] = peers
	}
	switch rec.MessageType {
	case relaychat.NotificationTyping:
		peers[rec.Sender] = now.Add(o.opts.TypingTTL)
	case relaychat.NotificationStopTyping:
		delete(peers, rec.Sender)
	}
	current := o.typingLocked(rec.ChatID, now)
	o.mu.Unlock()
	o.emit(Event{Kind: EventTyping, ChatID: rec.ChatID, Typing: current})
}

// typingLocked lists the unexpired typers in chatID. Callers hold o.mu.
func (o *Orchestrator) typingLocked(chatID string, now time.Time) []relaychat.Identity {
	var out []relaychat.Identity
	for peer, until := range o.typing[chatID] {
		if now.Before(until) {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (o *Orchestrator) pruneTyping() {
	now := o.now()
	var expired []string
	o.mu.Lock()
	for chatID, peers := range o.typing {
		before := len(peers)
		for peer, until := range peers {
			if !now.Before(until) {
				delete(peers, peer)
			}
		}
		if len(peers) != before {
			expired = append(expired, chatID)
		}
		if len(peers) == 0 {
			delete(o.typing, chatID)
		}
	}
	o.mu.Unlock()
	sort.Strings(expired)
	for _, chatID := range expired {
		o.mu.RLock()
		current := o.typingLocked(chatID, now)
		o.mu.RUnlock()
		o.emit(Event{Kind: EventTyping, ChatID: chatID, Typing: current})
	}
}

// applyPresence replaces the presence list unless a newer update has
// already been applied.
func (o *Orchestrator) applyPresence(users []relaychat.OnlineUser, at time.Time) {
	if at.Before(o.presenceAt) {
		return
	}
	o.presenceAt = at
	o.mu.Lock()
	o.presence = append([]relaychat.OnlineUser(nil), users...)
	o.mu.Unlock()
	o.emit(Event{Kind: EventPresence, Presence: users})
}
