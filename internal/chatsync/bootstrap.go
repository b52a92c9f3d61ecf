package chatsync

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// bootstrap fetches global history, the known conversations and each
// conversation's history. Results are applied on the loop as they arrive.
func (o *Orchestrator) bootstrap(ctx context.Context, epoch uint64) {
	identity := o.Identity()
	known := append([]relaychat.Identity(nil), o.cachedPeers...)
	for _, key := range o.store.Conversations() {
		if key.Contains(identity) {
			known = append(known, key.Peer(identity))
		}
	}
	o.mu.Lock()
	o.history.Loading = true
	status := o.history
	o.mu.Unlock()
	o.emit(Event{Kind: EventHistory, History: &status})

	go func() {
		var failures []error
		global, err := fetchWithRetry(ctx, o.opts, "global", o.api.GlobalHistory)
		if err != nil {
			failures = append(failures, err)
		} else {
			o.post(ctx, epoch, func() { o.applyGlobal(global) })
		}

		listed, err := fetchWithRetry(ctx, o.opts, "conversations", func(ctx context.Context) ([]relaychat.Identity, error) {
			return o.api.Conversations(ctx, identity)
		})
		if err != nil {
			failures = append(failures, err)
		}
		for _, peer := range unionPeers(identity, known, listed) {
			peer := peer
			list, err := fetchWithRetry(ctx, o.opts, "private", func(ctx context.Context) ([]relaychat.Message, error) {
				return o.api.PrivateHistory(ctx, identity, peer)
			})
			if err != nil {
				failures = append(failures, err)
				continue
			}
			o.post(ctx, epoch, func() { o.applyPrivate(identity, peer, list) })
		}
		o.post(ctx, epoch, func() { o.finishBootstrap(failures) })
	}()
}

func (o *Orchestrator) applyGlobal(list []relaychat.Message) {
	if !o.store.GlobalReplaced() {
		if err := o.store.ReplaceGlobal(list); err == nil {
			return
		}
	}
	o.store.MergeGlobal(list)
}

func (o *Orchestrator) applyPrivate(identity, peer relaychat.Identity, list []relaychat.Message) {
	key := relaychat.NewConversationKey(identity, peer)
	o.store.EnsureConversation(key)
	o.store.MergePrivate(key, list)
}

func (o *Orchestrator) finishBootstrap(failures []error) {
	o.mu.Lock()
	o.history.Loading = false
	if len(failures) > 0 {
		o.history.Degraded = true
		o.history.LastError = errors.Join(failures...).Error()
	} else {
		o.history.Degraded = false
		o.history.LastError = ""
		o.history.LastSyncedAt = o.now()
	}
	status := o.history
	o.mu.Unlock()
	if status.Degraded {
		o.logger.Warn().Str("error", status.LastError).Msg("history bootstrap degraded")
	}
	o.emit(Event{Kind: EventHistory, History: &status})
}

// fetchConversation refreshes one conversation outside the bootstrap.
func (o *Orchestrator) fetchConversation(ctx context.Context, epoch uint64, identity, peer relaychat.Identity, reply chan<- error) {
	go func() {
		list, err := fetchWithRetry(ctx, o.opts, "private", func(ctx context.Context) ([]relaychat.Message, error) {
			return o.api.PrivateHistory(ctx, identity, peer)
		})
		o.post(ctx, epoch, func() {
			if err == nil {
				o.applyPrivate(identity, peer, list)
			}
			if reply != nil {
				reply <- err
			}
		})
	}()
}

// fetchWithRetry makes up to opts.BootstrapAttempts attempts, waiting
// BootstrapDelay*(n+1) after the n-th failure.
func fetchWithRetry[T any](ctx context.Context, opts Options, op string, fetch func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < opts.BootstrapAttempts; attempt++ {
		value, err := fetch(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == opts.BootstrapAttempts-1 {
			break
		}
		timer := time.NewTimer(opts.BootstrapDelay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &relaychat.HistoryFetchError{Op: op, Attempts: attempt + 1, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	relaychat.HistoryFetchFailures.WithLabelValues(op).Inc()
	return zero, &relaychat.HistoryFetchError{Op: op, Attempts: opts.BootstrapAttempts, Err: lastErr}
}

func unionPeers(identity relaychat.Identity, lists ...[]relaychat.Identity) []relaychat.Identity {
	seen := make(map[relaychat.Identity]bool)
	var out []relaychat.Identity
	for _, list := range lists {
		for _, peer := range list {
			if !peer.Valid() || peer == identity || seen[peer] {
				continue
			}
			seen[peer] = true
			out = append(out, peer)
		}
	}
	return out
}

func (o *Orchestrator) pollCount(ctx context.Context, epoch uint64) {
	if o.polling["count"] {
		return
	}
	o.polling["count"] = true
	identity := o.Identity()
	issued := o.tracker.Seq()
	go func() {
		count, err := o.api.UnreadCount(ctx, identity)
		o.post(ctx, epoch, func() {
			o.polling["count"] = false
			if err != nil {
				_ = o.notificationFailure("unread_count", err)
				return
			}
			if o.tracker.ReconcileCount(count, issued) {
				o.pollList(ctx, epoch)
			}
		})
	}()
}

func (o *Orchestrator) pollList(ctx context.Context, epoch uint64) {
	if o.polling["list"] {
		return
	}
	o.polling["list"] = true
	identity := o.Identity()
	issued := o.tracker.Seq()
	go func() {
		list, err := o.api.Notifications(ctx, identity)
		o.post(ctx, epoch, func() {
			o.polling["list"] = false
			if err != nil {
				_ = o.notificationFailure("list", err)
				return
			}
			changed := o.tracker.ReconcileList(list, issued)
			o.mu.Lock()
			o.notif = NotificationStatus{LastSyncedAt: o.now()}
			o.mu.Unlock()
			if changed > 0 {
				o.publishUnread()
			}
		})
	}()
}

func (o *Orchestrator) pollPresence(ctx context.Context, epoch uint64) {
	if o.polling["presence"] {
		return
	}
	o.polling["presence"] = true
	issued := o.now()
	go func() {
		users, err := o.api.OnlineUsers(ctx)
		o.post(ctx, epoch, func() {
			o.polling["presence"] = false
			if err != nil {
				o.logger.Debug().Err(err).Msg("presence poll failed")
				return
			}
			o.applyPresence(users, issued)
		})
	}()
}
