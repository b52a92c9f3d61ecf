package chatsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatapi"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
	"github.com/rs/zerolog"
)

type action func(ctx context.Context, epoch uint64)

type result struct {
	epoch uint64
	apply func()
}

// Orchestrator owns the message store and the notification tracker for one
// identity at a time. Every mutation runs on a single loop goroutine; network
// calls run elsewhere and post their results back to it.
type Orchestrator struct {
	opts    Options
	conn    Transport
	api     chatapi.Service
	logger  zerolog.Logger
	now     func() time.Time
	store   *relaychat.MessageStore
	tracker *relaychat.NotificationTracker
	bridge  *relaychat.PersistenceBridge
	outbox  relaychat.OutboxQueue

	actions chan action
	results chan result

	// lifeMu serializes Start, Stop and Close.
	lifeMu      sync.Mutex
	cancel      context.CancelFunc
	detach      func()
	bridgeOnce  sync.Once
	bridgeClose context.CancelFunc
	bg          sync.WaitGroup

	mu       sync.RWMutex
	loop     chan struct{}
	identity relaychat.Identity
	epoch    uint64
	history  HistoryStatus
	notif    NotificationStatus
	presence []relaychat.OnlineUser
	typing   map[string]map[relaychat.Identity]time.Time
	openChat string

	// Owned by the loop.
	dedup       *relaychat.Deduplicator
	handle      *transport.Handle
	cachedPeers []relaychat.Identity
	presenceAt  time.Time
	polling     map[string]bool
	draining    atomic.Bool

	obsMu     sync.Mutex
	nextObs   int
	observers map[int]func(Event)
}

func NewOrchestrator(conn Transport, api chatapi.Service, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		opts:    opts,
		conn:    conn,
		api:     api,
		logger:  opts.Logger,
		now:     opts.Now,
		store:   relaychat.NewMessageStoreWithOptions(relaychat.StoreOptions{Rule: opts.Rule}),
		tracker: relaychat.NewNotificationTracker(opts.Rule),
		bridge: relaychat.NewPersistenceBridge(opts.Backend, relaychat.PersistenceOptions{
			Logger:   opts.Logger,
			Debounce: opts.PersistDebounce,
			Now:      opts.Now,
		}),
		outbox:    opts.Outbox,
		actions:   make(chan action),
		results:   make(chan result, 64),
		typing:    make(map[string]map[relaychat.Identity]time.Time),
		polling:   make(map[string]bool),
		observers: make(map[int]func(Event)),
	}
	o.store.Subscribe(func(change relaychat.Change) {
		o.emit(Event{Kind: EventStore, Change: &change})
	})
	return o
}

func (o *Orchestrator) Identity() relaychat.Identity {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.identity
}

// Store exposes the message store for read access.
func (o *Orchestrator) Store() *relaychat.MessageStore {
	return o.store
}

func (o *Orchestrator) Tracker() *relaychat.NotificationTracker {
	return o.tracker
}

// Start begins a session for identity. A running session for another
// identity is stopped first and its state dropped.
func (o *Orchestrator) Start(ctx context.Context, identity relaychat.Identity) error {
	if !identity.Valid() {
		return fmt.Errorf("%w: identity is required", relaychat.ErrInvalidInput)
	}
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	previous := o.Identity()
	o.stopLocked(true)
	o.bridgeOnce.Do(func() {
		bridgeCtx, cancel := context.WithCancel(context.Background())
		o.bridgeClose = cancel
		o.bridge.Start(bridgeCtx)
	})

	o.store.Reset()
	o.tracker.Reset()
	o.mu.Lock()
	o.epoch++
	epoch := o.epoch
	o.identity = identity
	o.history = HistoryStatus{}
	o.notif = NotificationStatus{}
	o.presence = nil
	o.typing = make(map[string]map[relaychat.Identity]time.Time)
	o.openChat = ""
	o.mu.Unlock()

	o.dedup = relaychat.NewDeduplicator(o.store, o.tracker, relaychat.DedupOptions{
		Local:    identity,
		Rule:     o.opts.Rule,
		Location: o.opts.Location,
		Now:      o.now,
	})
	o.presenceAt = time.Time{}
	o.polling = make(map[string]bool)
	if previous != identity {
		o.cachedPeers = nil
	}

	snapshot, err := o.bridge.Restore(ctx, identity)
	if err != nil {
		o.logger.Warn().Err(err).Str("identity", string(identity)).Msg("cache restore failed")
	} else if snapshot != nil {
		restored := o.store.RestorePrivate(snapshot.ConversationMap())
		o.cachedPeers = snapshot.Peers()
		o.logger.Info().Int("messages", restored).Int("conversations", len(o.cachedPeers)).Msg("restored cached conversations")
	}
	o.detach = o.bridge.Attach(o.store, identity)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle, err := o.conn.Connect(runCtx, identity)
	if err != nil {
		cancel()
		o.detach()
		o.detach = nil
		return err
	}
	o.handle = handle
	o.cancel = cancel
	done := make(chan struct{})
	o.mu.Lock()
	o.loop = done
	o.mu.Unlock()
	go o.run(runCtx, epoch, done)
	o.logger.Info().Str("identity", string(identity)).Msg("session started")
	return nil
}

// Stop ends the session. The departure signal is sent in the background.
func (o *Orchestrator) Stop() {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.stopLocked(true)
}

// Close stops the session, waits for background departures and stops the
// cache writer.
func (o *Orchestrator) Close() error {
	o.lifeMu.Lock()
	o.stopLocked(true)
	o.lifeMu.Unlock()
	o.bg.Wait()
	err := o.bridge.Close()
	if o.bridgeClose != nil {
		o.bridgeClose()
	}
	return err
}

func (o *Orchestrator) stopLocked(depart bool) {
	o.mu.Lock()
	done := o.loop
	o.loop = nil
	identity := o.identity
	o.mu.Unlock()
	if done == nil {
		return
	}
	o.conn.Disconnect()
	o.cancel()
	<-done
	o.cancel = nil
	o.handle = nil
	if o.detach != nil {
		o.detach()
		o.detach = nil
	}
	if depart {
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), o.opts.DepartTimeout)
			defer cancel()
			if err := o.api.Depart(ctx, identity); err != nil {
				o.logger.Debug().Err(err).Str("identity", string(identity)).Msg("departure signal failed")
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.FlushTimeout)
	defer cancel()
	if err := o.bridge.Flush(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("cache flush failed")
	}
	o.mu.Lock()
	o.openChat = ""
	o.mu.Unlock()
	o.logger.Info().Str("identity", string(identity)).Msg("session stopped")
}

func (o *Orchestrator) run(ctx context.Context, epoch uint64, done chan struct{}) {
	defer close(done)
	countTicker := time.NewTicker(o.opts.CountInterval)
	defer countTicker.Stop()
	listTicker := time.NewTicker(o.opts.ListInterval)
	defer listTicker.Stop()
	presenceTimer := time.NewTimer(o.presenceDelay())
	defer presenceTimer.Stop()

	events := o.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			o.handleEvent(ctx, epoch, ev)
		case fn := <-o.actions:
			fn(ctx, epoch)
		case r := <-o.results:
			if r.epoch == epoch {
				r.apply()
			}
		case <-countTicker.C:
			o.pollCount(ctx, epoch)
		case <-listTicker.C:
			o.pollList(ctx, epoch)
			o.pruneTyping()
		case <-presenceTimer.C:
			o.pollPresence(ctx, epoch)
			presenceTimer.Reset(o.presenceDelay())
		}
	}
}

func (o *Orchestrator) presenceDelay() time.Duration {
	base := o.opts.PresenceInterval
	if o.opts.PresenceJitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Float64()*o.opts.PresenceJitter*float64(base))
}

// post hands apply to the loop tagged with epoch. It reports false when the
// session ended first.
func (o *Orchestrator) post(ctx context.Context, epoch uint64, apply func()) bool {
	select {
	case o.results <- result{epoch: epoch, apply: apply}:
		return true
	case <-ctx.Done():
		return false
	}
}

// call runs fn on the loop and waits for it to return.
func (o *Orchestrator) call(ctx context.Context, fn action) error {
	o.mu.RLock()
	done := o.loop
	o.mu.RUnlock()
	if done == nil {
		return fmt.Errorf("%w: no active session", relaychat.ErrClosed)
	}
	reply := make(chan struct{})
	wrapped := func(loopCtx context.Context, epoch uint64) {
		defer close(reply)
		fn(loopCtx, epoch)
	}
	select {
	case o.actions <- wrapped:
	case <-done:
		return fmt.Errorf("%w: session ended", relaychat.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

// await waits for an asynchronous outcome started by an action.
func (o *Orchestrator) await(ctx context.Context, reply <-chan error) error {
	o.mu.RLock()
	done := o.loop
	o.mu.RUnlock()
	select {
	case err := <-reply:
		return err
	default:
	}
	if done == nil {
		return fmt.Errorf("%w: session ended", relaychat.ErrClosed)
	}
	select {
	case err := <-reply:
		return err
	case <-done:
		return fmt.Errorf("%w: session ended", relaychat.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, epoch uint64, ev transport.Event) {
	if ev.Handle != o.handle {
		return
	}
	switch ev.Type {
	case transport.EventFrame:
		o.handleFrame(ctx, epoch, ev.Frame)
	case transport.EventConnecting:
		o.emitConnection(relaychat.ConnectionState{Phase: relaychat.PhaseConnecting})
	case transport.EventConnected:
		o.logger.Info().Str("identity", string(o.Identity())).Msg("push transport connected")
		o.emitConnection(relaychat.ConnectionState{Phase: relaychat.PhaseConnected})
		o.bootstrap(ctx, epoch)
		o.drainOutbox(ctx)
		o.pollList(ctx, epoch)
		o.pollPresence(ctx, epoch)
	case transport.EventError:
		o.logger.Warn().Err(ev.Err).Str("reason", ev.Reason).Msg("push transport error")
	case transport.EventDisconnected:
		o.logger.Info().Str("reason", ev.Reason).Msg("push transport disconnected")
		o.emitConnection(relaychat.ConnectionState{Phase: relaychat.PhaseDisconnected, Reason: ev.Reason})
	}
}

func (o *Orchestrator) emitConnection(state relaychat.ConnectionState) {
	o.emit(Event{Kind: EventConnection, Connection: &state})
}

// SendGlobal appends a pending entry to the global log and publishes it.
func (o *Orchestrator) SendGlobal(ctx context.Context, content string) (relaychat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return relaychat.Message{}, fmt.Errorf("%w: content is required", relaychat.ErrInvalidInput)
	}
	var (
		msg     relaychat.Message
		sendErr error
	)
	err := o.call(ctx, func(loopCtx context.Context, _ uint64) {
		msg = relaychat.Message{
			Sender:    o.Identity(),
			Content:   content,
			Timestamp: o.now(),
			Kind:      relaychat.KindGlobal,
			LocalID:   relaychat.NewLocalID(),
			Pending:   true,
		}
		if !o.store.AppendGlobal(msg) {
			msg, sendErr = o.duplicateSend(o.store.FindGlobal(msg, o.opts.Rule))
			return
		}
		sendErr = o.dispatch(loopCtx, msg, o.opts.Destinations.SendGlobal)
	})
	if err != nil {
		return relaychat.Message{}, err
	}
	return msg, sendErr
}

// SendPrivate inserts a pending entry into the conversation with peer and
// publishes it.
func (o *Orchestrator) SendPrivate(ctx context.Context, peer relaychat.Identity, content string) (relaychat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return relaychat.Message{}, fmt.Errorf("%w: content is required", relaychat.ErrInvalidInput)
	}
	if !peer.Valid() {
		return relaychat.Message{}, fmt.Errorf("%w: recipient is required", relaychat.ErrInvalidInput)
	}
	var (
		msg     relaychat.Message
		sendErr error
	)
	err := o.call(ctx, func(loopCtx context.Context, _ uint64) {
		identity := o.Identity()
		if peer == identity {
			sendErr = fmt.Errorf("%w: cannot message yourself", relaychat.ErrInvalidInput)
			return
		}
		msg = relaychat.Message{
			Sender:    identity,
			Recipient: peer,
			Content:   content,
			Timestamp: o.now(),
			Kind:      relaychat.KindPrivate,
			LocalID:   relaychat.NewLocalID(),
			Pending:   true,
		}
		key := relaychat.NewConversationKey(identity, peer)
		if !o.store.InsertPrivate(key, msg) {
			msg, sendErr = o.duplicateSend(o.store.FindPrivate(key, msg, o.opts.Rule))
			return
		}
		sendErr = o.dispatch(loopCtx, msg, o.opts.Destinations.SendPrivate)
	})
	if err != nil {
		return relaychat.Message{}, err
	}
	if sendErr != nil && msg.LocalID == "" {
		return relaychat.Message{}, sendErr
	}
	return msg, sendErr
}

// duplicateSend resolves a send the store rejected as a repeat of an entry it
// already holds. The existing entry is returned and nothing is published.
func (o *Orchestrator) duplicateSend(existing relaychat.Message, ok bool) (relaychat.Message, error) {
	if !ok {
		return relaychat.Message{}, fmt.Errorf("%w: send rejected as duplicate", relaychat.ErrInvalidState)
	}
	o.logger.Debug().Str("local_id", existing.LocalID).Msg("send matches an existing entry, not published")
	return existing, nil
}

// OpenConversation makes peer the open chat: it ensures the conversation
// exists, marks the chat read and refreshes its history.
func (o *Orchestrator) OpenConversation(ctx context.Context, peer relaychat.Identity) error {
	if !peer.Valid() {
		return fmt.Errorf("%w: peer is required", relaychat.ErrInvalidInput)
	}
	markReply := make(chan error, 1)
	historyReply := make(chan error, 1)
	var openErr error
	err := o.call(ctx, func(loopCtx context.Context, epoch uint64) {
		identity := o.Identity()
		if peer == identity {
			openErr = fmt.Errorf("%w: cannot open a conversation with yourself", relaychat.ErrInvalidInput)
			return
		}
		o.store.EnsureConversation(relaychat.NewConversationKey(identity, peer))
		o.mu.Lock()
		o.openChat = string(peer)
		o.mu.Unlock()
		o.tracker.NoteOpened(string(peer), o.now())
		o.beginMark(loopCtx, epoch, string(peer), markReply)
		o.fetchConversation(loopCtx, epoch, identity, peer, historyReply)
	})
	if err != nil {
		return err
	}
	if openErr != nil {
		return openErr
	}
	markErr := o.await(ctx, markReply)
	historyErr := o.await(ctx, historyReply)
	return errors.Join(markErr, historyErr)
}

// CloseConversation clears the open chat.
func (o *Orchestrator) CloseConversation(ctx context.Context) error {
	return o.call(ctx, func(context.Context, uint64) {
		o.mu.Lock()
		o.openChat = ""
		o.mu.Unlock()
	})
}

// MarkChatRead marks chatID read and waits for the notification service to
// confirm. On failure the prior unread state is restored.
func (o *Orchestrator) MarkChatRead(ctx context.Context, chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return fmt.Errorf("%w: chat id is required", relaychat.ErrInvalidInput)
	}
	reply := make(chan error, 1)
	if err := o.call(ctx, func(loopCtx context.Context, epoch uint64) {
		o.beginMark(loopCtx, epoch, chatID, reply)
	}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

func (o *Orchestrator) MarkAllRead(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := o.call(ctx, func(loopCtx context.Context, epoch uint64) {
		o.beginMark(loopCtx, epoch, "", reply)
	}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// Retry re-runs a degraded bootstrap, flushes the outbox when connected and
// otherwise re-arms the transport.
func (o *Orchestrator) Retry(ctx context.Context) error {
	return o.call(ctx, func(loopCtx context.Context, epoch uint64) {
		o.mu.RLock()
		degraded := o.history.Degraded
		o.mu.RUnlock()
		if o.conn.State().Phase != relaychat.PhaseConnected {
			o.conn.Reconnect()
			return
		}
		if degraded {
			o.bootstrap(loopCtx, epoch)
		}
		o.drainOutbox(loopCtx)
		o.pollList(loopCtx, epoch)
	})
}

// SendGlobalTyping tells the chat service the local user is typing in the
// global room.
func (o *Orchestrator) SendGlobalTyping(ctx context.Context) error {
	identity := o.Identity()
	if !identity.Valid() {
		return fmt.Errorf("%w: no active session", relaychat.ErrClosed)
	}
	return o.api.GlobalTyping(ctx, identity)
}

func (o *Orchestrator) beginMark(ctx context.Context, epoch uint64, chatID string, reply chan<- error) {
	identity := o.Identity()
	var token *relaychat.MarkToken
	op := "mark_read"
	if chatID == "" {
		token = o.tracker.BeginMarkAllRead()
		op = "mark_all_read"
	} else {
		token = o.tracker.BeginMarkRead(chatID)
	}
	o.publishUnread()
	go func() {
		var err error
		if token.All {
			err = o.api.MarkAllRead(ctx, identity)
		} else {
			err = o.api.MarkRead(ctx, identity, chatID)
		}
		o.post(ctx, epoch, func() {
			if err != nil {
				o.tracker.Rollback(token)
				err = o.notificationFailure(op, err)
			} else {
				o.tracker.Commit(token)
			}
			o.publishUnread()
			if reply != nil {
				reply <- err
			}
		})
	}()
}

func (o *Orchestrator) publishUnread() {
	total := o.tracker.TotalUnread()
	relaychat.UnreadTotal.Set(float64(total))
	o.emit(Event{Kind: EventNotifications, TotalUnread: total})
}

func (o *Orchestrator) notificationFailure(op string, err error) error {
	relaychat.NotificationSyncFailures.WithLabelValues(op).Inc()
	syncErr := &relaychat.NotificationSyncError{Op: op, Err: err}
	o.mu.Lock()
	o.notif.LastError = syncErr.Error()
	o.mu.Unlock()
	o.logger.Debug().Err(err).Str("op", op).Msg("notification sync failed")
	return syncErr
}
