package relaychat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPersistDebounce = 250 * time.Millisecond
	defaultPersistTimeout  = 5 * time.Second
)

type PersistenceOptions struct {
	Logger zerolog.Logger
	// Debounce coalesces bursts of private-state changes into one write.
	Debounce time.Duration
	Timeout  time.Duration
	Now      func() time.Time
}

type PersistenceStatus struct {
	LastError   string    `json:"lastError,omitempty"`
	LastSavedAt time.Time `json:"lastSavedAt,omitempty"`
	Pending     bool      `json:"pending"`
}

// PersistenceBridge mirrors a store's private conversations to a durable
// backend. It reads snapshots from the store and writes them to the backend;
// it never writes into the store.
type PersistenceBridge struct {
	backend  StateBackend
	logger   zerolog.Logger
	debounce time.Duration
	timeout  time.Duration
	now      func() time.Time

	// saveMu keeps writes in snapshot order.
	saveMu    sync.Mutex
	mu        sync.Mutex
	latest    *CacheSnapshot
	lastErr   error
	lastSaved time.Time
	saving    bool
	running   bool

	wake      chan struct{}
	idle      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewPersistenceBridge(backend StateBackend, opts PersistenceOptions) *PersistenceBridge {
	debounce := opts.Debounce
	if debounce < 0 {
		debounce = 0
	} else if debounce == 0 {
		debounce = defaultPersistDebounce
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PersistenceBridge{
		backend:  backend,
		logger:   opts.Logger,
		debounce: debounce,
		timeout:  timeout,
		now:      now,
		wake:     make(chan struct{}, 1),
		idle:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *PersistenceBridge) Enabled() bool {
	return b != nil && b.backend != nil
}

// Restore reads the cached conversations for identity. Any pending write is
// flushed first so a session restarted for the same identity sees its own
// latest state.
func (b *PersistenceBridge) Restore(ctx context.Context, identity Identity) (*CacheSnapshot, error) {
	if !b.Enabled() {
		return nil, nil
	}
	if err := b.flushPending(ctx); err != nil {
		b.logger.Warn().Err(err).Str("identity", string(identity)).Msg("cache flush before restore failed")
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	snapshot, err := b.backend.Load(ctx, identity)
	if err != nil {
		PersistenceFailures.WithLabelValues("load").Inc()
		perr := &PersistenceError{Op: "load", Identity: identity, Err: err}
		b.recordError(perr)
		return nil, perr
	}
	return snapshot, nil
}

// Attach mirrors every private change in store for identity until the
// returned function is called.
func (b *PersistenceBridge) Attach(store *MessageStore, identity Identity) func() {
	if !b.Enabled() || store == nil {
		return func() {}
	}
	return store.Subscribe(func(change Change) {
		if change.Scope != ScopePrivate {
			return
		}
		b.schedule(NewCacheSnapshot(identity, store.SnapshotPrivateAll(), b.now()))
	})
}

func (b *PersistenceBridge) schedule(snapshot *CacheSnapshot) {
	b.mu.Lock()
	b.latest = snapshot
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start runs the background writer until ctx ends or Close is called.
func (b *PersistenceBridge) Start(ctx context.Context) {
	if !b.Enabled() {
		return
	}
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.running = true
		b.mu.Unlock()
		go b.run(ctx)
	})
}

func (b *PersistenceBridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.flushPending(context.Background())
			return
		case <-b.stop:
			b.flushPending(context.Background())
			return
		case <-b.wake:
		}
		if b.debounce > 0 {
			timer := time.NewTimer(b.debounce)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			case <-b.stop:
				timer.Stop()
			}
		}
		b.flushPending(ctx)
	}
}

// Flush writes any pending snapshot synchronously.
func (b *PersistenceBridge) Flush(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}
	return b.flushPending(ctx)
}

func (b *PersistenceBridge) flushPending(ctx context.Context) error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	b.mu.Lock()
	snapshot := b.latest
	b.latest = nil
	b.saving = snapshot != nil
	b.mu.Unlock()
	if snapshot == nil {
		return nil
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	err := b.backend.Save(ctx, snapshot.Identity, snapshot)

	b.mu.Lock()
	b.saving = false
	b.mu.Unlock()
	if err != nil {
		PersistenceFailures.WithLabelValues("save").Inc()
		perr := &PersistenceError{Op: "save", Identity: snapshot.Identity, Err: err}
		b.recordError(perr)
		b.logger.Warn().Err(err).Str("identity", string(snapshot.Identity)).Msg("cache write failed")
		return perr
	}
	b.mu.Lock()
	b.lastErr = nil
	b.lastSaved = b.now()
	b.mu.Unlock()
	select {
	case b.idle <- struct{}{}:
	default:
	}
	return nil
}

func (b *PersistenceBridge) recordError(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}

func (b *PersistenceBridge) Status() PersistenceStatus {
	if b == nil {
		return PersistenceStatus{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	status := PersistenceStatus{
		LastSavedAt: b.lastSaved,
		Pending:     b.latest != nil || b.saving,
	}
	if b.lastErr != nil {
		status.LastError = b.lastErr.Error()
	}
	return status
}

// Saved is signalled after each successful background write.
func (b *PersistenceBridge) Saved() <-chan struct{} {
	return b.idle
}

// Close stops the writer after flushing what is pending.
func (b *PersistenceBridge) Close() error {
	if !b.Enabled() {
		return nil
	}
	b.startOnce.Do(func() {})
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	if running {
		<-b.done
		return nil
	}
	return b.Flush(context.Background())
}
