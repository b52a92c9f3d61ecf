package chatsync

import (
	"context"
	"strings"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
	"github.com/rs/zerolog"
)

const (
	defaultCountInterval     = 2 * time.Second
	defaultListInterval      = 10 * time.Second
	defaultPresenceInterval  = 60 * time.Second
	defaultPresenceJitter    = 0.1
	defaultBootstrapAttempts = 3
	defaultBootstrapDelay    = time.Second
	defaultTypingTTL         = 5 * time.Second
	defaultDepartTimeout     = 3 * time.Second
	defaultFlushTimeout      = 5 * time.Second
)

// Transport is the push side of a session. *transport.Manager implements it.
type Transport interface {
	Connect(ctx context.Context, identity relaychat.Identity) (*transport.Handle, error)
	Disconnect()
	Reconnect()
	Events() <-chan transport.Event
	State() relaychat.ConnectionState
	Publish(ctx context.Context, destination string, body []byte) error
}

var _ Transport = (*transport.Manager)(nil)

type Options struct {
	Destinations transport.Destinations
	// Backend is the durable cache for private conversations. Nil disables
	// caching.
	Backend relaychat.StateBackend
	// Outbox holds publishes made while the transport is down. Defaults to an
	// in-memory queue.
	Outbox   relaychat.OutboxQueue
	Rule     relaychat.MatchRule
	Location *time.Location

	CountInterval    time.Duration
	ListInterval     time.Duration
	PresenceInterval time.Duration
	// PresenceJitter spreads presence polls by up to this fraction of the
	// interval.
	PresenceJitter float64

	BootstrapAttempts int
	BootstrapDelay    time.Duration
	TypingTTL         time.Duration
	DepartTimeout     time.Duration
	FlushTimeout      time.Duration
	PersistDebounce   time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	def := transport.DefaultDestinations()
	if strings.TrimSpace(o.Destinations.SendGlobal) == "" {
		o.Destinations.SendGlobal = def.SendGlobal
	}
	if strings.TrimSpace(o.Destinations.SendPrivate) == "" {
		o.Destinations.SendPrivate = def.SendPrivate
	}
	if o.Outbox == nil {
		o.Outbox = relaychat.NewInMemoryOutbox(0)
	}
	if o.Rule == (relaychat.MatchRule{}) {
		o.Rule = relaychat.DefaultMatchRule()
	}
	if o.CountInterval <= 0 {
		o.CountInterval = defaultCountInterval
	}
	if o.ListInterval <= 0 {
		o.ListInterval = defaultListInterval
	}
	if o.PresenceInterval <= 0 {
		o.PresenceInterval = defaultPresenceInterval
	}
	if o.PresenceJitter < 0 {
		o.PresenceJitter = 0
	} else if o.PresenceJitter == 0 {
		o.PresenceJitter = defaultPresenceJitter
	}
	if o.BootstrapAttempts <= 0 {
		o.BootstrapAttempts = defaultBootstrapAttempts
	}
	if o.BootstrapDelay <= 0 {
		o.BootstrapDelay = defaultBootstrapDelay
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = defaultTypingTTL
	}
	if o.DepartTimeout <= 0 {
		o.DepartTimeout = defaultDepartTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = defaultFlushTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
