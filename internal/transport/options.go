package transport

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultLeaveTimeout     = 2 * time.Second
	defaultEventBuffer      = 256
)

// Destinations are the broker paths the client subscribes and publishes to.
// NotificationUser may contain "{identity}".
type Destinations struct {
	Global           string `yaml:"global"`
	Presence         string `yaml:"presence"`
	PrivatePrimary   string `yaml:"privatePrimary"`
	PrivateFallback  string `yaml:"privateFallback"`
	NotificationA    string `yaml:"notificationA"`
	NotificationUser string `yaml:"notificationUser"`
	NotificationC    string `yaml:"notificationC"`

	AddUser     string `yaml:"addUser"`
	Reconnect   string `yaml:"reconnect"`
	RemoveUser  string `yaml:"removeUser"`
	SendGlobal  string `yaml:"sendGlobal"`
	SendPrivate string `yaml:"sendPrivate"`
}

func DefaultDestinations() Destinations {
	return Destinations{
		Global:           "/topic/global",
		Presence:         "/topic/online-users",
		PrivatePrimary:   "/user/queue/private",
		PrivateFallback:  "/topic/private",
		NotificationA:    "/user/queue/notifications",
		NotificationUser: "/topic/user/{identity}/notifications",
		NotificationC:    "/topic/notifications",
		AddUser:          "/app/chat.addUser",
		Reconnect:        "/app/chat.reconnect",
		RemoveUser:       "/app/chat.removeUser",
		SendGlobal:       "/app/chat.send",
		SendPrivate:      "/app/chat.private",
	}
}

// withDefaults fills every empty path from DefaultDestinations.
func (d Destinations) withDefaults() Destinations {
	def := DefaultDestinations()
	fill := func(v *string, fallback string) {
		if strings.TrimSpace(*v) == "" {
			*v = fallback
		}
	}
	fill(&d.Global, def.Global)
	fill(&d.Presence, def.Presence)
	fill(&d.PrivatePrimary, def.PrivatePrimary)
	fill(&d.PrivateFallback, def.PrivateFallback)
	fill(&d.NotificationA, def.NotificationA)
	fill(&d.NotificationUser, def.NotificationUser)
	fill(&d.NotificationC, def.NotificationC)
	fill(&d.AddUser, def.AddUser)
	fill(&d.Reconnect, def.Reconnect)
	fill(&d.RemoveUser, def.RemoveUser)
	fill(&d.SendGlobal, def.SendGlobal)
	fill(&d.SendPrivate, def.SendPrivate)
	return d
}

type subscription struct {
	channel     relaychat.Channel
	destination string
}

// subscriptions lists one destination per channel, in relaychat.Channels
// order.
func (d Destinations) subscriptions(identity relaychat.Identity) []subscription {
	return []subscription{
		{relaychat.ChannelGlobal, d.Global},
		{relaychat.ChannelPrivatePrimary, d.PrivatePrimary},
		{relaychat.ChannelPrivateFallback, d.PrivateFallback},
		{relaychat.ChannelNotificationA, d.NotificationA},
		{relaychat.ChannelNotificationB, strings.ReplaceAll(d.NotificationUser, "{identity}", string(identity))},
		{relaychat.ChannelNotificationC, d.NotificationC},
		{relaychat.ChannelPresence, d.Presence},
	}
}

// Backoff is the reconnect delay policy. A Multiplier of 1 or less gives a
// fixed delay of Initial.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to this fraction of the delay, uniformly.
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Next returns the delay before reconnect attempt n, counting from 0.
func (b Backoff) Next(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	delay := initial
	if b.Multiplier > 1 && attempt > 0 {
		scaled := float64(initial) * math.Pow(b.Multiplier, float64(attempt))
		if scaled > float64(math.MaxInt64/2) {
			scaled = float64(math.MaxInt64 / 2)
		}
		delay = time.Duration(scaled)
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		delay += time.Duration(rand.Float64() * b.Jitter * float64(delay))
	}
	return delay
}

type Options struct {
	// URL is the broker WebSocket endpoint, e.g. ws://host:8080/ws/websocket.
	URL              string
	Destinations     Destinations
	Backoff          Backoff
	Dialer           Dialer
	HandshakeTimeout time.Duration
	// LeaveTimeout bounds the best-effort departure publish on Disconnect.
	LeaveTimeout time.Duration
	// PingInterval enables WebSocket keepalive pings when the connection
	// supports them.
	PingInterval time.Duration
	EventBuffer  int
	Logger       zerolog.Logger
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	o.Destinations = o.Destinations.withDefaults()
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.LeaveTimeout <= 0 {
		o.LeaveTimeout = defaultLeaveTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
