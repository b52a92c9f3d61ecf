package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Publish while no broker session is up.
var ErrNotConnected = errors.New("transport: not connected")

type EventType int

const (
	EventConnecting EventType = iota + 1
	EventConnected
	EventError
	EventDisconnected
	EventFrame
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Frame is one pushed payload tagged with the subscription it arrived on.
type Frame struct {
	Channel    relaychat.Channel
	Body       []byte
	ReceivedAt time.Time
}

type Event struct {
	Type   EventType
	Handle *Handle
	Reason string
	Err    error
	Frame  Frame
}

// Handle identifies one Connect call. Events carry the handle that produced
// them so a consumer can ignore events from a session it already left.
type Handle struct {
	identity relaychat.Identity
	id       uint64
}

func (h *Handle) Identity() relaychat.Identity {
	if h == nil {
		return ""
	}
	return h.identity
}

type session struct {
	handle *Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager keeps one STOMP session to the broker alive: it dials, subscribes
// every channel, announces the user, and reconnects with backoff until told
// to stop.
type Manager struct {
	opts   Options
	logger zerolog.Logger
	events chan Event
	rearm  chan struct{}

	mu      sync.Mutex
	state   relaychat.ConnectionState
	current *session
	conn    Conn
	handles uint64

	writeMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:   opts,
		logger: opts.Logger,
		events: make(chan Event, opts.EventBuffer),
		rearm:  make(chan struct{}, 1),
		state:  relaychat.ConnectionState{Phase: relaychat.PhaseIdle},
	}
	relaychat.SetConnectionPhase(relaychat.PhaseIdle)
	return m
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() relaychat.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a session for identity, replacing any current one. It
// returns immediately; progress is reported on Events.
func (m *Manager) Connect(ctx context.Context, identity relaychat.Identity) (*Handle, error) {
	if !identity.Valid() {
		return nil, fmt.Errorf("%w: identity is required", relaychat.ErrInvalidInput)
	}
	if _, err := streamURL(m.opts.URL, identity); err != nil {
		return nil, err
	}
	m.Disconnect()

	m.mu.Lock()
	m.handles++
	handle := &Handle{identity: identity, id: m.handles}
	runCtx, cancel := context.WithCancel(ctx)
	sess := &session{handle: handle, cancel: cancel, done: make(chan struct{})}
	m.current = sess
	m.mu.Unlock()

	// Drop a re-arm left over from the previous session.
	select {
	case <-m.rearm:
	default:
	}
	go m.run(runCtx, sess)
	return handle, nil
}

// Reconnect re-arms a session that stopped after an auth rejection, or cuts
// a pending backoff wait short.
func (m *Manager) Reconnect() {
	select {
	case m.rearm <- struct{}{}:
	default:
	}
}

// Disconnect announces the departure when connected, then cancels the
// session and waits for it to settle in Idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	conn := m.conn
	identity := relaychat.Identity("")
	if sess != nil {
		identity = sess.handle.identity
	}
	m.mu.Unlock()
	if sess == nil {
		return
	}
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.LeaveTimeout)
		body, _ := json.Marshal(map[string]string{"sender": string(identity)})
		if err := m.send(ctx, conn, m.opts.Destinations.RemoveUser, body); err != nil {
			m.logger.Debug().Err(err).Msg("departure publish failed")
		}
		_ = m.write(ctx, conn, newFrame(cmdDisconnect))
		cancel()
	}
	sess.cancel()
	<-sess.done
}

// Publish sends body to destination on the live session.
func (m *Manager) Publish(ctx context.Context, destination string, body []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return &relaychat.TransportError{Op: "publish", Err: ErrNotConnected}
	}
	if err := m.send(ctx, conn, destination, body); err != nil {
		return &relaychat.TransportError{Op: "publish", Err: err}
	}
	return nil
}

func (m *Manager) send(ctx context.Context, conn Conn, destination string, body []byte) error {
	frame := newFrame(cmdSend, "destination", destination, "content-type", "application/json")
	frame.Body = body
	return m.write(ctx, conn, frame)
}

func (m *Manager) write(ctx context.Context, conn Conn, frame stompFrame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, frame.encode())
}

func (m *Manager) isCurrent(sess *session) bool {
	return m.current == sess
}

func (m *Manager) setPhase(sess *session, phase relaychat.Phase, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A cancelled session may still be unwinding after a new one started.
	if !m.isCurrent(sess) && phase != relaychat.PhaseIdle {
		return
	}
	m.state = relaychat.ConnectionState{Phase: phase, Reason: reason}
	relaychat.SetConnectionPhase(phase)
}

func (m *Manager) setConn(sess *session, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isCurrent(sess) {
		m.conn = conn
	}
}

func (m *Manager) clearConn(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
}

func (m *Manager) emit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) run(ctx context.Context, sess *session) {
	defer close(sess.done)
	defer func() {
		m.mu.Lock()
		if m.current == nil || m.current == sess {
			m.state = relaychat.ConnectionState{Phase: relaychat.PhaseIdle}
			relaychat.SetConnectionPhase(relaychat.PhaseIdle)
		}
		m.mu.Unlock()
	}()

	handle := sess.handle
	log := m.logger.With().Str("identity", string(handle.identity)).Logger()
	attempt := 0
	joined := false
	for {
		m.setPhase(sess, relaychat.PhaseConnecting, "")
		if !m.emit(ctx, Event{Type: EventConnecting, Handle: handle}) {
			return
		}
		conn, subs, err := m.establish(ctx, handle, joined)
		if err == nil {
			joined = true
			attempt = 0
			m.setConn(sess, conn)
			m.setPhase(sess, relaychat.PhaseConnected, "")
			log.Info().Msg("push transport connected")
			if m.emit(ctx, Event{Type: EventConnected, Handle: handle}) {
				err = m.readLoop(ctx, handle, conn, subs)
			}
			m.clearConn(conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, relaychat.ErrAuthRejected) {
			const reason = "auth rejected"
			log.Warn().Err(err).Msg("push transport rejected credentials")
			m.emit(ctx, Event{Type: EventError, Handle: handle, Reason: reason, Err: err})
			m.setPhase(sess, relaychat.PhaseDisconnected, reason)
			m.emit(ctx, Event{Type: EventDisconnected, Handle: handle, Reason: reason, Err: err})
			select {
			case <-ctx.Done():
				return
			case <-m.rearm:
				attempt = 0
				continue
			}
		}

		reason := describe(err)
		if err != nil && !m.emit(ctx, Event{Type: EventError, Handle: handle, Reason: reason, Err: err}) {
			return
		}
		m.setPhase(sess, relaychat.PhaseDisconnected, reason)
		if !m.emit(ctx, Event{Type: EventDisconnected, Handle: handle, Reason: reason, Err: err}) {
			return
		}
		delay := m.opts.Backoff.Next(attempt)
		attempt++
		relaychat.ReconnectsTotal.Inc()
		log.Warn().Err(err).Dur("backoff", delay).Int("attempt", attempt).Msg("push transport lost, reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.rearm:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func describe(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// establish dials, completes the STOMP handshake, subscribes every channel
// with fresh ids and publishes exactly one join.
func (m *Manager) establish(ctx context.Context, handle *Handle, joined bool) (Conn, map[string]relaychat.Channel, error) {
	target, err := streamURL(m.opts.URL, handle.identity)
	if err != nil {
		return nil, nil, &relaychat.TransportError{Op: "dial", Err: err}
	}
	hsCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	conn, err := m.opts.Dialer.Dial(hsCtx, target)
	if err != nil {
		return nil, nil, &relaychat.TransportError{Op: "dial", Err: err}
	}
	fail := func(op string, err error) (Conn, map[string]relaychat.Channel, error) {
		_ = conn.Close(websocket.StatusNormalClosure, op+" failed")
		return nil, nil, &relaychat.TransportError{Op: op, Err: err}
	}

	host := ""
	if parsed, perr := url.Parse(target); perr == nil {
		host = parsed.Hostname()
	}
	connect := newFrame(cmdConnect,
		"accept-version", stompVersion,
		"host", host,
		"login", string(handle.identity),
		"heart-beat", "0,0",
	)
	if err := m.write(hsCtx, conn, connect); err != nil {
		return fail("handshake", err)
	}
	if err := awaitConnected(hsCtx, conn); err != nil {
		return fail("handshake", err)
	}

	subs := make(map[string]relaychat.Channel)
	for _, sub := range m.opts.Destinations.subscriptions(handle.identity) {
		id := uuid.NewString()
		frame := newFrame(cmdSubscribe, "id", id, "destination", sub.destination, "ack", "auto")
		if err := m.write(hsCtx, conn, frame); err != nil {
			return fail("subscribe", err)
		}
		subs[id] = sub.channel
	}

	destination := m.opts.Destinations.AddUser
	join := map[string]string{"sender": string(handle.identity), "content": string(handle.identity) + " joined"}
	if joined {
		destination = m.opts.Destinations.Reconnect
		join = map[string]string{"sender": string(handle.identity)}
	}
	body, _ := json.Marshal(join)
	if err := m.send(hsCtx, conn, destination, body); err != nil {
		return fail("join", err)
	}
	return conn, subs, nil
}

func awaitConnected(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		frame, err := decodeFrame(data)
		if errors.Is(err, errEmptyFrame) {
			continue
		}
		if err != nil {
			return err
		}
		switch frame.Command {
		case cmdConnected:
			return nil
		case cmdError:
			msg := frame.header("message")
			if msg == "" {
				msg = string(frame.Body)
			}
			return fmt.Errorf("%w: %s", relaychat.ErrAuthRejected, msg)
		default:
			return fmt.Errorf("unexpected %s frame during handshake", frame.Command)
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, handle *Handle, conn Conn, subs map[string]relaychat.Channel) error {
	if p, ok := conn.(pinger); ok && m.opts.PingInterval > 0 {
		pingCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go m.keepalive(pingCtx, p)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return &relaychat.TransportError{Op: "read", Err: err}
		}
		frame, err := decodeFrame(data)
		if errors.Is(err, errEmptyFrame) {
			continue
		}
		if err != nil {
			m.logger.Debug().Err(err).Msg("dropping undecodable stomp frame")
			continue
		}
		switch frame.Command {
		case cmdMessage:
			channel, ok := subs[frame.header("subscription")]
			if !ok {
				m.logger.Debug().Str("destination", frame.header("destination")).Msg("frame for unknown subscription")
				continue
			}
			ev := Event{Type: EventFrame, Handle: handle, Frame: Frame{Channel: channel, Body: frame.Body, ReceivedAt: m.opts.Now()}}
			if !m.emit(ctx, ev) {
				return ctx.Err()
			}
		case cmdError:
			return &relaychat.TransportError{Op: "read", Err: fmt.Errorf("broker error: %s", frame.header("message"))}
		case cmdReceipt:
		}
	}
}

func (m *Manager) keepalive(ctx context.Context, p pinger) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingInterval)
			err := p.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.logger.Debug().Err(err).Msg("keepalive ping failed")
			}
		}
	}
}
