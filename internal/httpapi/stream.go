package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatsync"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// streamMessage is one JSON text frame on /v1/stream. The first frame is
// always a snapshot; every later frame carries one event.
type streamMessage struct {
	Type     string             `json:"type"`
	Snapshot *chatsync.Snapshot `json:"snapshot,omitempty"`
	Event    *chatsync.Event    `json:"event,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.CORSOrigins}
	for _, origin := range s.cfg.CORSOrigins {
		if origin == "*" {
			opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
			break
		}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Debug().Err(err).Msg("stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Observers run on the sync loop, so delivery never blocks: a client that
	// falls StreamBuffer events behind is cut off.
	events := make(chan chatsync.Event, s.cfg.StreamBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := s.session.Subscribe(func(ev chatsync.Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	snap := s.session.Snapshot()
	if err := writeStream(ctx, conn, streamMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("stream client too slow, disconnecting")
			conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
			return
		case ev := <-events:
			if err := writeStream(ctx, conn, streamMessage{Type: string(ev.Kind), Event: &ev}); err != nil {
				return
			}
		}
	}
}

func writeStream(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
