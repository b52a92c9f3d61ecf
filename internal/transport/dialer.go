package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"nhooyr.io/websocket"
)

// Conn is the subset of *websocket.Conn the manager uses, so tests can
// substitute an in-memory connection.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialer dials the broker with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: []string{"v12.stomp", "v11.stomp"},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade returned %d", relaychat.ErrAuthRejected, resp.StatusCode)
		}
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// streamURL embeds identity in the connect URI. http(s) schemes are mapped
// to ws(s).
func streamURL(base string, identity relaychat.Identity) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: stream url: %v", relaychat.ErrInvalidInput, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: stream url scheme %q", relaychat.ErrInvalidInput, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: stream url has no host", relaychat.ErrInvalidInput)
	}
	query := parsed.Query()
	query.Set("username", string(identity))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
