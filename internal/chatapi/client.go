package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Service is the request/response side of the chat and notification
// services.
type Service interface {
	GlobalHistory(ctx context.Context) ([]relaychat.Message, error)
	PrivateHistory(ctx context.Context, local, peer relaychat.Identity) ([]relaychat.Message, error)
	Conversations(ctx context.Context, local relaychat.Identity) ([]relaychat.Identity, error)
	OnlineUsers(ctx context.Context) ([]relaychat.OnlineUser, error)
	Notifications(ctx context.Context, identity relaychat.Identity) ([]relaychat.NotificationRecord, error)
	UnreadCount(ctx context.Context, identity relaychat.Identity) (int, error)
	MarkRead(ctx context.Context, identity relaychat.Identity, chatID string) error
	MarkAllRead(ctx context.Context, identity relaychat.Identity) error
	Depart(ctx context.Context, identity relaychat.Identity) error
	GlobalTyping(ctx context.Context, sender relaychat.Identity) error
}

var _ Service = (*Client)(nil)

type Options struct {
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RequestsPerSecond paces outgoing requests; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// Location interprets zone-less server timestamps.
	Location *time.Location
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
	loc        *time.Location
	logger     zerolog.Logger
	now        func() time.Time
}

func NewClient(baseURL string, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		loc:        opts.Location,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

func (c *Client) GlobalHistory(ctx context.Context) ([]relaychat.Message, error) {
	var wire []relaychat.WireMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/all", nil, &wire); err != nil {
		return nil, err
	}
	return c.decodeMessages(wire), nil
}

func (c *Client) PrivateHistory(ctx context.Context, local, peer relaychat.Identity) ([]relaychat.Message, error) {
	var wire []relaychat.WireMessage
	path := fmt.Sprintf("/api/messages/private/%s/%s", url.PathEscape(string(local)), url.PathEscape(string(peer)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	out := c.decodeMessages(wire)
	for i := range out {
		// Rows from this endpoint are private even when the type is absent.
		out[i].Kind = relaychat.KindPrivate
		if out[i].Recipient == "" {
			out[i].Recipient = otherSide(out[i].Sender, local, peer)
		}
	}
	return out, nil
}

func otherSide(sender, local, peer relaychat.Identity) relaychat.Identity {
	if sender == local {
		return peer
	}
	return local
}

type privateChat struct {
	ID    relaychat.FlexibleID `json:"id"`
	User1 string               `json:"user1"`
	User2 string               `json:"user2"`
}

// Conversations returns the peers local has a private chat with, in the
// order the service lists them.
func (c *Client) Conversations(ctx context.Context, local relaychat.Identity) ([]relaychat.Identity, error) {
	var chats []privateChat
	if err := c.doJSON(ctx, http.MethodGet, "/api/private-chats/"+url.PathEscape(string(local)), nil, &chats); err != nil {
		return nil, err
	}
	seen := make(map[relaychat.Identity]bool, len(chats))
	peers := make([]relaychat.Identity, 0, len(chats))
	for _, chat := range chats {
		var peer relaychat.Identity
		switch local {
		case relaychat.Identity(chat.User1):
			peer = relaychat.Identity(chat.User2)
		case relaychat.Identity(chat.User2):
			peer = relaychat.Identity(chat.User1)
		default:
			continue
		}
		if !peer.Valid() || peer == local || seen[peer] {
			continue
		}
		seen[peer] = true
		peers = append(peers, peer)
	}
	return peers, nil
}

func (c *Client) OnlineUsers(ctx context.Context) ([]relaychat.OnlineUser, error) {
	var wire []relaychat.WireOnlineUser
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/online", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]relaychat.OnlineUser, 0, len(wire))
	for _, w := range wire {
		if strings.TrimSpace(w.Username) == "" {
			continue
		}
		out = append(out, w.ToOnlineUser(c.loc))
	}
	return out, nil
}

func (c *Client) Notifications(ctx context.Context, identity relaychat.Identity) ([]relaychat.NotificationRecord, error) {
	var wire []relaychat.WireNotification
	if err := c.doJSON(ctx, http.MethodGet, "/api/notifications/"+url.PathEscape(string(identity)), nil, &wire); err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]relaychat.NotificationRecord, 0, len(wire))
	for _, w := range wire {
		rec, err := w.ToRecord(c.loc, now)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping undecodable notification")
			continue
		}
		if rec.Recipient == "" {
			rec.Recipient = identity
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) UnreadCount(ctx context.Context, identity relaychat.Identity) (int, error) {
	var count json.Number
	path := fmt.Sprintf("/api/notifications/%s/unread/count", url.PathEscape(string(identity)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &count); err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(count.String())
	if err != nil {
		return 0, fmt.Errorf("%w: unread count %q", relaychat.ErrInvalidInput, count)
	}
	return n, nil
}

func (c *Client) MarkRead(ctx context.Context, identity relaychat.Identity, chatID string) error {
	path := fmt.Sprintf("/api/notifications/%s/read/%s", url.PathEscape(string(identity)), url.PathEscape(chatID))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context, identity relaychat.Identity) error {
	path := fmt.Sprintf("/api/notifications/%s/read-all", url.PathEscape(string(identity)))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// Depart tells the chat service identity went offline.
func (c *Client) Depart(ctx context.Context, identity relaychat.Identity) error {
	return c.doJSON(ctx, http.MethodPost, "/api/users/disconnect/"+url.PathEscape(string(identity)), nil, nil)
}

func (c *Client) GlobalTyping(ctx context.Context, sender relaychat.Identity) error {
	q := url.Values{}
	q.Set("sender", string(sender))
	return c.doJSON(ctx, http.MethodPost, "/api/general-chat/typing?"+q.Encode(), nil, nil)
}

func (c *Client) decodeMessages(wire []relaychat.WireMessage) []relaychat.Message {
	now := c.now()
	out := make([]relaychat.Message, 0, len(wire))
	for _, w := range wire {
		msg, err := w.ToMessage(c.loc, now)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping undecodable history row")
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			decoder := json.NewDecoder(bytes.NewReader(payloadBytes))
			decoder.UseNumber()
			return decoder.Decode(out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = errPayload.Error
		}
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "chat_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
