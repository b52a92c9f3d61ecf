package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatapi"
	"github.com/agentworkforce/relaychat/internal/chatsync"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Session is the sync state the local API exposes. *chatsync.Orchestrator
// implements it.
type Session interface {
	Start(ctx context.Context, identity relaychat.Identity) error
	Stop()
	Identity() relaychat.Identity
	Snapshot() chatsync.Snapshot
	Conversation(peer relaychat.Identity) (chatsync.ConversationView, bool)
	Subscribe(fn func(chatsync.Event)) func()

	SendGlobal(ctx context.Context, content string) (relaychat.Message, error)
	SendPrivate(ctx context.Context, peer relaychat.Identity, content string) (relaychat.Message, error)
	OpenConversation(ctx context.Context, peer relaychat.Identity) error
	CloseConversation(ctx context.Context) error
	MarkChatRead(ctx context.Context, chatID string) error
	MarkAllRead(ctx context.Context) error
	Retry(ctx context.Context) error
	SendGlobalTyping(ctx context.Context) error
}

var _ Session = (*chatsync.Orchestrator)(nil)

type ServerConfig struct {
	// APIToken, when set, is required as a bearer token on mutating routes
	// and on the event stream.
	APIToken        string
	CORSOrigins     []string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamBuffer is how many events a slow stream client may fall behind
	// before it is disconnected.
	StreamBuffer int
	Logger       zerolog.Logger
}

type Server struct {
	session     Session
	cfg         ServerConfig
	logger      zerolog.Logger
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(session Session, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		session:     session,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(requestMetrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Correlation-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/global", s.handleGlobal)
		r.Get("/conversations", s.handleConversations)
		r.Get("/conversations/{peer}", s.handleConversation)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/stream", s.handleStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Use(s.limitRate)
			r.Post("/session", s.handleStartSession)
			r.Delete("/session", s.handleStopSession)
			r.Post("/global", s.handleSendGlobal)
			r.Post("/global/typing", s.handleGlobalTyping)
			r.Post("/conversations/{peer}", s.handleSendPrivate)
			r.Post("/conversations/{peer}/open", s.handleOpen)
			r.Delete("/conversations/open", s.handleClose)
			r.Post("/read/{chatID}", s.handleMarkRead)
			r.Post("/read", s.handleMarkAllRead)
			r.Post("/retry", s.handleRetry)
		})
	})
	return r
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleGlobal(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": nonNilMessages(snap.Global),
		"unread":   snap.Unread[relaychat.GlobalChatID],
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	conversations := snap.Conversations
	if conversations == nil {
		conversations = []chatsync.ConversationView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversations,
		"totalUnread":   snap.TotalUnread,
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	peer := relaychat.Identity(chi.URLParam(r, "peer"))
	view, ok := s.session.Conversation(peer)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no conversation with "+string(peer), getCorrelationID(r))
		return
	}
	view.Messages = nonNilMessages(view.Messages)
	writeJSON(w, http.StatusOK, view)
}

type sessionRequest struct {
	Identity string `json:"identity"`
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req sessionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.session.Start(r.Context(), relaychat.Identity(strings.TrimSpace(req.Identity))); err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": s.session.Identity()})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.session.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendGlobal(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req sendRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.session.SendGlobal(r.Context(), req.Content)
	if err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleSendPrivate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req sendRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.session.SendPrivate(r.Context(), relaychat.Identity(chi.URLParam(r, "peer")), req.Content)
	if err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleGlobalTyping(w http.ResponseWriter, r *http.Request) {
	if err := s.session.SendGlobalTyping(r.Context()); err != nil {
		s.writeSessionError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	peer := relaychat.Identity(chi.URLParam(r, "peer"))
	if err := s.session.OpenConversation(r.Context(), peer); err != nil {
		s.writeSessionError(w, err, getCorrelationID(r))
		return
	}
	view, _ := s.session.Conversation(peer)
	view.Messages = nonNilMessages(view.Messages)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.session.CloseConversation(r.Context()); err != nil {
		s.writeSessionError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.session.MarkChatRead(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		s.writeSessionError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.session.MarkAllRead(r.Context()); err != nil {
		s.writeSessionError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Retry(r.Context()); err != nil {
		s.writeSessionError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeSessionError maps the relaychat error taxonomy onto HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error, correlationID string) {
	var (
		httpErr    *chatapi.HTTPError
		historyErr *relaychat.HistoryFetchError
		notifErr   *relaychat.NotificationSyncError
	)
	switch {
	case errors.Is(err, relaychat.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrClosed), errors.Is(err, relaychat.ErrInvalidState):
		writeError(w, http.StatusConflict, "no_session", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrAuthRejected):
		writeError(w, http.StatusBadGateway, "auth_rejected", err.Error(), correlationID)
	case errors.As(err, &httpErr), errors.As(err, &historyErr), errors.As(err, &notifErr):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("unhandled session error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getCorrelationID prefers the caller's X-Correlation-Id and falls back to
// the request id.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return chimw.GetReqID(r.Context())
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func nonNilMessages(list []relaychat.Message) []relaychat.Message {
	if list == nil {
		return []relaychat.Message{}
	}
	return list
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
