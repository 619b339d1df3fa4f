// Package broker is the backend peer of the messaging transport. It authenticates
// websocket sessions, confines each session to its owner's personal topic and routes
// envelopes sent to the /app destinations to the receiver's sessions, locally and
// through the bus for sessions held by other instances.
package broker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/auth"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/bus"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// OnlineKey is the bus set holding every user with at least one session on some instance.
const OnlineKey = "portal:online"

// ErrShuttingDown is returned once Shutdown has started.
var ErrShuttingDown = errors.New("broker shutting down")

// HistoryStore records chat envelopes and knows who talks with whom.
type HistoryStore interface {
	Append(ctx context.Context, env message.Envelope) error
	Counterparts(ctx context.Context, owner types.UserID) ([]types.UserID, error)
}

// Limiter gates websocket connects per IP and sessions per user.
type Limiter interface {
	CheckWebSocket(c *gin.Context) bool
	CheckWebSocketUser(ctx context.Context, userID string) error
}

// Option configures a Hub.
type Option func(*Hub)

// WithBus enables cross-instance delivery.
func WithBus(b types.BusService) Option {
	return func(h *Hub) { h.bus = b }
}

// WithHistory enables message persistence and presence fan-out to counterparts.
func WithHistory(s HistoryStore) Option {
	return func(h *Hub) { h.history = s }
}

// WithLimiter enables rate limiting of connects.
func WithLimiter(l Limiter) Option {
	return func(h *Hub) { h.limiter = l }
}

// WithAllowedOrigins restricts browser origins. Requests without an Origin header pass.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// WithDevLogin binds sessions to the CONNECT login header instead of the token
// subject. Only for SKIP_AUTH development setups.
func WithDevLogin(enabled bool) Option {
	return func(h *Hub) { h.devLogin = enabled }
}

// WithConnectTimeout bounds the time between upgrade and CONNECT. Default 10s.
func WithConnectTimeout(d time.Duration) Option {
	return func(h *Hub) { h.connectTimeout = d }
}

// Hub owns every websocket session on this instance.
type Hub struct {
	validator      types.TokenValidator
	bus            types.BusService
	history        HistoryStore
	limiter        Limiter
	allowedOrigins []string
	devLogin       bool
	connectTimeout time.Duration
	upgrader       websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[types.UserID]map[*Client]struct{}
	remote   map[types.UserID]func()
	clients  map[*Client]struct{}
	closed   bool

	pumps   sync.WaitGroup
	streams sync.WaitGroup
}

// NewHub creates a hub. validator is required unless dev login is enabled.
func NewHub(validator types.TokenValidator, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		validator:      validator,
		connectTimeout: 10 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
		sessions:       make(map[types.UserID]map[*Client]struct{}),
		remote:         make(map[types.UserID]func()),
		clients:        make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	return h
}

// ServeWs upgrades GET /ws. Authentication happens on the CONNECT frame.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.isClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}
	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(h, conn, upgradeToken(c))
	if !h.track(client) {
		_ = conn.Close()
		return
	}
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
}

// upgradeToken is the fallback credential when CONNECT carries none.
func upgradeToken(c *gin.Context) string {
	if token := auth.BearerToken(c.GetHeader("Authorization")); token != "" {
		return token
	}
	return c.Query("token")
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// track admits a client and reserves its two pumps while Shutdown cannot be waiting.
func (h *Hub) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.pumps.Add(2)
	return true
}

// authenticate resolves the session user for a CONNECT frame.
func (h *Hub) authenticate(login, token string) (types.UserID, string, error) {
	if h.devLogin && login != "" {
		return types.UserID(login), login, nil
	}
	if h.validator == nil {
		return "", "", auth.ErrInvalidToken
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		return "", "", err
	}
	if login != "" && login != claims.Subject {
		logging.Warn(h.ctx, "CONNECT login differs from token subject",
			zap.String("login", login),
			zap.String("subject", claims.Subject),
			zap.String("email", logging.RedactEmail(claims.Email)))
		return "", "", errors.New("login does not match token subject")
	}
	return types.UserID(claims.Subject), displayNameFrom(claims), nil
}

func displayNameFrom(claims *auth.CustomClaims) string {
	if claims.Name != "" {
		return claims.Name
	}
	if claims.Email != "" {
		if at := strings.IndexByte(claims.Email, '@'); at > 0 {
			return claims.Email[:at]
		}
	}
	return claims.Subject
}

// register binds an authenticated client to its user.
func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrShuttingDown
	}

	user := c.User()
	set, ok := h.sessions[user]
	if !ok {
		set = make(map[*Client]struct{})
		h.sessions[user] = set
		if h.bus != nil {
			h.remote[user] = h.bus.SubscribeUser(h.ctx, string(user), &h.streams, func(p bus.PubSubPayload) {
				h.deliverRemote(user, p)
			})
			if err := h.bus.SetAdd(h.ctx, OnlineKey, string(user)); err != nil {
				logging.Warn(h.ctx, "Failed to mark user online", zap.String("user", string(user)), zap.Error(err))
			}
		}
	}
	set[c] = struct{}{}
	return nil
}

// unregister drops a client. The last session of a user stops its bus subscription.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)

	user := c.User()
	set, ok := h.sessions[user]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) > 0 {
		return
	}
	delete(h.sessions, user)
	if stop, ok := h.remote[user]; ok {
		stop()
		delete(h.remote, user)
	}
	if h.bus != nil {
		if err := h.bus.SetRem(context.Background(), OnlineKey, string(user)); err != nil {
			logging.Warn(context.Background(), "Failed to mark user offline", zap.String("user", string(user)), zap.Error(err))
		}
	}
}

// Sessions returns how many live sessions user has on this instance.
func (h *Hub) Sessions(user types.UserID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[user])
}

func (h *Hub) sessionsOf(user types.UserID) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.sessions[user]))
	for c := range h.sessions[user] {
		out = append(out, c)
	}
	return out
}

// Ready fails once Shutdown has started, for the readiness probe.
func (h *Hub) Ready(context.Context) error {
	if h.isClosed() {
		return ErrShuttingDown
	}
	return nil
}

// Shutdown closes every session and waits for their goroutines, or for ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		h.cancel()
		h.streams.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(ctx, "Broker sessions closed", zap.Int("sessions", len(clients)))
		return nil
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
}
