// Package connection owns the single live pub/sub session of a signed-in user.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/dispatch"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/notify"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/transport"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// ErrNotConnected is returned by SendMessage when no session is live. Nothing is queued.
var ErrNotConnected = transport.ErrNotConnected

// errLostWhileConnecting fails an attempt whose transport dropped before the personal
// topic was live.
var errLostWhileConnecting = errors.New("connection lost while connecting")

// User-facing notification texts.
const (
	msgConnectFailed  = "Unable to connect to the messaging service"
	msgNotConnected   = "You are not connected. Your message was not sent"
	msgConnectionLost = "Connection to the messaging service was lost"
	msgInvalidMessage = "Message could not be sent"
)

// ReconnectPolicy bounds the opt-in reconnect loop.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

// DefaultReconnectPolicy retries for roughly a minute.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		MaxTries:        8,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the Notification Sink. Defaults to notify.LogSink.
func WithNotifier(n types.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithRegistry shares an existing dispatch registry.
func WithRegistry(r *dispatch.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithToken sets the bearer token presented in the CONNECT handshake.
func WithToken(token string) Option {
	return func(m *Manager) { m.token = token }
}

// WithDisplayName sets the name stamped on outgoing envelopes.
func WithDisplayName(name types.DisplayName) Option {
	return func(m *Manager) { m.displayName = name }
}

// WithAutoReconnect enables reconnect with exponential backoff after a lost connection.
func WithAutoReconnect(p ReconnectPolicy) Option {
	return func(m *Manager) { m.reconnect = &p }
}

// WithClock overrides the time source used to stamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager holds at most one live transport session and forwards the personal topic
// into the dispatch registry.
type Manager struct {
	transport   types.Transport
	endpoint    string
	registry    *dispatch.Registry
	notifier    types.Notifier
	token       string
	displayName types.DisplayName
	reconnect   *ReconnectPolicy
	now         func() time.Time

	group singleflight.Group

	// connecting is set for the whole of an attempt; a loss reported meanwhile sets
	// lostWhileConnecting so the attempt fails instead of going live. closing is set from
	// Disconnect until the next Connect and suppresses reconnect.
	mu                  sync.Mutex
	owner               types.UserID
	connected           bool
	connecting          bool
	lostWhileConnecting bool
	closing             bool
	sub                 types.Subscription
	stopReconnect       context.CancelFunc
	reconnectWg         sync.WaitGroup
}

// NewManager creates a disconnected manager bound to one transport and endpoint.
func NewManager(t types.Transport, endpoint string, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		endpoint:  endpoint,
		registry:  dispatch.NewRegistry(),
		notifier:  notify.LogSink{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	t.OnConnectionLost(m.handleLost)
	return m
}

// Registry exposes the dispatch registry fed by this manager.
func (m *Manager) Registry() *dispatch.Registry {
	return m.registry
}

// IsConnected reports whether the personal topic is live on a live transport.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	return connected && m.transport.IsConnected()
}

// Owner returns the user of the current or last session.
func (m *Manager) Owner() types.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Connect opens the session for userID. It returns immediately when already connected,
// for any user, and concurrent calls share one attempt.
func (m *Manager) Connect(ctx context.Context, userID types.UserID) error {
	if m.IsConnected() {
		return nil
	}
	m.mu.Lock()
	m.closing = false
	m.mu.Unlock()

	_, err, _ := m.group.Do("connect", func() (any, error) {
		err := m.open(ctx, userID)
		if err != nil {
			m.notifier.Notify(types.NotificationError, msgConnectFailed)
		}
		return nil, err
	})
	return err
}

func (m *Manager) open(ctx context.Context, userID types.UserID) error {
	if m.IsConnected() {
		return nil
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return context.Canceled
	}
	m.connected = false
	m.sub = nil
	m.connecting = true
	m.lostWhileConnecting = false
	m.mu.Unlock()
	ctx = logging.WithUser(ctx, string(userID))

	creds := types.Credentials{Login: userID, Token: m.token}
	if err := m.transport.Connect(ctx, m.endpoint, creds); err != nil {
		m.endAttempt()
		metrics.ClientConnectAttempts.WithLabelValues("failure").Inc()
		logging.Warn(ctx, "Connect failed", zap.String("endpoint", m.endpoint), zap.Error(err))
		return err
	}

	sub, err := m.transport.SubscribeTopic(types.PersonalTopic(userID), m.onPayload)
	if err != nil {
		m.endAttempt()
		metrics.ClientConnectAttempts.WithLabelValues("failure").Inc()
		logging.Warn(ctx, "Personal topic subscription failed", zap.Error(err))
		m.transport.Disconnect()
		return &transport.ConnectError{Endpoint: m.endpoint, Cause: err}
	}

	m.mu.Lock()
	m.connecting = false
	if m.lostWhileConnecting || m.closing {
		m.lostWhileConnecting = false
		m.mu.Unlock()
		metrics.ClientConnectAttempts.WithLabelValues("failure").Inc()
		logging.Warn(ctx, "Transport dropped before the session went live")
		m.transport.Disconnect()
		return &transport.ConnectError{Endpoint: m.endpoint, Cause: errLostWhileConnecting}
	}
	m.owner = userID
	m.connected = true
	m.sub = sub
	m.mu.Unlock()

	metrics.ClientConnectAttempts.WithLabelValues("success").Inc()
	logging.Info(ctx, "Messaging session established", zap.String("topic", string(sub.Topic())))

	if _, err := m.SendMessage(ctx, message.Envelope{Status: message.StatusJoin, ContentKind: message.ContentSystem}); err != nil {
		logging.Warn(ctx, "Failed to announce JOIN", zap.Error(err))
	}
	return nil
}

func (m *Manager) endAttempt() {
	m.mu.Lock()
	m.connecting = false
	m.lostWhileConnecting = false
	m.mu.Unlock()
}

// SendMessage stamps env with an id, the owner as sender, the display name and the
// current time, then publishes it. The stamped envelope is returned. Without a live
// session it notifies and returns ErrNotConnected.
func (m *Manager) SendMessage(ctx context.Context, env message.Envelope, destination ...types.Destination) (message.Envelope, error) {
	m.mu.Lock()
	connected := m.connected
	owner := m.owner
	m.mu.Unlock()

	if !connected || !m.transport.IsConnected() {
		metrics.ClientEnvelopes.WithLabelValues(string(message.DirectionOutgoing), "not_connected").Inc()
		m.notifier.Notify(types.NotificationError, msgNotConnected)
		return env, ErrNotConnected
	}

	if env.ID == "" {
		env.ID = message.NewID()
	}
	env.Sender = owner
	if env.SenderName == "" {
		env.SenderName = string(m.displayName)
	}
	if env.SentAt.IsZero() {
		env.SentAt = m.now()
	}
	env.SentAt = message.Timestamp(env.SentAt)
	if env.ContentKind == "" {
		env.ContentKind = message.ContentText
	}

	data, err := message.Encode(env)
	if err != nil {
		metrics.ClientEnvelopes.WithLabelValues(string(message.DirectionOutgoing), "invalid").Inc()
		logging.Warn(ctx, "Refusing to send invalid envelope", zap.String("status", string(env.Status)), zap.Error(err))
		m.notifier.Notify(types.NotificationError, msgInvalidMessage)
		return env, err
	}

	dest := types.DestinationPrivateMessage
	if len(destination) > 0 && destination[0] != "" {
		dest = destination[0]
	}

	m.transport.Send(dest, data)
	metrics.ClientEnvelopes.WithLabelValues(string(message.DirectionOutgoing), "sent").Inc()
	logging.GetLogger().Debug("Envelope sent",
		zap.String("id", env.ID),
		zap.String("status", string(env.Status)),
		zap.String("destination", string(dest)))
	return env, nil
}

// Subscribe registers a handler for every inbound envelope.
func (m *Manager) Subscribe(key dispatch.Key, handler dispatch.Handler) {
	m.registry.Register(key, handler)
}

// Unsubscribe removes a handler.
func (m *Manager) Unsubscribe(key dispatch.Key) {
	m.registry.Unregister(key)
}

// Disconnect announces LEAVE best-effort and tears the session down. Registered handlers
// are kept and become inert until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	stop := m.stopReconnect
	m.stopReconnect = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.reconnectWg.Wait()

	m.mu.Lock()
	wasConnected := m.connected
	m.mu.Unlock()

	if wasConnected && m.transport.IsConnected() {
		if _, err := m.SendMessage(context.Background(), message.Envelope{Status: message.StatusLeave, ContentKind: message.ContentSystem}); err != nil {
			logging.GetLogger().Debug("LEAVE not sent", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.connected = false
	m.sub = nil
	m.mu.Unlock()

	m.transport.Disconnect()
}

func (m *Manager) onPayload(body []byte) {
	env, err := message.Decode(body)
	if err != nil {
		metrics.MalformedEnvelopes.WithLabelValues("client").Inc()
		logging.Warn(context.Background(), "Dropping malformed envelope", zap.Error(err))
		return
	}

	metrics.ClientEnvelopes.WithLabelValues(string(message.DirectionIncoming), "received").Inc()
	m.registry.Dispatch(env)
}

func (m *Manager) handleLost(cause error) {
	m.mu.Lock()
	if m.connecting {
		m.lostWhileConnecting = true
		m.mu.Unlock()
		return
	}
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.sub = nil
	owner := m.owner
	if m.closing {
		m.mu.Unlock()
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.reconnect != nil {
		ctx, cancel = context.WithCancel(context.Background())
		m.stopReconnect = cancel
		m.reconnectWg.Add(1)
	}
	m.mu.Unlock()

	logging.Warn(logging.WithUser(context.Background(), string(owner)), "Messaging connection lost", zap.Error(cause))
	m.notifier.Notify(types.NotificationInfo, msgConnectionLost)

	if ctx != nil {
		go m.reconnectLoop(ctx, cancel, owner)
	}
}

func (m *Manager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, owner types.UserID) {
	defer m.reconnectWg.Done()
	defer cancel()

	policy := *m.reconnect
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Info(ctx, "Reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", next))
		}),
	}
	if policy.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err, _ := m.group.Do("connect", func() (any, error) {
			return nil, m.open(ctx, owner)
		})
		return struct{}{}, err
	}, opts...)

	if err != nil {
		if ctx.Err() == nil {
			m.notifier.Notify(types.NotificationError, msgConnectFailed)
		}
		return
	}
	m.notifier.Notify(types.NotificationInfo, "Reconnected to the messaging service")
}
