// Package transport wraps a pub/sub session over a gorilla websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/frame"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

const (
	writeWait               = 10 * time.Second
	pongWait                = 60 * time.Second
	pingPeriod              = (pongWait * 9) / 10
	defaultHandshakeTimeout = 10 * time.Second
	sendBufferSize          = 256
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("transport not connected")
	// ErrHandshakeRejected is the cause of a ConnectError when the broker answers CONNECT with ERROR.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// ConnectError reports that a session could not be established.
type ConnectError struct {
	Endpoint string
	Cause    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Dialer opens the raw websocket. *websocket.Dialer satisfies it through DialFunc.
type Dialer func(ctx context.Context, endpoint string, header http.Header) (wsConnection, error)

// DialFunc adapts a gorilla dialer.
func DialFunc(d *websocket.Dialer) Dialer {
	return func(ctx context.Context, endpoint string, header http.Header) (wsConnection, error) {
		conn, resp, err := d.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// WithHandshakeTimeout bounds the wait for CONNECTED.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.handshakeTimeout = d
		}
	}
}

// session is one physical connection. It is replaced, never reused, on reconnect.
type session struct {
	conn       wsConnection
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	clean      bool
}

// Adapter is a types.Transport backed by a websocket and the frame protocol.
type Adapter struct {
	dial             Dialer
	handshakeTimeout time.Duration

	mu      sync.Mutex
	current *session
	subs    map[string]*subscription
	onLost  []func(error)
}

// NewAdapter creates a disconnected adapter.
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		dial:             DialFunc(&websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}),
		handshakeTimeout: defaultHandshakeTimeout,
		subs:             make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ types.Transport = (*Adapter)(nil)

// Connect dials endpoint and completes the CONNECT/CONNECTED handshake.
// It is a no-op when a session is already live.
func (a *Adapter) Connect(ctx context.Context, endpoint string, creds types.Credentials) error {
	if a.IsConnected() {
		return nil
	}

	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	conn, err := a.dial(ctx, endpoint, header)
	if err != nil {
		return &ConnectError{Endpoint: endpoint, Cause: err}
	}

	if err := a.handshake(ctx, conn, creds); err != nil {
		_ = conn.Close()
		return &ConnectError{Endpoint: endpoint, Cause: err}
	}

	s := &session{
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	a.mu.Lock()
	if a.current != nil {
		// Lost a race with another Connect; keep the existing session.
		a.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	a.current = s
	a.mu.Unlock()

	go a.writePump(s)
	go a.readPump(s)

	logging.Info(ctx, "Transport connected", zap.String("endpoint", endpoint), zap.String("login", string(creds.Login)))
	return nil
}

func (a *Adapter) handshake(ctx context.Context, conn wsConnection, creds types.Credentials) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	data, err := frame.Encode(frame.Connect(string(creds.Login), creds.Token))
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(a.handshakeTimeout))
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		f, err := frame.Decode(raw)
		if err != nil {
			return err
		}
		switch f.Command {
		case frame.CommandConnected:
			_ = conn.SetReadDeadline(time.Time{})
			return nil
		case frame.CommandError:
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Header(frame.HeaderMessage))
		default:
			return fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}
	}
}

// IsConnected reports whether a session is live.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// OnConnectionLost registers a callback invoked once per lost session. A clean
// Disconnect never triggers it.
func (a *Adapter) OnConnectionLost(fn func(err error)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLost = append(a.onLost, fn)
}

// SubscribeTopic asks the broker for topic and routes its MESSAGE frames to onMessage.
// Subscriptions do not survive the session they were created on.
func (a *Adapter) SubscribeTopic(topic types.Topic, onMessage func(body []byte)) (types.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return nil, ErrNotConnected
	}

	sub := &subscription{
		adapter:   a,
		id:        "sub-" + uuid.NewString(),
		topic:     topic,
		session:   a.current,
		onMessage: onMessage,
	}
	a.subs[sub.id] = sub
	a.enqueueLocked(frame.Subscribe(sub.id, string(topic)))
	return sub, nil
}

// Send publishes body to destination. It is dropped when not connected.
func (a *Adapter) Send(destination types.Destination, body []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		metrics.ClientDroppedSends.Inc()
		logging.GetLogger().Debug("Dropping send on disconnected transport", zap.String("destination", string(destination)))
		return
	}
	a.enqueueLocked(frame.Send(string(destination), body))
}

// Disconnect closes the live session, if any. It always succeeds.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	s := a.current
	if s == nil {
		a.mu.Unlock()
		return
	}
	a.current = nil
	s.clean = true
	a.subs = make(map[string]*subscription)
	close(s.done)
	a.mu.Unlock()

	<-s.writerDone
	logging.Info(context.Background(), "Transport disconnected")
}

func (a *Adapter) enqueueLocked(f frame.Frame) {
	data, err := frame.Encode(f)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode frame", zap.String("command", string(f.Command)), zap.Error(err))
		return
	}

	select {
	case a.current.send <- data:
	default:
		metrics.ClientDroppedSends.Inc()
		logging.Warn(context.Background(), "Transport send buffer full - dropping frame", zap.String("command", string(f.Command)))
	}
}

// lost retires s after a read or write failure and fires the callbacks once.
func (a *Adapter) lost(s *session, cause error) {
	a.mu.Lock()
	if a.current != s {
		a.mu.Unlock()
		return
	}
	a.current = nil
	a.subs = make(map[string]*subscription)
	close(s.done)
	callbacks := make([]func(error), len(a.onLost))
	copy(callbacks, a.onLost)
	a.mu.Unlock()

	logging.Warn(context.Background(), "Transport connection lost", zap.Error(cause))
	for _, fn := range callbacks {
		fn(cause)
	}
}

func (a *Adapter) readPump(s *session) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			a.lost(s, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		f, err := frame.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping undecodable frame", zap.Error(err))
			continue
		}

		switch f.Command {
		case frame.CommandMessage:
			a.deliver(s, f)
		case frame.CommandError:
			logging.Warn(context.Background(), "Broker reported error", zap.String("message", f.Header(frame.HeaderMessage)))
		default:
			logging.GetLogger().Debug("Ignoring frame", zap.String("command", string(f.Command)))
		}
	}
}

func (a *Adapter) deliver(s *session, f frame.Frame) {
	a.mu.Lock()
	if a.current != s {
		a.mu.Unlock()
		return
	}
	sub, ok := a.subs[f.ID]
	a.mu.Unlock()

	if !ok || sub.onMessage == nil {
		logging.GetLogger().Debug("No subscription for frame", zap.String("id", f.ID), zap.String("destination", f.Destination))
		return
	}
	sub.onMessage(f.Body)
}

func (a *Adapter) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	write := func(msgType int, data []byte) error {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return s.conn.WriteMessage(msgType, data)
	}

	for {
		select {
		case data := <-s.send:
			if err := write(websocket.TextMessage, data); err != nil {
				logging.Error(context.Background(), "error writing frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			if !s.clean {
				return
			}
			// Flush what callers queued before Disconnect, then say goodbye.
		flush:
			for {
				select {
				case data := <-s.send:
					if err := write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					break flush
				}
			}
			if bye, err := frame.Encode(frame.Disconnect()); err == nil {
				_ = write(websocket.TextMessage, bye)
			}
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

type subscription struct {
	adapter   *Adapter
	id        string
	topic     types.Topic
	session   *session
	onMessage func([]byte)
}

func (s *subscription) Topic() types.Topic {
	return s.topic
}

// Unsubscribe stops delivery. It is idempotent.
func (s *subscription) Unsubscribe() {
	a := s.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.subs[s.id]; !ok {
		return
	}
	delete(a.subs, s.id)
	if a.current == s.session {
		a.enqueueLocked(frame.Unsubscribe(s.id))
	}
}
